// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"io"
	"math/rand/v2"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// InMemoryDataset serves batches from matrices held in memory, one example per row.
//
// It supports batching, shuffling (reshuffled at every Reset) and additive Gaussian noise on the inputs,
// used as augmentation during training. It is safe for concurrent use.
type InMemoryDataset struct {
	name                   string
	inputs, targets, valid *mat.Dense
	numExamples            int

	muSampling          sync.Mutex
	batchSize           int
	dropIncompleteBatch bool
	shuffle             []int
	rng                 *rand.Rand
	noise               float64
	next                int
}

var _ Dataset = (*InMemoryDataset)(nil)

// InMemory creates a dataset over the given examples. targets and valid can be nil; if given, they must
// have the same number of rows as inputs.
//
// The returned dataset is not shuffled and yields one example per batch, see BatchSize and Shuffle.
func InMemory(name string, inputs, targets, valid *mat.Dense) (*InMemoryDataset, error) {
	if inputs == nil {
		return nil, errors.Errorf("dataset %q has no inputs", name)
	}
	numExamples, _ := inputs.Dims()
	for _, other := range []struct {
		what string
		m    *mat.Dense
	}{{"targets", targets}, {"validity mask", valid}} {
		if other.m == nil {
			continue
		}
		if rows, _ := other.m.Dims(); rows != numExamples {
			return nil, errors.Errorf("dataset %q has %d inputs but %d %s", name, numExamples, rows, other.what)
		}
	}
	return &InMemoryDataset{
		name:        name,
		inputs:      inputs,
		targets:     targets,
		valid:       valid,
		numExamples: numExamples,
		batchSize:   1,
		rng:         rand.New(rand.NewPCG(0, 0)),
	}, nil
}

// Name implements Dataset.
func (ds *InMemoryDataset) Name() string { return ds.name }

// NumExamples in the dataset.
func (ds *InMemoryDataset) NumExamples() int { return ds.numExamples }

// NumBatches returns the number of batches yielded per epoch.
func (ds *InMemoryDataset) NumBatches() int {
	ds.muSampling.Lock()
	defer ds.muSampling.Unlock()
	if ds.dropIncompleteBatch {
		return ds.numExamples / ds.batchSize
	}
	return (ds.numExamples + ds.batchSize - 1) / ds.batchSize
}

// BatchSize configures the number of examples per batch. If dropIncompleteBatch is true, the last batch
// of the epoch is dropped if it has fewer than n examples.
//
// It returns the modified dataset, so calls can be cascaded.
func (ds *InMemoryDataset) BatchSize(n int, dropIncompleteBatch bool) *InMemoryDataset {
	ds.muSampling.Lock()
	defer ds.muSampling.Unlock()
	if n < 1 {
		n = 1
	}
	ds.batchSize = n
	ds.dropIncompleteBatch = dropIncompleteBatch
	return ds
}

// WithRand sets the random number generator used for shuffling and noise.
func (ds *InMemoryDataset) WithRand(rng *rand.Rand) *InMemoryDataset {
	ds.muSampling.Lock()
	defer ds.muSampling.Unlock()
	ds.rng = rng
	if ds.shuffle != nil {
		ds.shuffleLocked()
	}
	return ds
}

// Shuffle configures the dataset to return the examples in a random order, different every epoch.
func (ds *InMemoryDataset) Shuffle() *InMemoryDataset {
	ds.muSampling.Lock()
	defer ds.muSampling.Unlock()
	ds.shuffle = make([]int, ds.numExamples)
	for ii := range ds.shuffle {
		ds.shuffle[ii] = ii
	}
	ds.shuffleLocked()
	return ds
}

func (ds *InMemoryDataset) shuffleLocked() {
	ds.rng.Shuffle(len(ds.shuffle), func(i, j int) {
		ds.shuffle[i], ds.shuffle[j] = ds.shuffle[j], ds.shuffle[i]
	})
}

// Noise adds Gaussian noise with the given standard deviation to the yielded inputs. 0 disables it.
func (ds *InMemoryDataset) Noise(stddev float64) *InMemoryDataset {
	ds.muSampling.Lock()
	defer ds.muSampling.Unlock()
	ds.noise = stddev
	return ds
}

// Reset implements Dataset.
func (ds *InMemoryDataset) Reset() {
	ds.muSampling.Lock()
	defer ds.muSampling.Unlock()
	ds.next = 0
	if ds.shuffle != nil {
		ds.shuffleLocked()
	}
}

// indicesNextYield returns the indices of the examples of the next batch, or nil at the end of the epoch.
func (ds *InMemoryDataset) indicesNextYield() []int {
	ds.muSampling.Lock()
	defer ds.muSampling.Unlock()
	indices := make([]int, 0, ds.batchSize)
	for ds.next < ds.numExamples && len(indices) < ds.batchSize {
		if ds.shuffle != nil {
			indices = append(indices, ds.shuffle[ds.next])
		} else {
			indices = append(indices, ds.next)
		}
		ds.next++
	}
	if len(indices) < ds.batchSize && ds.dropIncompleteBatch {
		return nil
	}
	if len(indices) == 0 {
		return nil
	}
	return indices
}

// Yield implements Dataset.
func (ds *InMemoryDataset) Yield() (*Batch, error) {
	indices := ds.indicesNextYield()
	if indices == nil {
		return nil, io.EOF
	}
	batch := &Batch{
		Inputs:  gatherRows(ds.inputs, indices),
		Targets: gatherRows(ds.targets, indices),
		Valid:   gatherRows(ds.valid, indices),
		Indices: indices,
	}
	if ds.noise > 0 {
		ds.muSampling.Lock()
		normal := distuv.Normal{Mu: 0, Sigma: ds.noise, Src: ds.rng}
		batch.Inputs.Apply(func(_, _ int, v float64) float64 { return v + normal.Rand() }, batch.Inputs)
		ds.muSampling.Unlock()
	}
	return batch, nil
}

// gatherRows returns a new matrix with the given rows of m, or nil if m is nil.
func gatherRows(m *mat.Dense, indices []int) *mat.Dense {
	if m == nil {
		return nil
	}
	_, cols := m.Dims()
	gathered := mat.NewDense(len(indices), cols, nil)
	for row, index := range indices {
		gathered.SetRow(row, m.RawRowView(index))
	}
	return gathered
}
