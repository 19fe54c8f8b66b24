// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/marcoabrate/LiftPose3D/pkg/core/numpy"
	"github.com/marcoabrate/LiftPose3D/pkg/support/errkind"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// sequential returns a numExamples×cols matrix where row i is filled with the value i.
func sequential(numExamples, cols int) *mat.Dense {
	m := mat.NewDense(numExamples, cols, nil)
	m.Apply(func(i, _ int, _ float64) float64 { return float64(i) }, m)
	return m
}

// readEpoch yields all batches until io.EOF and returns the example indices, in order, and the batch sizes.
func readEpoch(t *testing.T, ds Dataset) (indices []int, sizes []int) {
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		for row, index := range batch.Indices {
			require.Equal(t, float64(index), batch.Inputs.At(row, 0))
		}
		indices = append(indices, batch.Indices...)
		sizes = append(sizes, batch.Size())
	}
}

func TestInMemory(t *testing.T) {
	ds, err := InMemory("test", sequential(10, 2), sequential(10, 3), nil)
	require.NoError(t, err)
	ds.BatchSize(4, false)
	assert.Equal(t, 3, ds.NumBatches())

	indices, sizes := readEpoch(t, ds)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, indices)
	assert.Equal(t, []int{4, 4, 2}, sizes)

	// Exhausted until Reset.
	_, err = ds.Yield()
	assert.Equal(t, io.EOF, err)
	ds.Reset()
	indices, _ = readEpoch(t, ds)
	assert.Len(t, indices, 10)

	ds.BatchSize(4, true)
	ds.Reset()
	_, sizes = readEpoch(t, ds)
	assert.Equal(t, []int{4, 4}, sizes)

	_, err = InMemory("bad", sequential(10, 2), sequential(9, 3), nil)
	require.Error(t, err)
}

func TestInMemoryShuffle(t *testing.T) {
	ds, err := InMemory("test", sequential(50, 2), nil, nil)
	require.NoError(t, err)
	ds.BatchSize(8, false).WithRand(rand.New(rand.NewPCG(1, 2))).Shuffle()

	epoch1, _ := readEpoch(t, ds)
	ds.Reset()
	epoch2, _ := readEpoch(t, ds)
	assert.NotEqual(t, epoch1, epoch2, "each epoch is reshuffled")
	for _, epoch := range [][]int{epoch1, epoch2} {
		sorted := slices.Clone(epoch)
		slices.Sort(sorted)
		require.Len(t, sorted, 50)
		for ii, index := range sorted {
			require.Equal(t, ii, index, "all examples in each epoch exactly once")
		}
	}
}

func TestInMemoryNoise(t *testing.T) {
	inputs := mat.NewDense(100, 1, nil)
	ds, err := InMemory("noisy", inputs, nil, nil)
	require.NoError(t, err)
	ds.BatchSize(100, false).Noise(0.5)
	batch, err := ds.Yield()
	require.NoError(t, err)
	assert.NotZero(t, mat.Norm(batch.Inputs, 2))
	assert.Zero(t, mat.Norm(inputs, 2), "underlying data is not modified")
}

func TestPrefetch(t *testing.T) {
	newDataset := func() *InMemoryDataset {
		ds, err := InMemory("test", sequential(23, 2), nil, nil)
		require.NoError(t, err)
		return ds.BatchSize(5, false).WithRand(rand.New(rand.NewPCG(3, 4))).Shuffle()
	}
	want, _ := readEpoch(t, newDataset())

	pd := Prefetch(newDataset(), 2)
	defer pd.Done()
	got, sizes := readEpoch(t, pd)
	assert.Equal(t, want, got, "order must be preserved")
	assert.Equal(t, []int{5, 5, 5, 5, 3}, sizes)

	// Reset in the middle of an epoch.
	pd.Reset()
	_, err := pd.Yield()
	require.NoError(t, err)
	pd.Reset()
	got, _ = readEpoch(t, pd)
	assert.Len(t, got, 23)
}

type failingDataset struct{ count int }

func (f *failingDataset) Name() string { return "failing" }
func (f *failingDataset) Reset()       { f.count = 0 }
func (f *failingDataset) Yield() (*Batch, error) {
	f.count++
	if f.count > 2 {
		return nil, errors.New("disk on fire")
	}
	return &Batch{Inputs: mat.NewDense(1, 1, nil)}, nil
}

func TestPrefetchError(t *testing.T) {
	pd := Prefetch(&failingDataset{}, 4)
	defer pd.Done()
	for range 2 {
		_, err := pd.Yield()
		require.NoError(t, err)
	}
	_, err := pd.Yield()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestLoadNpz(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "test.npz")
	examples := &Examples{
		Inputs:  sequential(4, 6),
		Targets: sequential(4, 9),
		Valid:   mat.NewDense(4, 3, []float64{1, 1, 1, 1, 0, 1, 1, 1, 1, 0, 0, 0}),
	}
	require.NoError(t, SaveNpz(examples, filePath))
	loaded, err := LoadNpz(filePath)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.NumExamples())
	assert.True(t, mat.Equal(examples.Targets, loaded.Targets))
	assert.True(t, mat.Equal(examples.Valid, loaded.Valid))

	// Targets and mask are optional.
	require.NoError(t, SaveNpz(&Examples{Inputs: sequential(2, 6)}, filePath))
	loaded, err = LoadNpz(filePath)
	require.NoError(t, err)
	assert.Nil(t, loaded.Targets)
	assert.Nil(t, loaded.Valid)

	// Inputs are required.
	require.NoError(t, numpy.ToNpzFile(map[string]*numpy.Array{"targets": numpy.FromDense(sequential(2, 3))}, filePath))
	_, err = LoadNpz(filePath)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.Load))

	_, err = LoadNpz(filepath.Join(dir, "missing.npz"))
	assert.True(t, errors.Is(err, errkind.Load))
}

func TestStats(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, StatsFileName)
	stats := &Stats{Mean: []float64{1, 2, 3}, Std: []float64{2, 2, 0.5}, InputSize: 2, OutputSize: 3}
	require.NoError(t, stats.Save(filePath))
	loaded, err := LoadStats(filePath)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Dims)
	assert.Equal(t, 1, loaded.NumJoints())

	x := mat.NewDense(2, 3, []float64{0, 0, 0, 1, -1, 2})
	physical := loaded.Unnormalize(x)
	assert.Equal(t, []float64{1, 2, 3, 3, 0, 4}, physical.RawMatrix().Data)
	assert.True(t, mat.EqualApprox(x, loaded.Normalize(physical), 1e-12))

	require.NoError(t, os.WriteFile(filePath, []byte(`{"mean": [1], "std": [1, 2], "input_size": 2, "output_size": 3}`), 0o644))
	_, err = LoadStats(filePath)
	assert.True(t, errors.Is(err, errkind.Load))

	require.NoError(t, os.WriteFile(filePath, []byte(`not json`), 0o644))
	_, err = LoadStats(filePath)
	assert.True(t, errors.Is(err, errkind.Load))

	_, err = LoadStats(filepath.Join(dir, "missing.json"))
	assert.True(t, errors.Is(err, errkind.Load))
}
