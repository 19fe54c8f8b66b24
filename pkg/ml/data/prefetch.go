// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"io"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PrefetchDataset is a wrapper around a Dataset that reads batches ahead in a background goroutine,
// so loading the next batch overlaps with the computation on the current one.
//
// There is a single producer goroutine, so the order of the yields is preserved.
//
// To avoid leaking the goroutine, call PrefetchDataset.Done when finished.
type PrefetchDataset struct {
	ds         Dataset
	bufferSize int
	epoch      *prefetchEpoch
}

// prefetchEpoch holds the state of the producer for one epoch.
type prefetchEpoch struct {
	buffer chan *Batch
	stop   chan struct{}

	// err is set by the producer before closing buffer, so it can be read once buffer is closed.
	err error
}

var _ Dataset = (*PrefetchDataset)(nil)

// Prefetch wraps ds and starts reading up to bufferSize batches ahead.
// A bufferSize < 1 is taken as 1.
//
// The wrapped dataset must not be used directly while the PrefetchDataset is in use.
func Prefetch(ds Dataset, bufferSize int) *PrefetchDataset {
	if bufferSize < 1 {
		bufferSize = 1
	}
	pd := &PrefetchDataset{ds: ds, bufferSize: bufferSize}
	pd.startEpoch()
	return pd
}

func (pd *PrefetchDataset) startEpoch() {
	epoch := &prefetchEpoch{
		buffer: make(chan *Batch, pd.bufferSize),
		stop:   make(chan struct{}),
	}
	pd.epoch = epoch
	go func(ds Dataset) {
		defer close(epoch.buffer)
		for {
			batch, err := ds.Yield()
			if err == io.EOF {
				return
			}
			if err != nil {
				klog.Errorf("prefetching from dataset %q: %+v", ds.Name(), err)
				epoch.err = err
				return
			}
			select {
			case <-epoch.stop:
				return
			case epoch.buffer <- batch:
			}
		}
	}(pd.ds)
}

// stopEpoch stops the producer and waits for it to finish.
func (pd *PrefetchDataset) stopEpoch() {
	epoch := pd.epoch
	if epoch == nil {
		return
	}
	close(epoch.stop)
	for range epoch.buffer {
		// Drain until the producer closes the buffer.
	}
	pd.epoch = nil
}

// Name implements Dataset.
func (pd *PrefetchDataset) Name() string { return pd.ds.Name() }

// Reset implements Dataset: it discards any prefetched batches, resets the underlying dataset and starts
// prefetching the new epoch.
func (pd *PrefetchDataset) Reset() {
	if pd.epoch == nil {
		klog.Warningf("PrefetchDataset(%q).Reset called after Done", pd.Name())
		return
	}
	pd.stopEpoch()
	pd.ds.Reset()
	pd.startEpoch()
}

// Yield implements Dataset. It blocks until the next batch is ready.
func (pd *PrefetchDataset) Yield() (*Batch, error) {
	epoch := pd.epoch
	if epoch == nil {
		return nil, errors.Errorf("PrefetchDataset(%q).Yield called after Done", pd.Name())
	}
	batch, ok := <-epoch.buffer
	if !ok {
		if epoch.err != nil {
			return nil, errors.WithMessagef(epoch.err, "PrefetchDataset(%q)", pd.Name())
		}
		return nil, io.EOF
	}
	return batch, nil
}

// Done stops the background goroutine. The dataset can no longer be used.
func (pd *PrefetchDataset) Done() {
	pd.stopEpoch()
}
