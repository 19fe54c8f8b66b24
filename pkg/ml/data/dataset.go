// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

// Package data provides the datasets consumed by the training loop: the Dataset contract, an in-memory
// batched and shuffled dataset, a prefetching wrapper, and the normalization statistics.
package data

import (
	"gonum.org/v1/gonum/mat"
)

// Batch of examples, one per row.
type Batch struct {
	// Inputs are the normalized 2D keypoints, B×I.
	Inputs *mat.Dense

	// Targets are the normalized 3D keypoints, B×O. Nil when predicting.
	Targets *mat.Dense

	// Valid is B×J, 1 for joints to be used in the error, 0 for excluded ones. Nil if all are valid.
	Valid *mat.Dense

	// Indices of the examples of the batch in the source dataset.
	Indices []int
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int {
	rows, _ := b.Inputs.Dims()
	return rows
}

// Dataset yields batches of examples for one epoch at a time.
//
// The last Yield of an epoch returns io.EOF, after which Reset must be called to start a new epoch.
type Dataset interface {
	// Name identifies the dataset in logs.
	Name() string

	// Reset restarts the dataset, reshuffling it if so configured.
	Reset()

	// Yield returns the next batch, or io.EOF at the end of the epoch.
	Yield() (*Batch, error)
}
