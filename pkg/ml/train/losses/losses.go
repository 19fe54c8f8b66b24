// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

// Package losses have the losses that implement LossFn, used by train.Trainer.
package losses

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// LossFn takes the targets and the predictions of a batch, and returns the scalar loss and its
// gradient with respect to the predictions.
type LossFn func(targets, predictions *mat.Dense) (loss float64, grad *mat.Dense, err error)

// MeanSquaredError returns the mean over all elements of (predictions - targets)², and its gradient.
func MeanSquaredError(targets, predictions *mat.Dense) (loss float64, grad *mat.Dense, err error) {
	rows, cols := predictions.Dims()
	tRows, tCols := targets.Dims()
	if rows != tRows || cols != tCols {
		return 0, nil, errors.Errorf("MeanSquaredError: targets are %dx%d and predictions %dx%d",
			tRows, tCols, rows, cols)
	}
	if rows*cols == 0 {
		return 0, nil, errors.Errorf("MeanSquaredError: empty batch")
	}
	n := float64(rows * cols)
	grad = mat.NewDense(rows, cols, nil)
	grad.Sub(predictions, targets)
	for row := range rows {
		for _, diff := range grad.RawRowView(row) {
			loss += diff * diff
		}
	}
	loss /= n
	grad.Scale(2/n, grad)
	return loss, grad, nil
}
