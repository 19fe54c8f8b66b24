// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

package losses

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestMeanSquaredError(t *testing.T) {
	targets := mat.NewDense(2, 2, []float64{0, 0, 1, 1})
	predictions := mat.NewDense(2, 2, []float64{1, 0, 1, 3})
	loss, grad, err := MeanSquaredError(targets, predictions)
	require.NoError(t, err)
	assert.InDelta(t, (1.0+4.0)/4, loss, 1e-12)
	assert.Equal(t, []float64{0.5, 0, 0, 1}, grad.RawMatrix().Data)

	_, _, err = MeanSquaredError(targets, mat.NewDense(1, 2, nil))
	require.Error(t, err)
}
