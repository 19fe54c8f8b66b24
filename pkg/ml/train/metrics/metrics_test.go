// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestMean(t *testing.T) {
	var m Mean
	assert.True(t, math.IsNaN(m.Value()))
	m.Update(1, 3)
	m.Update(5, 1)
	assert.Equal(t, 2.0, m.Value())
	assert.Equal(t, 4, m.Count())
	m.Reset()
	assert.Zero(t, m.Count())
}

func TestJointError(t *testing.T) {
	// Two samples of 3 joints in 3D.
	targets := mat.NewDense(2, 9, []float64{
		0, 0, 0, 1, 0, 0, 0, 1, 0,
		0, 0, 0, 1, 0, 0, 0, 1, 0,
	})
	predictions := mat.NewDense(2, 9, []float64{
		0, 0, 1, 1, 0, 1, 0, 1, 1, // Translated by 1 along z.
		0, 0, 0, 1, 0, 0, 0, 4, 0, // Last joint off by 3.
	})
	valid := mat.NewDense(2, 3, []float64{
		1, 1, 1,
		1, 1, 0,
	})

	t.Run("Unaligned", func(t *testing.T) {
		e := NewJointError(3, 3, false)
		require.NoError(t, e.Add(predictions, targets, valid))
		assert.Equal(t, 2, e.NumSamples())
		errs := e.SampleErrors()
		assert.Equal(t, []float64{1, 1, 1}, errs.RawRowView(0))
		assert.Equal(t, 0.0, errs.At(1, 0))
		assert.True(t, math.IsNaN(errs.At(1, 2)), "excluded joint must be NaN")
		assert.Equal(t, []float64{0.5, 0.5, 1}, e.JointMeans())
		assert.InDelta(t, 3.0/5.0, e.Mean(), 1e-12)
	})

	t.Run("Aligned", func(t *testing.T) {
		e := NewJointError(3, 3, true)
		require.NoError(t, e.Add(predictions.Slice(0, 1, 0, 9).(*mat.Dense), targets.Slice(0, 1, 0, 9).(*mat.Dense), nil))
		// A pure translation is removed by the alignment.
		assert.InDelta(t, 0.0, e.Mean(), 1e-9)
		assert.Zero(t, e.NumDegenerate())
	})

	t.Run("Degenerate", func(t *testing.T) {
		e := NewJointError(3, 3, true)
		collapsed := mat.NewDense(1, 9, []float64{1, 1, 1, 1, 1, 1, 1, 1, 1})
		require.NoError(t, e.Add(collapsed, targets.Slice(0, 1, 0, 9).(*mat.Dense), nil))
		assert.Equal(t, 1, e.NumDegenerate())
		// Falls back to the unaligned error.
		assert.InDelta(t, math.Sqrt(3), e.SampleErrors().At(0, 0), 1e-12)
	})

	t.Run("NaNPropagates", func(t *testing.T) {
		e := NewJointError(3, 3, false)
		diverged := mat.NewDense(1, 9, nil)
		diverged.Set(0, 4, math.NaN())
		require.NoError(t, e.Add(diverged, targets.Slice(0, 1, 0, 9).(*mat.Dense), nil))
		assert.True(t, math.IsNaN(e.Mean()))
		assert.True(t, math.IsNaN(e.JointMeans()[1]))
		assert.Equal(t, 0.0, e.JointMeans()[0])
	})

	t.Run("Shapes", func(t *testing.T) {
		e := NewJointError(3, 3, false)
		require.Error(t, e.Add(predictions, mat.NewDense(2, 6, nil), nil))
		require.Error(t, e.Add(predictions, targets, mat.NewDense(2, 2, nil)))
		assert.Nil(t, e.SampleErrors())
		assert.True(t, math.IsNaN(e.Mean()))
	})
}
