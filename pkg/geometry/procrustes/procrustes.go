// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

// Package procrustes implements orthogonal Procrustes superimposition with optional uniform scaling.
//
// It is used to evaluate predicted poses against their targets independently of a global rotation
// and translation (and optionally scale), and to align training targets to a common frame.
package procrustes

import (
	"math"

	"github.com/marcoabrate/LiftPose3D/pkg/geometry"
	"github.com/marcoabrate/LiftPose3D/pkg/support/errkind"
	"gonum.org/v1/gonum/mat"
)

// Result of a SimilarityTransform.
type Result struct {
	// SquaredError after the transformation, relative to the centered squared norm of the target.
	SquaredError float64

	// Transformed holds the input points after the transformation.
	Transformed *mat.Dense

	// Rotation matrix M×M, always a proper rotation (determinant +1). Points are row vectors, so they
	// are transformed as Y·Rotation.
	Rotation *mat.Dense

	// Scale is the uniform scaling factor, 1 if scaling was not allowed.
	Scale float64

	// Translation, one value per coordinate.
	Translation []float64
}

// Apply transforms other points (N'×M) with the same similarity transform: Scale·Y·Rotation + Translation.
func (r *Result) Apply(y mat.Matrix) *mat.Dense {
	var z mat.Dense
	z.Mul(y, r.Rotation)
	z.Apply(func(_, j int, v float64) float64 { return r.Scale*v + r.Translation[j] }, &z)
	return &z
}

// SimilarityTransform finds the rotation, translation and, if allowScale, the uniform scale
// that best superimpose the points y onto the target points x.
//
// Both x and y must be N×M, with N >= M: points as rows, coordinates as columns.
//
// It returns an errkind.DegenerateInput error if the shapes don't match, the problem is
// under-determined, any value is not finite, or either point set has all points coincident.
func SimilarityTransform(x, y mat.Matrix, allowScale bool) (*Result, error) {
	n, m := x.Dims()
	yn, ym := y.Dims()
	if n != yn || m != ym {
		return nil, errkind.Errorf(errkind.DegenerateInput,
			"point sets must have the same shape, got target %dx%d and input %dx%d", n, m, yn, ym)
	}
	if m < 1 || n < m {
		return nil, errkind.Errorf(errkind.DegenerateInput,
			"alignment of %d points of dimension %d is under-determined", n, m)
	}
	if !geometry.IsFinite(x) || !geometry.IsFinite(y) {
		return nil, errkind.Errorf(errkind.DegenerateInput, "point sets contain non-finite values")
	}

	muX, muY := geometry.Centroid(x), geometry.Centroid(y)
	x0, ssX := centered(x, muX)
	y0, ssY := centered(y, muY)
	normX, normY := math.Sqrt(ssX), math.Sqrt(ssY)
	if normX == 0 || normY == 0 {
		return nil, errkind.Errorf(errkind.DegenerateInput,
			"point sets must not have all points coincident (target norm %g, input norm %g)", normX, normY)
	}
	x0.Scale(1/normX, x0)
	y0.Scale(1/normY, y0)

	// Optimum rotation of y0 onto x0.
	var a mat.Dense
	a.Mul(x0.T(), y0)
	var svd mat.SVD
	if !svd.Factorize(&a, mat.SVDThin) {
		return nil, errkind.Errorf(errkind.DegenerateInput, "SVD of the %dx%d covariance failed to converge", m, m)
	}
	s := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	t := mat.NewDense(m, m, nil)
	t.Mul(&v, u.T())

	// Reject reflections: flip the axis of the smallest singular value.
	if mat.Det(t) < 0 {
		for row := range m {
			v.Set(row, m-1, -v.At(row, m-1))
		}
		s[m-1] = -s[m-1]
		t.Mul(&v, u.T())
	}

	var traceTA float64
	for _, value := range s {
		traceTA += value
	}

	result := &Result{Rotation: t}
	var y0t mat.Dense
	y0t.Mul(y0, t)
	var zScale float64
	if allowScale {
		result.Scale = traceTA * normX / normY
		result.SquaredError = 1 - traceTA*traceTA
		zScale = normX * traceTA
	} else {
		result.Scale = 1
		result.SquaredError = 1 + ssY/ssX - 2*traceTA*normY/normX
		zScale = normY
	}
	y0t.Apply(func(_, j int, v float64) float64 { return zScale*v + muX[j] }, &y0t)
	result.Transformed = &y0t

	muYT := mat.NewVecDense(m, nil)
	muYT.MulVec(t.T(), mat.NewVecDense(m, muY))
	result.Translation = make([]float64, m)
	for j := range m {
		result.Translation[j] = muX[j] - result.Scale*muYT.AtVec(j)
	}
	return result, nil
}

// centered returns the points minus their centroid, and the sum of the squared centered values.
func centered(points mat.Matrix, centroid []float64) (*mat.Dense, float64) {
	rows, cols := points.Dims()
	out := mat.NewDense(rows, cols, nil)
	var ss float64
	out.Apply(func(_, j int, v float64) float64 {
		d := v - centroid[j]
		ss += d * d
		return d
	}, points)
	return out, ss
}
