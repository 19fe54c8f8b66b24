// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

// Package geometry holds helpers to manipulate point sets: N points of M coordinates each, stored
// as an N×M gonum matrix, one point per row.
//
// Keypoints travel through the rest of the system as flat sequences (x0, y0, x1, y1, ...), which
// FromFlat and Flatten convert from and to.
package geometry

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// FromFlat reshapes a flat sequence of coordinates into an N×dims point set. The values are copied.
func FromFlat(flat []float64, dims int) (*mat.Dense, error) {
	if dims <= 0 {
		return nil, errors.Errorf("invalid number of dimensions %d", dims)
	}
	if len(flat) == 0 || len(flat)%dims != 0 {
		return nil, errors.Errorf("%d values can't be reshaped into points of %d coordinates", len(flat), dims)
	}
	data := make([]float64, len(flat))
	copy(data, flat)
	return mat.NewDense(len(flat)/dims, dims, data), nil
}

// Flatten returns the points in row-major order as a new slice.
func Flatten(points mat.Matrix) []float64 {
	rows, cols := points.Dims()
	flat := make([]float64, 0, rows*cols)
	for row := range rows {
		for col := range cols {
			flat = append(flat, points.At(row, col))
		}
	}
	return flat
}

// Centroid returns the mean of the points, one value per coordinate.
func Centroid(points mat.Matrix) []float64 {
	rows, cols := points.Dims()
	centroid := make([]float64, cols)
	for row := range rows {
		for col := range cols {
			centroid[col] += points.At(row, col)
		}
	}
	for col := range cols {
		centroid[col] /= float64(rows)
	}
	return centroid
}

// Rotate2DAbout returns the N×2 points rotated about center, computed as (p - center)·R + center
// with R = [[cos, -sin], [sin, cos]].
//
// Points are row vectors multiplied on the left of R, so a positive angle rotates them clockwise in
// the usual x-right/y-up frame.
func Rotate2DAbout(points mat.Matrix, center [2]float64, angle float64) (*mat.Dense, error) {
	rows, cols := points.Dims()
	if cols != 2 {
		return nil, errors.Errorf("Rotate2DAbout requires points with 2 coordinates, got %d", cols)
	}
	cos, sin := math.Cos(angle), math.Sin(angle)
	rotation := mat.NewDense(2, 2, []float64{cos, -sin, sin, cos})

	centered := mat.NewDense(rows, 2, nil)
	centered.Apply(func(_, j int, v float64) float64 { return v - center[j] }, points)
	var rotated mat.Dense
	rotated.Mul(centered, rotation)
	rotated.Apply(func(_, j int, v float64) float64 { return v + center[j] }, &rotated)
	return &rotated, nil
}

// IsFinite returns whether all values of the matrix are finite.
func IsFinite(m mat.Matrix) bool {
	rows, cols := m.Dims()
	for row := range rows {
		for col := range cols {
			v := m.At(row, col)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
