// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

package numpy

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Array is a dense, row-major (C-order) array of float64 values, as read from or written to
// NumPy files. All NumPy numeric and boolean dtypes are converted to float64 when read.
type Array struct {
	// Shape of the array. An empty shape is a scalar.
	Shape []int

	// Data in row-major order, with len(Data) == Size().
	Data []float64
}

// Size returns the number of elements of the array.
func (a *Array) Size() int {
	size := 1
	for _, dim := range a.Shape {
		size *= dim
	}
	return size
}

// Rank returns the number of axes.
func (a *Array) Rank() int { return len(a.Shape) }

// String implements fmt.Stringer.
func (a *Array) String() string {
	return fmt.Sprintf("numpy.Array(shape=%v)", a.Shape)
}

// Scalar creates a 0-dimensional array.
func Scalar(value float64) *Array {
	return &Array{Shape: []int{}, Data: []float64{value}}
}

// Vector creates a 1-dimensional array. The values are copied.
func Vector(values []float64) *Array {
	return &Array{Shape: []int{len(values)}, Data: slices.Clone(values)}
}

// FromDense converts a gonum matrix to a 2-dimensional array. The values are copied.
func FromDense(m mat.Matrix) *Array {
	rows, cols := m.Dims()
	a := &Array{Shape: []int{rows, cols}, Data: make([]float64, rows*cols)}
	for row := range rows {
		for col := range cols {
			a.Data[row*cols+col] = m.At(row, col)
		}
	}
	return a
}

// AsScalar returns the value of a scalar array. Arrays with exactly one element of any rank are accepted.
func (a *Array) AsScalar() (float64, error) {
	if len(a.Data) != 1 {
		return 0, errors.Errorf("array of shape %v is not a scalar", a.Shape)
	}
	return a.Data[0], nil
}

// AsDense returns the array as a gonum matrix. Rank-2 arrays keep their shape, rank-1 arrays become
// a single row and scalars a 1x1 matrix. The values are copied.
func (a *Array) AsDense() (*mat.Dense, error) {
	var rows, cols int
	switch a.Rank() {
	case 0:
		rows, cols = 1, 1
	case 1:
		rows, cols = 1, a.Shape[0]
	case 2:
		rows, cols = a.Shape[0], a.Shape[1]
	default:
		return nil, errors.Errorf("array of shape %v has rank %d, only rank <= 2 can be converted to a matrix",
			a.Shape, a.Rank())
	}
	if rows == 0 || cols == 0 {
		return nil, errors.Errorf("array of shape %v is empty, it can't be converted to a matrix", a.Shape)
	}
	if len(a.Data) != rows*cols {
		return nil, errors.Errorf("array of shape %v has %d values, expected %d", a.Shape, len(a.Data), rows*cols)
	}
	return mat.NewDense(rows, cols, slices.Clone(a.Data)), nil
}
