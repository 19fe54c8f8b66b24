// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds the aggregators of training and evaluation metrics: a weighted mean of the
// per batch losses, and the per joint error of the lifted poses.
package metrics

import (
	"math"

	"github.com/marcoabrate/LiftPose3D/pkg/geometry"
	"github.com/marcoabrate/LiftPose3D/pkg/geometry/procrustes"
	"github.com/marcoabrate/LiftPose3D/pkg/support/errkind"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// Mean is a running mean of values, each weighted by the size of the batch it was computed on.
// The zero value is ready to use.
type Mean struct {
	sum   float64
	count int
}

// Update adds the value of a batch with n examples.
func (m *Mean) Update(value float64, n int) {
	m.sum += value * float64(n)
	m.count += n
}

// Value returns the weighted mean, or NaN if nothing was added.
func (m *Mean) Value() float64 {
	if m.count == 0 {
		return math.NaN()
	}
	return m.sum / float64(m.count)
}

// Count returns the total number of examples added.
func (m *Mean) Count() int { return m.count }

// Reset the mean.
func (m *Mean) Reset() { *m = Mean{} }

// JointError accumulates the Euclidean distance between predicted and target joints over an
// evaluation, optionally after aligning each predicted pose to its target (Procrustes, no scaling).
//
// Joints marked as not valid are excluded: their error is NaN and they are skipped by the means.
// NaN errors of valid joints (a diverged model) are not skipped, and propagate to the means.
type JointError struct {
	numJoints, dims int
	align           bool

	sampleErrors [][]float64
	excluded     [][]bool
	degenerate   int
}

// NewJointError creates an accumulator for poses of numJoints joints with dims coordinates each.
func NewJointError(numJoints, dims int, align bool) *JointError {
	return &JointError{numJoints: numJoints, dims: dims, align: align}
}

// Add the poses of a batch: predictions and targets are B×(numJoints·dims), in physical units,
// and valid is B×numJoints with 1 for valid joints and 0 for excluded ones. If valid is nil all
// joints are valid.
func (e *JointError) Add(predictions, targets, valid *mat.Dense) error {
	rows, cols := predictions.Dims()
	if tRows, tCols := targets.Dims(); tRows != rows || tCols != cols {
		return errors.Errorf("JointError: predictions are %dx%d but targets are %dx%d", rows, cols, tRows, tCols)
	}
	if cols != e.numJoints*e.dims {
		return errors.Errorf("JointError: poses have %d values, expected %d joints x %d dims", cols, e.numJoints, e.dims)
	}
	if valid != nil {
		if vRows, vCols := valid.Dims(); vRows != rows || vCols != e.numJoints {
			return errors.Errorf("JointError: validity mask is %dx%d, expected %dx%d", vRows, vCols, rows, e.numJoints)
		}
	}
	for row := range rows {
		predicted, err := geometry.FromFlat(predictions.RawRowView(row), e.dims)
		if err != nil {
			return err
		}
		target, err := geometry.FromFlat(targets.RawRowView(row), e.dims)
		if err != nil {
			return err
		}
		if e.align {
			result, err := procrustes.SimilarityTransform(target, predicted, false)
			switch {
			case err == nil:
				predicted = result.Transformed
			case errors.Is(err, errkind.DegenerateInput):
				e.degenerate++
				klog.V(1).Infof("sample %d of batch can't be aligned, using it unaligned: %v", row, err)
			default:
				return err
			}
		}
		sampleError := make([]float64, e.numJoints)
		excluded := make([]bool, e.numJoints)
		for joint := range e.numJoints {
			if valid != nil && valid.At(row, joint) == 0 {
				sampleError[joint] = math.NaN()
				excluded[joint] = true
				continue
			}
			sampleError[joint] = floats.Distance(predicted.RawRowView(joint), target.RawRowView(joint), 2)
		}
		e.sampleErrors = append(e.sampleErrors, sampleError)
		e.excluded = append(e.excluded, excluded)
	}
	return nil
}

// NumSamples added so far.
func (e *JointError) NumSamples() int { return len(e.sampleErrors) }

// NumDegenerate returns the number of samples that could not be aligned.
func (e *JointError) NumDegenerate() int { return e.degenerate }

// SampleErrors returns the S×numJoints errors, NaN for excluded joints. It returns nil if no sample was added.
func (e *JointError) SampleErrors() *mat.Dense {
	if len(e.sampleErrors) == 0 {
		return nil
	}
	m := mat.NewDense(len(e.sampleErrors), e.numJoints, nil)
	for row, sampleError := range e.sampleErrors {
		m.SetRow(row, sampleError)
	}
	return m
}

// JointMeans returns the mean error of each joint over the samples where it is valid, NaN for joints
// that were never valid.
func (e *JointError) JointMeans() []float64 {
	means := make([]float64, e.numJoints)
	values := make([]float64, 0, len(e.sampleErrors))
	for joint := range e.numJoints {
		values = values[:0]
		for sample, sampleError := range e.sampleErrors {
			if !e.excluded[sample][joint] {
				values = append(values, sampleError[joint])
			}
		}
		if len(values) == 0 {
			means[joint] = math.NaN()
			continue
		}
		means[joint] = stat.Mean(values, nil)
	}
	return means
}

// Mean returns the mean error over all valid joints of all samples, NaN if there are none.
func (e *JointError) Mean() float64 {
	var sum float64
	var count int
	for sample, sampleError := range e.sampleErrors {
		for joint, value := range sampleError {
			if !e.excluded[sample][joint] {
				sum += value
				count++
			}
		}
	}
	if count == 0 {
		return math.NaN()
	}
	return sum / float64(count)
}
