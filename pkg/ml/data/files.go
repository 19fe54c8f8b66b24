// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"encoding/json"
	"os"

	"github.com/marcoabrate/LiftPose3D/pkg/core/numpy"
	"github.com/marcoabrate/LiftPose3D/pkg/support/errkind"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Names of the arrays in a dataset .npz file.
const (
	InputsArrayName  = "inputs"
	TargetsArrayName = "targets"
	ValidArrayName   = "good_keypts"
)

// Examples read from a dataset file, one per row.
type Examples struct {
	Inputs  *mat.Dense
	Targets *mat.Dense // Nil if the file has no targets.
	Valid   *mat.Dense // Nil if the file has no validity mask.
}

// NumExamples returns the number of rows.
func (e *Examples) NumExamples() int {
	rows, _ := e.Inputs.Dims()
	return rows
}

// LoadNpz reads a dataset .npz file with the arrays "inputs" (S×I), and optionally "targets" (S×O)
// and "good_keypts" (S×J, boolean or 0/1). Errors are of kind errkind.Load.
func LoadNpz(filePath string) (*Examples, error) {
	arrays, err := numpy.FromNpzFile(filePath)
	if err != nil {
		return nil, errkind.Wrapf(errkind.Load, err, "failed to load dataset")
	}
	examples := &Examples{}
	for _, entry := range []struct {
		name     string
		required bool
		dst      **mat.Dense
	}{
		{InputsArrayName, true, &examples.Inputs},
		{TargetsArrayName, false, &examples.Targets},
		{ValidArrayName, false, &examples.Valid},
	} {
		array, found := arrays[entry.name]
		if !found {
			if entry.required {
				return nil, errkind.Errorf(errkind.Load, "dataset %q has no array %q", filePath, entry.name)
			}
			continue
		}
		if array.Rank() != 2 {
			return nil, errkind.Errorf(errkind.Load, "dataset %q: array %q must be 2-dimensional, got shape %v",
				filePath, entry.name, array.Shape)
		}
		m, err := array.AsDense()
		if err != nil {
			return nil, errkind.Wrapf(errkind.Load, err, "dataset %q: array %q", filePath, entry.name)
		}
		*entry.dst = m
	}
	numExamples := examples.NumExamples()
	for name, m := range map[string]*mat.Dense{TargetsArrayName: examples.Targets, ValidArrayName: examples.Valid} {
		if m == nil {
			continue
		}
		if rows, _ := m.Dims(); rows != numExamples {
			return nil, errkind.Errorf(errkind.Load, "dataset %q has %d inputs but %d rows in %q",
				filePath, numExamples, rows, name)
		}
	}
	return examples, nil
}

// SaveNpz writes the examples in the format read by LoadNpz.
func SaveNpz(examples *Examples, filePath string) error {
	arrays := map[string]*numpy.Array{InputsArrayName: numpy.FromDense(examples.Inputs)}
	if examples.Targets != nil {
		arrays[TargetsArrayName] = numpy.FromDense(examples.Targets)
	}
	if examples.Valid != nil {
		arrays[ValidArrayName] = numpy.FromDense(examples.Valid)
	}
	return errkind.Wrapf(errkind.IO, numpy.ToNpzFile(arrays, filePath), "failed to save dataset")
}

// Stats are the normalization statistics of the 3D targets: normalized = (x - Mean) / Std.
type Stats struct {
	Mean       []float64 `json:"mean"`
	Std        []float64 `json:"std"`
	InputSize  int       `json:"input_size"`
	OutputSize int       `json:"output_size"`

	// Dims is the number of coordinates per joint, 3 if not given.
	Dims int `json:"dims,omitempty"`
}

// StatsFileName is the default name of the statistics file in the data directory.
const StatsFileName = "stat_3d.json"

// LoadStats reads and validates the statistics from a JSON file. Errors are of kind errkind.Load.
func LoadStats(filePath string) (*Stats, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errkind.Wrapf(errkind.Load, err, "failed to read statistics")
	}
	stats := &Stats{}
	if err := json.Unmarshal(contents, stats); err != nil {
		return nil, errkind.Wrapf(errkind.Load, err, "failed to parse statistics in %q", filePath)
	}
	if stats.Dims == 0 {
		stats.Dims = 3
	}
	if err := stats.Validate(); err != nil {
		return nil, errkind.Wrapf(errkind.Load, err, "invalid statistics in %q", filePath)
	}
	return stats, nil
}

// Save writes the statistics as JSON.
func (s *Stats) Save(filePath string) error {
	contents, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode statistics")
	}
	return errkind.Wrapf(errkind.IO, os.WriteFile(filePath, contents, 0o644), "failed to write statistics")
}

// Validate checks the consistency of the statistics.
func (s *Stats) Validate() error {
	if s.InputSize <= 0 || s.OutputSize <= 0 {
		return errors.Errorf("input_size (%d) and output_size (%d) must be > 0", s.InputSize, s.OutputSize)
	}
	if len(s.Mean) != s.OutputSize || len(s.Std) != s.OutputSize {
		return errors.Errorf("mean (%d values) and std (%d values) must have output_size=%d values",
			len(s.Mean), len(s.Std), s.OutputSize)
	}
	if s.Dims <= 0 || s.OutputSize%s.Dims != 0 {
		return errors.Errorf("output_size=%d is not a multiple of %d dimensions", s.OutputSize, s.Dims)
	}
	return nil
}

// NumJoints returns the number of joints of the 3D poses.
func (s *Stats) NumJoints() int { return s.OutputSize / s.Dims }

// Unnormalize returns a new matrix with x·Std + Mean, applied per column.
func (s *Stats) Unnormalize(m mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, j int, v float64) float64 { return v*s.Std[j] + s.Mean[j] }, m)
	return &out
}

// Normalize returns a new matrix with (x - Mean) / Std, applied per column. Columns with zero Std
// are only centered.
func (s *Stats) Normalize(m mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, j int, v float64) float64 {
		if s.Std[j] == 0 {
			return v - s.Mean[j]
		}
		return (v - s.Mean[j]) / s.Std[j]
	}, m)
	return &out
}
