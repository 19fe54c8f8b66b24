// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

package lifter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/marcoabrate/LiftPose3D/pkg/ml/train/optimizers"
	"github.com/marcoabrate/LiftPose3D/pkg/support/errkind"
	"github.com/pkg/errors"
)

// OptionsFileName is the name of the file where the options of a run are saved, in the output directory.
const OptionsFileName = "opt.json"

// Options of a run. The JSON names are the names used to set them from the command line
// (see Options.Set) and in opt.json.
type Options struct {
	// RunID identifies the run in logs and in opt.json. A random one is generated if empty.
	RunID string `json:"run_id"`

	// DataDir holds stat_3d.json, train.npz and test.npz.
	DataDir string `json:"data_dir"`

	// OutDir receives opt.json, the checkpoints, the metric log and the test results.
	OutDir string `json:"out_dir"`

	// Load is the path of a checkpoint to start from. Empty for a fresh start.
	Load string `json:"load"`

	// Resume appends to the existing metric log instead of truncating it. If Load is empty the
	// latest checkpoint in OutDir is loaded.
	Resume bool `json:"resume"`

	// Test evaluates on the test set and saves the results, without training.
	Test bool `json:"test"`

	// Predict runs the model on the test set, which doesn't need targets, and saves the results.
	Predict bool `json:"predict"`

	// Procrustes aligns each predicted pose to its target before measuring the error.
	Procrustes bool `json:"procrustes"`

	LearningRate float64 `json:"lr"`

	// LRDecay is the number of global steps between decays of the learning rate by LRGamma.
	LRDecay int     `json:"lr_decay"`
	LRGamma float64 `json:"lr_gamma"`

	// MaxNorm clips the global norm of the gradients. 0 disables clipping.
	MaxNorm float64 `json:"max_norm"`

	BatchSize int `json:"batch_size"`
	Epochs    int `json:"epochs"`

	// Job is the number of batches prefetched in the background. 0 disables prefetching.
	Job int `json:"job"`

	// Noise is the standard deviation of the gaussian noise added to the training inputs.
	Noise float64 `json:"noise"`

	Dropout    float64 `json:"dropout"`
	LinearSize int     `json:"linear_size"`
	NumStage   int     `json:"num_stage"`

	// Optimizer is one of optimizers.KnownOptimizers.
	Optimizer string `json:"optimizer"`

	// Seed of the weights initialization, dropout, noise and shuffling.
	Seed uint64 `json:"seed"`
}

// DefaultOptions returns the options used if not otherwise set.
func DefaultOptions() *Options {
	return &Options{
		DataDir:      "data",
		OutDir:       "out",
		LearningRate: 1e-3,
		LRDecay:      100_000,
		LRGamma:      0.96,
		MaxNorm:      1,
		BatchSize:    64,
		Epochs:       200,
		Job:          8,
		Dropout:      0.5,
		LinearSize:   1024,
		NumStage:     2,
		Optimizer:    "adam",
		Seed:         42,
	}
}

// Mode of a run.
type Mode int

const (
	ModeTrain Mode = iota
	ModeTest
	ModePredict
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeTest:
		return "test"
	case ModePredict:
		return "predict"
	default:
		return "Mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// Mode returns the mode selected by the options.
func (o *Options) Mode() Mode {
	switch {
	case o.Predict:
		return ModePredict
	case o.Test:
		return ModeTest
	default:
		return ModeTrain
	}
}

// Validate returns an errkind.Configuration error describing the first invalid option.
func (o *Options) Validate() error {
	switch {
	case o.DataDir == "":
		return errkind.Errorf(errkind.Configuration, "option data_dir must be set")
	case o.OutDir == "":
		return errkind.Errorf(errkind.Configuration, "option out_dir must be set")
	case o.Test && o.Predict:
		return errkind.Errorf(errkind.Configuration, "options test and predict are exclusive")
	case o.BatchSize <= 0:
		return errkind.Errorf(errkind.Configuration, "option batch_size must be > 0, got %d", o.BatchSize)
	case o.Job < 0:
		return errkind.Errorf(errkind.Configuration, "option job must be >= 0, got %d", o.Job)
	case o.MaxNorm < 0:
		return errkind.Errorf(errkind.Configuration, "option max_norm must be >= 0, got %g", o.MaxNorm)
	case o.Noise < 0:
		return errkind.Errorf(errkind.Configuration, "option noise must be >= 0, got %g", o.Noise)
	case o.Dropout < 0 || o.Dropout >= 1:
		return errkind.Errorf(errkind.Configuration, "option dropout must be in [0, 1), got %g", o.Dropout)
	case o.LinearSize <= 0:
		return errkind.Errorf(errkind.Configuration, "option linear_size must be > 0, got %d", o.LinearSize)
	case o.NumStage < 0:
		return errkind.Errorf(errkind.Configuration, "option num_stage must be >= 0, got %d", o.NumStage)
	}
	if _, found := optimizers.KnownOptimizers[o.Optimizer]; !found {
		return errkind.Errorf(errkind.Configuration, "unknown optimizer %q, known optimizers: %v",
			o.Optimizer, knownOptimizers())
	}
	if o.Mode() == ModeTrain {
		if o.Epochs <= 0 {
			return errkind.Errorf(errkind.Configuration, "option epochs must be > 0, got %d", o.Epochs)
		}
		schedule := optimizers.StepDecay{Initial: o.LearningRate, Gamma: o.LRGamma, DecaySteps: o.LRDecay}
		if err := schedule.Validate(); err != nil {
			return errkind.Wrapf(errkind.Configuration, err, "invalid learning rate options")
		}
	}
	return nil
}

func knownOptimizers() []string {
	names := make([]string, 0, len(optimizers.KnownOptimizers))
	for name := range optimizers.KnownOptimizers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// asFields returns the options as a map of JSON values.
func (o *Options) asFields() map[string]json.RawMessage {
	contents, err := json.Marshal(o)
	if err != nil {
		panic(errors.Wrap(err, "failed to marshal Options"))
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(contents, &fields); err != nil {
		panic(errors.Wrap(err, "failed to unmarshal Options"))
	}
	return fields
}

// Names returns the names of all options, sorted.
func (o *Options) Names() []string {
	fields := o.asFields()
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Get returns the current value of the option name, formatted as JSON.
func (o *Options) Get(name string) (string, bool) {
	value, found := o.asFields()[name]
	return string(value), found
}

// Set the option name from its string representation. Numbers may use "_" as a thousands separator
// (e.g.: "100_000"), booleans are "true" or "false", and strings are taken as is.
func (o *Options) Set(name, valueStr string) error {
	fields := o.asFields()
	current, found := fields[name]
	if !found {
		return errkind.Errorf(errkind.Configuration, "unknown option %q, known options: %v", name, o.Names())
	}
	var value json.RawMessage
	switch {
	case len(current) > 0 && current[0] == '"':
		encoded, err := json.Marshal(valueStr)
		if err != nil {
			return errkind.Wrapf(errkind.Configuration, err, "option %q", name)
		}
		value = encoded
	case string(current) == "true" || string(current) == "false":
		asBool, err := strconv.ParseBool(valueStr)
		if err != nil {
			return errkind.Wrapf(errkind.Configuration, err, "option %q requires a boolean", name)
		}
		value = json.RawMessage(strconv.FormatBool(asBool))
	default:
		value = json.RawMessage(strings.ReplaceAll(strings.TrimSpace(valueStr), "_", ""))
	}
	fields[name] = value
	contents, err := json.Marshal(fields)
	if err != nil {
		return errkind.Wrapf(errkind.Configuration, err, "failed to parse value %q for option %q", valueStr, name)
	}
	updated := *o
	if err := json.Unmarshal(contents, &updated); err != nil {
		return errkind.Wrapf(errkind.Configuration, err, "failed to parse value %q for option %q (current value is %s)",
			valueStr, name, current)
	}
	*o = updated
	return nil
}

// Save the options as JSON to OptionsFileName in dir.
func (o *Options) Save(dir string) error {
	contents, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal options")
	}
	filePath := filepath.Join(dir, OptionsFileName)
	if err := os.WriteFile(filePath, append(contents, '\n'), 0o644); err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to save options")
	}
	return nil
}

// LoadOptions reads options saved with Options.Save. Options missing in the file keep their default values.
func LoadOptions(filePath string) (*Options, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errkind.Wrapf(errkind.Load, err, "failed to read options")
	}
	opts := DefaultOptions()
	if err := json.Unmarshal(contents, opts); err != nil {
		return nil, errkind.Wrapf(errkind.Load, err, "failed to parse options in %q", filePath)
	}
	return opts, nil
}
