// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements the checkpoint store: saving and loading the full training state
// (counters, learning rate, best error, model parameters and optimizer state) to two slots in a
// directory, the latest checkpoint and the best one.
//
// Checkpoints are NumPy .npz files, so they can be inspected with Python:
//
//	epoch, step, lr, err      0-d arrays
//	state_dict/<param>        model parameters
//	optimizer/<slot>          optimizer state
//
// Typical usage, attached to a training loop:
//
//	handler, err := checkpoints.New(outDir)
//	if err != nil { … }
//	if resume {
//		state, err := checkpoints.Load(handler.Latest())
//		if err != nil { … }
//		err = trainer.Restore(state.State, state.Model, state.Optimizer)
//	}
//	loop := train.NewLoop(trainer)
//	handler.AttachToLoop(loop)
//
// Writes are last-write-wins: a crash while writing can leave a partially written file.
package checkpoints

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/marcoabrate/LiftPose3D/pkg/core/numpy"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/train"
	"github.com/marcoabrate/LiftPose3D/pkg/support/errkind"
	"github.com/marcoabrate/LiftPose3D/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

const (
	// LatestFileName is the slot written after every epoch.
	LatestFileName = "ckpt_last.npz"

	// BestFileName is the slot overwritten when the evaluation error improves.
	BestFileName = "ckpt_best.npz"
)

// Keys of the scalar values in a checkpoint.
const (
	EpochKey        = "epoch"
	GlobalStepKey   = "step"
	LearningRateKey = "lr"
	BestErrorKey    = "err"
)

// Prefixes of the keys of the model parameters and the optimizer state.
const (
	ModelPrefix     = "state_dict/"
	OptimizerPrefix = "optimizer/"
)

// TrainingState is everything needed to resume a training run.
type TrainingState struct {
	train.State

	// Model parameters by name.
	Model map[string]*mat.Dense

	// Optimizer state by name.
	Optimizer map[string]*mat.Dense
}

// Capture the current training state of the trainer. Matrices are copies.
func Capture(trainer *train.Trainer) *TrainingState {
	return &TrainingState{
		State:     trainer.State,
		Model:     trainer.Model().StateDict(),
		Optimizer: trainer.Optimizer().StateDict(),
	}
}

// Handler saves checkpoints to a directory.
type Handler struct {
	dir string
}

// New creates a Handler for the directory, creating it if needed. A leading "~" is replaced by the
// user's home directory.
func New(dir string) (*Handler, error) {
	resolved, err := fsutil.EnsureDir(dir)
	if err != nil {
		return nil, errkind.Wrapf(errkind.IO, err, "checkpoints directory")
	}
	return &Handler{dir: resolved}, nil
}

// Dir returns the directory of the checkpoints.
func (h *Handler) Dir() string { return h.dir }

// Latest returns the path of the latest checkpoint slot. It may not exist yet.
func (h *Handler) Latest() string { return filepath.Join(h.dir, LatestFileName) }

// Best returns the path of the best checkpoint slot. It may not exist yet.
func (h *Handler) Best() string { return filepath.Join(h.dir, BestFileName) }

// Save writes the state to the latest slot and, if isBest, also to the best slot.
func (h *Handler) Save(state *TrainingState, isBest bool) error {
	arrays := toArrays(state)
	if err := numpy.ToNpzFile(arrays, h.Latest()); err != nil {
		return errkind.Wrapf(errkind.IO, err, "saving latest checkpoint")
	}
	if isBest {
		if err := numpy.ToNpzFile(arrays, h.Best()); err != nil {
			return errkind.Wrapf(errkind.IO, err, "saving best checkpoint")
		}
	}
	klog.V(1).Infof("checkpoint saved: epoch=%d, step=%d, best=%v", state.Epoch, state.GlobalStep, isBest)
	return nil
}

// AttachToLoop saves a checkpoint after every epoch, into the best slot too when the epoch improved
// the evaluation error.
func (h *Handler) AttachToLoop(loop *train.Loop) {
	loop.OnEpoch("checkpoints", 100, func(loop *train.Loop, result *train.EpochResult) error {
		return h.Save(Capture(loop.Trainer), result.IsBest)
	})
}

func toArrays(state *TrainingState) map[string]*numpy.Array {
	arrays := make(map[string]*numpy.Array, 4+len(state.Model)+len(state.Optimizer))
	arrays[EpochKey] = numpy.Scalar(float64(state.Epoch))
	arrays[GlobalStepKey] = numpy.Scalar(float64(state.GlobalStep))
	arrays[LearningRateKey] = numpy.Scalar(state.LearningRate)
	arrays[BestErrorKey] = numpy.Scalar(state.BestError)
	for name, value := range state.Model {
		arrays[ModelPrefix+name] = numpy.FromDense(value)
	}
	for name, value := range state.Optimizer {
		arrays[OptimizerPrefix+name] = numpy.FromDense(value)
	}
	return arrays
}

// Load reads a checkpoint. It fails with an errkind.Load error if the file is missing or malformed,
// which includes any of epoch, err, step, lr, the model parameters or the optimizer state missing.
func Load(filePath string) (*TrainingState, error) {
	resolved, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, errkind.Wrapf(errkind.Load, err, "checkpoint %q", filePath)
	}
	if _, err := os.Stat(resolved); err != nil {
		return nil, errkind.Wrapf(errkind.Load, err, "checkpoint %q not found", filePath)
	}
	arrays, err := numpy.FromNpzFile(resolved)
	if err != nil {
		return nil, errkind.Wrapf(errkind.Load, err, "checkpoint %q", filePath)
	}
	state, err := fromArrays(arrays)
	if err != nil {
		return nil, errkind.Wrapf(errkind.Load, err, "checkpoint %q", filePath)
	}
	return state, nil
}

func fromArrays(arrays map[string]*numpy.Array) (*TrainingState, error) {
	scalars := make(map[string]float64, 4)
	for _, key := range []string{EpochKey, GlobalStepKey, LearningRateKey, BestErrorKey} {
		array, found := arrays[key]
		if !found {
			return nil, errors.Errorf("missing %q", key)
		}
		value, err := array.AsScalar()
		if err != nil {
			return nil, errors.WithMessagef(err, "key %q", key)
		}
		scalars[key] = value
	}
	state := &TrainingState{
		State: train.State{
			Epoch:        int(scalars[EpochKey]),
			GlobalStep:   int(scalars[GlobalStepKey]),
			LearningRate: scalars[LearningRateKey],
			BestError:    scalars[BestErrorKey],
		},
		Model:     make(map[string]*mat.Dense),
		Optimizer: make(map[string]*mat.Dense),
	}
	for key, array := range arrays {
		var target map[string]*mat.Dense
		var name string
		switch {
		case strings.HasPrefix(key, ModelPrefix):
			target, name = state.Model, strings.TrimPrefix(key, ModelPrefix)
		case strings.HasPrefix(key, OptimizerPrefix):
			target, name = state.Optimizer, strings.TrimPrefix(key, OptimizerPrefix)
		default:
			continue
		}
		value, err := array.AsDense()
		if err != nil {
			return nil, errors.WithMessagef(err, "key %q", key)
		}
		target[name] = value
	}
	if len(state.Model) == 0 {
		return nil, errors.Errorf("missing model parameters (%q)", ModelPrefix+"*")
	}
	if len(state.Optimizer) == 0 {
		return nil, errors.Errorf("missing optimizer state (%q)", OptimizerPrefix+"*")
	}
	return state, nil
}

// Summary describes a checkpoint file, for inspection.
type Summary struct {
	Path     string
	FileSize int64
	train.State

	// Model parameter sizes by name, sorted by name.
	Model []Entry

	// Optimizer state sizes by name, sorted by name.
	Optimizer []Entry
}

// Entry is the name and shape of one matrix in a checkpoint.
type Entry struct {
	Name       string
	Rows, Cols int
}

// Size is the number of values.
func (e Entry) Size() int { return e.Rows * e.Cols }

// NumParameters returns the total number of model parameter values.
func (s *Summary) NumParameters() int {
	var total int
	for _, e := range s.Model {
		total += e.Size()
	}
	return total
}

// Summarize loads the checkpoint and describes it.
func Summarize(filePath string) (*Summary, error) {
	state, err := Load(filePath)
	if err != nil {
		return nil, err
	}
	summary := &Summary{Path: filePath, State: state.State}
	if info, err := os.Stat(filePath); err == nil {
		summary.FileSize = info.Size()
	}
	summary.Model = entries(state.Model)
	summary.Optimizer = entries(state.Optimizer)
	return summary, nil
}

func entries(values map[string]*mat.Dense) []Entry {
	list := make([]Entry, 0, len(values))
	for name, value := range values {
		rows, cols := value.Dims()
		list = append(list, Entry{Name: name, Rows: rows, Cols: cols})
	}
	slices.SortFunc(list, func(a, b Entry) int { return strings.Compare(a.Name, b.Name) })
	return list
}

// Summary describes the existing slots of the handler: latest first, then best. Missing slots are
// skipped.
func (h *Handler) Summary() ([]*Summary, error) {
	var summaries []*Summary
	for _, filePath := range []string{h.Latest(), h.Best()} {
		exists, err := fsutil.FileExists(filePath)
		if err != nil {
			return nil, errkind.Wrapf(errkind.Load, err, "checkpoint %q", filePath)
		}
		if !exists {
			continue
		}
		summary, err := Summarize(filePath)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}
