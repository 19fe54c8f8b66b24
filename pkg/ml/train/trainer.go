// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

// Package train runs the training and evaluation of a lifting model: a Trainer that executes train
// steps and evaluations, and a Loop that runs epochs and calls the attached hooks (metric log,
// checkpoints, progress bar, reports).
package train

import (
	"io"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/data"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/model"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/train/losses"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/train/metrics"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/train/optimizers"
	"github.com/marcoabrate/LiftPose3D/pkg/support/errkind"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// State of a training run, persisted in checkpoints.
type State struct {
	// Epoch is the number of epochs completed.
	Epoch int

	// GlobalStep is the number of train steps (batches) executed.
	GlobalStep int

	// LearningRate currently in use.
	LearningRate float64

	// BestError is the lowest evaluation error seen so far, +Inf if none.
	BestError float64
}

// NewState returns the state of a run that has not started.
func NewState(learningRate float64) State {
	return State{LearningRate: learningRate, BestError: math.Inf(1)}
}

// UpdateBest returns the new best error and whether err is an improvement over best.
// Only strictly lower errors improve, so NaN never becomes the best.
func UpdateBest(best, err float64) (newBest float64, isBest bool) {
	if err < best {
		return err, true
	}
	return best, false
}

// Trainer owns the model and the optimizer, and executes train steps and evaluations.
type Trainer struct {
	model     model.Model
	optimizer optimizers.Interface
	lossFn    losses.LossFn
	stats     *data.Stats

	schedule   optimizers.StepDecay
	maxNorm    float64
	procrustes bool

	// State of the training. It is updated by TrainStep and Loop.
	State State
}

// NewTrainer creates a trainer. stats are used to convert the model outputs back to physical
// units for the evaluation error.
//
// By default the learning rate is constant (see WithSchedule), gradients are not clipped and
// evaluation doesn't align poses.
func NewTrainer(m model.Model, optimizer optimizers.Interface, lossFn losses.LossFn, stats *data.Stats) *Trainer {
	return &Trainer{
		model:     m,
		optimizer: optimizer,
		lossFn:    lossFn,
		stats:     stats,
		State:     NewState(0),
	}
}

// WithSchedule sets the learning rate schedule. It also resets State.LearningRate to its initial value.
func (t *Trainer) WithSchedule(schedule optimizers.StepDecay) *Trainer {
	t.schedule = schedule
	t.State.LearningRate = schedule.Initial
	return t
}

// WithMaxNorm clips the global norm of the gradients at each step to maxNorm. 0 disables clipping.
func (t *Trainer) WithMaxNorm(maxNorm float64) *Trainer {
	t.maxNorm = maxNorm
	return t
}

// WithProcrustes configures evaluation to align each predicted pose to its target before measuring
// the error.
func (t *Trainer) WithProcrustes(procrustes bool) *Trainer {
	t.procrustes = procrustes
	return t
}

// Model returns the model being trained.
func (t *Trainer) Model() model.Model { return t.model }

// Optimizer returns the optimizer.
func (t *Trainer) Optimizer() optimizers.Interface { return t.optimizer }

// Restore sets the state, the model parameters and the optimizer state, typically from a checkpoint.
func (t *Trainer) Restore(state State, modelState, optimizerState map[string]*mat.Dense) error {
	if err := t.model.LoadStateDict(modelState); err != nil {
		return errkind.Wrapf(errkind.Load, err, "failed to restore model")
	}
	if err := t.optimizer.LoadStateDict(optimizerState); err != nil {
		return errkind.Wrapf(errkind.Load, err, "failed to restore optimizer %q", t.optimizer.Name())
	}
	t.State = state
	return nil
}

// TrainStep increments the global step, updates the learning rate, and trains the model on one batch.
// It returns the loss of the batch before the update.
func (t *Trainer) TrainStep(batch *data.Batch) (loss float64, err error) {
	if batch.Targets == nil {
		return 0, errors.Errorf("train batch has no targets")
	}
	t.State.GlobalStep++
	t.State.LearningRate = t.schedule.Update(t.State.GlobalStep, t.State.LearningRate)

	panicErr := exceptions.TryCatch[error](func() {
		t.model.ZeroGrad()
		var predictions, grad *mat.Dense
		predictions, err = t.model.Forward(batch.Inputs, true)
		if err != nil {
			return
		}
		loss, grad, err = t.lossFn(batch.Targets, predictions)
		if err != nil {
			return
		}
		if err = t.model.Backward(grad); err != nil {
			return
		}
		params := t.model.Parameters()
		if t.maxNorm > 0 {
			optimizers.ClipByGlobalNorm(params, t.maxNorm)
		}
		err = t.optimizer.Step(params, t.State.LearningRate)
	})
	if panicErr != nil {
		err = panicErr
	}
	if err != nil {
		return 0, errors.WithMessagef(err, "train step %d", t.State.GlobalStep)
	}
	return loss, nil
}

// EvalResult holds the outputs of an evaluation, one row per example.
type EvalResult struct {
	// Loss is the batch size weighted mean of the loss, in normalized units.
	Loss float64

	// Error is the mean Euclidean distance between predicted and target joints, in physical units.
	Error float64

	// JointError is the mean error of each joint.
	JointError []float64

	// SampleError is S×J, NaN for excluded joints.
	SampleError *mat.Dense

	// Outputs and Targets are S×O, in physical units. Targets is nil when predicting.
	Outputs, Targets *mat.Dense

	// Inputs are S×I, as given to the model.
	Inputs *mat.Dense

	// Valid is S×J, the validity mask used (all ones if the dataset has none).
	Valid *mat.Dense

	// NumDegenerate is the number of examples that could not be aligned and used unaligned.
	NumDegenerate int
}

// NumExamples evaluated.
func (r *EvalResult) NumExamples() int {
	if r.Inputs == nil {
		return 0
	}
	rows, _ := r.Inputs.Dims()
	return rows
}

// Eval evaluates the model on the whole dataset, without updating it, and resets the dataset at the end.
// The dataset must have targets.
func (t *Trainer) Eval(ds data.Dataset) (*EvalResult, error) {
	return t.evaluate(ds, true)
}

// Predict runs the model on the whole dataset, which doesn't need targets. Loss and errors are NaN.
func (t *Trainer) Predict(ds data.Dataset) (*EvalResult, error) {
	return t.evaluate(ds, false)
}

// rowStack collects rows of matrices with the same number of columns.
type rowStack struct {
	cols int
	data []float64
}

func (s *rowStack) add(m *mat.Dense) {
	rows, cols := m.Dims()
	s.cols = cols
	for row := range rows {
		s.data = append(s.data, m.RawRowView(row)...)
	}
}

func (s *rowStack) dense() *mat.Dense {
	if len(s.data) == 0 || s.cols == 0 {
		return nil
	}
	return mat.NewDense(len(s.data)/s.cols, s.cols, s.data)
}

func (t *Trainer) evaluate(ds data.Dataset, withTargets bool) (result *EvalResult, err error) {
	defer ds.Reset()
	numJoints := t.stats.NumJoints()
	jointError := metrics.NewJointError(numJoints, t.stats.Dims, t.procrustes)
	var meanLoss metrics.Mean
	var inputs, outputs, targets, valid rowStack

	for {
		var batch *data.Batch
		batch, err = ds.Yield()
		if err == io.EOF {
			err = nil
			break
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluating on %q", ds.Name())
		}
		batchValid := batch.Valid
		if batchValid == nil {
			batchValid = mat.NewDense(batch.Size(), numJoints, nil)
			batchValid.Apply(func(_, _ int, _ float64) float64 { return 1 }, batchValid)
		}

		panicErr := exceptions.TryCatch[error](func() {
			var predictions *mat.Dense
			predictions, err = t.model.Forward(batch.Inputs, false)
			if err != nil {
				return
			}
			physicalOutputs := t.stats.Unnormalize(predictions)
			inputs.add(batch.Inputs)
			outputs.add(physicalOutputs)
			valid.add(batchValid)
			if !withTargets {
				return
			}
			if batch.Targets == nil {
				err = errkind.Errorf(errkind.Load, "dataset %q has no targets", ds.Name())
				return
			}
			var loss float64
			loss, _, err = t.lossFn(batch.Targets, predictions)
			if err != nil {
				return
			}
			meanLoss.Update(loss, batch.Size())
			physicalTargets := t.stats.Unnormalize(batch.Targets)
			targets.add(physicalTargets)
			err = jointError.Add(physicalOutputs, physicalTargets, batchValid)
		})
		if panicErr != nil {
			err = panicErr
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluating on %q", ds.Name())
		}
	}

	result = &EvalResult{
		Loss:          math.NaN(),
		Error:         math.NaN(),
		Inputs:        inputs.dense(),
		Outputs:       outputs.dense(),
		Valid:         valid.dense(),
		NumDegenerate: jointError.NumDegenerate(),
	}
	if withTargets {
		result.Loss = meanLoss.Value()
		result.Error = jointError.Mean()
		result.JointError = jointError.JointMeans()
		result.SampleError = jointError.SampleErrors()
		result.Targets = targets.dense()
	}
	if result.NumDegenerate > 0 {
		klog.Warningf("%d of %d examples of %q could not be aligned, their error is measured unaligned",
			result.NumDegenerate, result.NumExamples(), ds.Name())
	}
	return result, nil
}
