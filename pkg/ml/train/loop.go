// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"io"
	"iter"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/marcoabrate/LiftPose3D/pkg/ml/data"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/train/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// EpochResult summarizes one epoch of training followed by an evaluation.
type EpochResult struct {
	// Epoch is 1-based: the number of epochs completed after this one.
	Epoch int

	// LearningRate at the end of the epoch.
	LearningRate float64

	// TrainLoss is the batch size weighted mean of the train losses of the epoch.
	TrainLoss float64

	// TestLoss and TestError of the evaluation after the epoch.
	TestLoss, TestError float64

	// IsBest is true if TestError is strictly lower than any previous one.
	IsBest bool

	// Eval holds the full evaluation results.
	Eval *EvalResult
}

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop) error

// OnStepFn is the type of OnStep hooks, called with the loss of the batch just trained.
type OnStepFn func(loop *Loop, loss float64) error

// OnEpochFn is the type of OnEpoch hooks, called after each epoch's evaluation.
type OnEpochFn func(loop *Loop, result *EpochResult) error

// OnEndFn is the type of OnEnd hooks.
type OnEndFn func(loop *Loop) error

// Loop will run a training loop, invoking Trainer.TrainStep for every batch and Trainer.Eval after
// every epoch, and calling the appropriate hooks.
//
// By itself it doesn't do much, but one can attach functionality to it, like
// checkpointing, metric logs or progress bars.
//
// The public attributes are meant for reading only, don't change them -- behavior
// can be undefined.
type Loop struct {
	// Trainer associated with this loop.
	Trainer *Trainer

	// StartEpoch is the value of Trainer.State.Epoch at the start of RunEpochs.
	StartEpoch int

	// EndEpoch is the target number of epochs of RunEpochs.
	EndEpoch int

	// StartStep is the value of Trainer.State.GlobalStep at the start of RunEpochs.
	StartStep int

	// Epoch currently being executed, 0-based.
	Epoch int

	// StepsPerEpoch is the number of train steps of an epoch, or -1 if not known. It can be set before
	// RunEpochs if the dataset size is known, and it is updated at the end of every epoch.
	StepsPerEpoch int

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEpoch *priorityHooks[*hookWithName[OnEpochFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop for the trainer.
func NewLoop(trainer *Trainer) *Loop {
	return &Loop{
		Trainer:       trainer,
		StepsPerEpoch: -1,
		SharedData:    make(map[string]any),
		onStart:       newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:        newPriorityHooks[*hookWithName[OnStepFn]](),
		onEpoch:       newPriorityHooks[*hookWithName[OnEpochFn]](),
		onEnd:         newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

// RunEpochs trains from the current Trainer.State.Epoch up to epochs, evaluating on evalDS after each
// epoch. trainDS is reset after each epoch.
//
// The context is checked between epochs only: if it is cancelled, the epoch being run completes
// (including its hooks) and RunEpochs returns the context error without calling the OnEnd hooks.
//
// NaN or infinite losses are logged but don't stop the training.
func (loop *Loop) RunEpochs(ctx context.Context, trainDS, evalDS data.Dataset, epochs int) error {
	state := &loop.Trainer.State
	loop.StartEpoch = state.Epoch
	loop.StartStep = state.GlobalStep
	loop.EndEpoch = max(epochs, state.Epoch)
	loop.TrainStepDurations = nil
	for hook := range loop.onStart.All() {
		if err := hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}

	for loop.Epoch = loop.StartEpoch; loop.Epoch < epochs; loop.Epoch++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "Loop.RunEpochs interrupted before epoch %d", loop.Epoch+1)
		}
		klog.V(1).Infof("epoch %d/%d, lr=%g", loop.Epoch+1, epochs, state.LearningRate)
		trainLoss, err := loop.trainEpoch(trainDS)
		if err != nil {
			return errors.WithMessagef(err, "Loop.RunEpochs(epoch %d of %d)", loop.Epoch+1, epochs)
		}
		eval, err := loop.Trainer.Eval(evalDS)
		if err != nil {
			return errors.WithMessagef(err, "Loop.RunEpochs(epoch %d of %d)", loop.Epoch+1, epochs)
		}

		result := &EpochResult{
			Epoch:        loop.Epoch + 1,
			LearningRate: state.LearningRate,
			TrainLoss:    trainLoss,
			TestLoss:     eval.Loss,
			TestError:    eval.Error,
			Eval:         eval,
		}
		state.BestError, result.IsBest = UpdateBest(state.BestError, eval.Error)
		state.Epoch = loop.Epoch + 1
		for hook := range loop.onEpoch.All() {
			if err := hook.fn(loop, result); err != nil {
				return errors.WithMessagef(err, "OnEpoch(hook %q, epoch %d)", hook.name, result.Epoch)
			}
		}
	}

	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// trainEpoch runs one pass over the dataset and returns the batch size weighted mean loss.
func (loop *Loop) trainEpoch(ds data.Dataset) (float64, error) {
	defer ds.Reset()
	var meanLoss metrics.Mean
	numSteps := 0
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.WithMessagef(err, "failed reading from dataset %q", ds.Name())
		}
		startTime := time.Now()
		loss, err := loop.Trainer.TrainStep(batch)
		if err != nil {
			return 0, err
		}
		loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
		meanLoss.Update(loss, batch.Size())
		numSteps++
		for hook := range loop.onStep.All() {
			if err := hook.fn(loop, loss); err != nil {
				return 0, errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
			}
		}
	}
	if numSteps == 0 {
		return 0, errors.Errorf("dataset %q yielded no batches", ds.Name())
	}
	loop.StepsPerEpoch = numSteps
	trainLoss := meanLoss.Value()
	if math.IsNaN(trainLoss) || math.IsInf(trainLoss, 0) {
		klog.Warningf("epoch %d: train loss is %f", loop.Epoch+1, trainLoss)
	}
	return trainLoss, nil
}

// EndStep returns the expected global step at the end of the run, or -1 if StepsPerEpoch is not known.
// It is meant to be called from within hooks.
func (loop *Loop) EndStep() int {
	if loop.StepsPerEpoch < 0 {
		return -1
	}
	return loop.StartStep + loop.StepsPerEpoch*(loop.EndEpoch-loop.StartEpoch)
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{name: name, fn: fn})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each `Trainer.TrainStep`.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{name: name, fn: fn})
}

// OnEpoch adds a hook with given priority and name (for error reporting), called after the evaluation
// at the end of each epoch, once the best error has been updated.
func (loop *Loop) OnEpoch(name string, priority Priority, fn OnEpochFn) {
	loop.onEpoch.Add(priority, &hookWithName[OnEpochFn]{name: name, fn: fn})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last epoch.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{name: name, fn: fn})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{hooks: make(map[Priority][]H)}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
