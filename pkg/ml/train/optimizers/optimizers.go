// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the optimizers used by train.Trainer, gradient clipping and the
// learning rate schedule. They all implement optimizers.Interface.
package optimizers

import (
	"math"
	"slices"
	"strings"

	"github.com/marcoabrate/LiftPose3D/pkg/ml/model"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Name of the optimizer, as in KnownOptimizers.
	Name() string

	// Step updates the parameters using their accumulated gradients and the given learning rate.
	Step(params []*model.Parameter, learningRate float64) error

	// StateDict returns a copy of the internal state, to be saved in a checkpoint.
	// It is never empty: it includes at least the number of steps taken.
	StateDict() map[string]*mat.Dense

	// LoadStateDict restores the internal state saved with StateDict.
	LoadStateDict(state map[string]*mat.Dense) error
}

// KnownOptimizers is a map of known optimizers by name to their default constructors.
var KnownOptimizers = map[string]func() Interface{
	"sgd":  func() Interface { return StochasticGradientDescent() },
	"adam": func() Interface { return Adam().Done() },
}

// ByName returns a new optimizer with default settings.
func ByName(name string) (Interface, error) {
	constructor, found := KnownOptimizers[name]
	if !found {
		names := make([]string, 0, len(KnownOptimizers))
		for known := range KnownOptimizers {
			names = append(names, known)
		}
		slices.Sort(names)
		return nil, errors.Errorf("unknown optimizer %q, known optimizers: %s", name, strings.Join(names, ", "))
	}
	return constructor(), nil
}

// StepStateName is the key of the number of steps in the optimizers state.
const StepStateName = "step"

func stepState(step int) *mat.Dense { return mat.NewDense(1, 1, []float64{float64(step)}) }

func loadStepState(state map[string]*mat.Dense) (int, error) {
	value, found := state[StepStateName]
	if !found {
		return 0, errors.Errorf("optimizer state is missing %q", StepStateName)
	}
	if rows, cols := value.Dims(); rows != 1 || cols != 1 {
		return 0, errors.Errorf("optimizer state %q must be a scalar, got %dx%d", StepStateName, rows, cols)
	}
	return int(value.At(0, 0)), nil
}

// sgd implements plain stochastic gradient descent.
type sgd struct {
	numSteps int
}

// StochasticGradientDescent creates an optimizer that updates each parameter with -learningRate·grad.
func StochasticGradientDescent() Interface { return &sgd{} }

func (o *sgd) Name() string { return "sgd" }

func (o *sgd) Step(params []*model.Parameter, learningRate float64) error {
	for _, p := range params {
		p.Value.Apply(func(i, j int, v float64) float64 { return v - learningRate*p.Grad.At(i, j) }, p.Value)
	}
	o.numSteps++
	return nil
}

func (o *sgd) StateDict() map[string]*mat.Dense {
	return map[string]*mat.Dense{StepStateName: stepState(o.numSteps)}
}

func (o *sgd) LoadStateDict(state map[string]*mat.Dense) error {
	numSteps, err := loadStepState(state)
	if err != nil {
		return err
	}
	o.numSteps = numSteps
	return nil
}

// ClipByGlobalNorm scales all gradients so that their global L2 norm is at most maxNorm, and
// returns the norm before clipping. Nothing is done if maxNorm <= 0.
func ClipByGlobalNorm(params []*model.Parameter, maxNorm float64) float64 {
	var sumSquares float64
	for _, p := range params {
		norm := mat.Norm(p.Grad, 2)
		sumSquares += norm * norm
	}
	totalNorm := math.Sqrt(sumSquares)
	if maxNorm <= 0 {
		return totalNorm
	}
	const epsilon = 1e-6
	if scale := maxNorm / (totalNorm + epsilon); scale < 1 {
		for _, p := range params {
			p.Grad.Scale(scale, p.Grad)
		}
	}
	return totalNorm
}
