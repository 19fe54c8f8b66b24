// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines the contract between a lifting network and the training loop.
//
// The training loop treats the network as opaque: it feeds batches of normalized 2D keypoints
// (one example per row) to Forward, back-propagates the gradient of the loss with Backward, and
// updates the Parameters with an optimizer. Persisting and restoring is done with StateDict and
// LoadStateDict, which checkpoints store as named matrices.
package model

import (
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Model is a differentiable function from a batch of inputs (B×I) to a batch of outputs (B×O).
type Model interface {
	// Forward computes the outputs for the batch x. If training is true, stochastic layers (dropout)
	// are active, and the intermediate values needed by Backward are kept.
	Forward(x *mat.Dense, training bool) (*mat.Dense, error)

	// Backward takes the gradient of the loss with respect to the last Forward outputs, and
	// accumulates the gradients of the parameters in Parameter.Grad.
	Backward(gradOutputs *mat.Dense) error

	// Parameters returns the trainable parameters, always in the same order.
	Parameters() []*Parameter

	// ZeroGrad resets the accumulated gradients.
	ZeroGrad()

	// StateDict returns a copy of the values of the parameters, by name.
	StateDict() map[string]*mat.Dense

	// LoadStateDict sets the values of the parameters. All parameters must be present, with matching
	// shapes.
	LoadStateDict(state map[string]*mat.Dense) error
}

// Parameter is a trainable matrix and its accumulated gradient.
type Parameter struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// NewParameter creates a parameter with the given value and a zero gradient of the same shape.
func NewParameter(name string, value *mat.Dense) *Parameter {
	rows, cols := value.Dims()
	return &Parameter{Name: name, Value: value, Grad: mat.NewDense(rows, cols, nil)}
}

// StateDict returns a copy of the values of the parameters by name.
func StateDict(params []*Parameter) map[string]*mat.Dense {
	state := make(map[string]*mat.Dense, len(params))
	for _, p := range params {
		state[p.Name] = mat.DenseCopyOf(p.Value)
	}
	return state
}

// LoadStateDict copies the values in state to the parameters. It fails if a parameter is missing,
// has a different shape, or if state has unknown names.
func LoadStateDict(params []*Parameter, state map[string]*mat.Dense) error {
	known := make(map[string]bool, len(params))
	for _, p := range params {
		known[p.Name] = true
		value, found := state[p.Name]
		if !found {
			return errors.Errorf("parameter %q missing from state", p.Name)
		}
		wantRows, wantCols := p.Value.Dims()
		rows, cols := value.Dims()
		if rows != wantRows || cols != wantCols {
			return errors.Errorf("parameter %q has shape %dx%d, state has %dx%d", p.Name, wantRows, wantCols, rows, cols)
		}
	}
	var unknown []string
	for name := range state {
		if !known[name] {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return errors.Errorf("state has unknown parameters %q", unknown)
	}
	for _, p := range params {
		p.Value.Copy(state[p.Name])
	}
	return nil
}

// ZeroGrad resets the gradients of the parameters.
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		p.Grad.Zero()
	}
}

// NumParameters returns the total number of scalar values in the parameters.
func NumParameters(params []*Parameter) int {
	var total int
	for _, p := range params {
		rows, cols := p.Value.Dims()
		total += rows * cols
	}
	return total
}
