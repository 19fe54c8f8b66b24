// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/pkg/errors"
)

// StepDecay is a staircase learning rate schedule: every DecaySteps global steps the learning rate is
// set to Initial·Gamma^(step/DecaySteps), with integer division. In between it is left unchanged.
type StepDecay struct {
	Initial    float64
	Gamma      float64
	DecaySteps int
}

// Validate returns an error if the schedule is not well-defined.
func (s StepDecay) Validate() error {
	if s.Initial <= 0 || math.IsNaN(s.Initial) || math.IsInf(s.Initial, 0) {
		return errors.Errorf("initial learning rate must be > 0, got %g", s.Initial)
	}
	if s.DecaySteps <= 0 {
		return errors.Errorf("learning rate decay steps must be > 0, got %d", s.DecaySteps)
	}
	if s.Gamma <= 0 || s.Gamma > 1 {
		return errors.Errorf("learning rate gamma must be in (0, 1], got %g", s.Gamma)
	}
	return nil
}

// Update returns the learning rate to use at globalStep, given the current one.
func (s StepDecay) Update(globalStep int, current float64) float64 {
	if s.DecaySteps <= 0 || globalStep%s.DecaySteps != 0 {
		return current
	}
	return s.Initial * math.Pow(s.Gamma, float64(globalStep/s.DecaySteps))
}
