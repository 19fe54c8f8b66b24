// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"
	"strings"

	"github.com/marcoabrate/LiftPose3D/pkg/ml/model"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments, see [Kingma et al., 2014](http://arxiv.org/abs/1412.6980).
//
// It returns a configuration object that can be used to set its parameters. Once configured, call AdamConfig.Done.
func Adam() *AdamConfig {
	return &AdamConfig{beta1: 0.9, beta2: 0.999, epsilon: 1e-8}
}

// AdamConfig holds the configuration for an Adam optimizer, create using Adam(), and once configured
// call Done to create the optimizer.
type AdamConfig struct {
	beta1, beta2, epsilon float64
}

// Betas sets the exponential decay rates of the first and second moments. Defaults to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon added to the denominator for numerical stability. Defaults to 1e-8.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Done returns the configured optimizer.
func (c *AdamConfig) Done() Interface {
	return &adam{config: *c, firstMoments: make(map[string]*mat.Dense), secondMoments: make(map[string]*mat.Dense)}
}

const (
	firstMomentPrefix  = "exp_avg/"
	secondMomentPrefix = "exp_avg_sq/"
)

type adam struct {
	config        AdamConfig
	numSteps      int
	firstMoments  map[string]*mat.Dense
	secondMoments map[string]*mat.Dense
}

func (o *adam) Name() string { return "adam" }

func (o *adam) Step(params []*model.Parameter, learningRate float64) error {
	o.numSteps++
	beta1, beta2 := o.config.beta1, o.config.beta2
	biasCorrection1 := 1 - math.Pow(beta1, float64(o.numSteps))
	biasCorrection2 := 1 - math.Pow(beta2, float64(o.numSteps))
	stepSize := learningRate / biasCorrection1
	for _, p := range params {
		rows, cols := p.Value.Dims()
		m, v := o.firstMoments[p.Name], o.secondMoments[p.Name]
		if m == nil {
			m, v = mat.NewDense(rows, cols, nil), mat.NewDense(rows, cols, nil)
			o.firstMoments[p.Name], o.secondMoments[p.Name] = m, v
		} else if mRows, mCols := m.Dims(); mRows != rows || mCols != cols {
			return errors.Errorf("adam: parameter %q is %dx%d, but its moments are %dx%d", p.Name, rows, cols, mRows, mCols)
		}
		for row := range rows {
			grad, mRow, vRow, value := p.Grad.RawRowView(row), m.RawRowView(row), v.RawRowView(row), p.Value.RawRowView(row)
			for col, g := range grad {
				mRow[col] = beta1*mRow[col] + (1-beta1)*g
				vRow[col] = beta2*vRow[col] + (1-beta2)*g*g
				denominator := math.Sqrt(vRow[col])/math.Sqrt(biasCorrection2) + o.config.epsilon
				value[col] -= stepSize * mRow[col] / denominator
			}
		}
	}
	return nil
}

func (o *adam) StateDict() map[string]*mat.Dense {
	state := map[string]*mat.Dense{StepStateName: stepState(o.numSteps)}
	for name, m := range o.firstMoments {
		state[firstMomentPrefix+name] = mat.DenseCopyOf(m)
	}
	for name, v := range o.secondMoments {
		state[secondMomentPrefix+name] = mat.DenseCopyOf(v)
	}
	return state
}

func (o *adam) LoadStateDict(state map[string]*mat.Dense) error {
	numSteps, err := loadStepState(state)
	if err != nil {
		return errors.WithMessage(err, "adam")
	}
	firstMoments := make(map[string]*mat.Dense)
	secondMoments := make(map[string]*mat.Dense)
	for key, value := range state {
		switch {
		case key == StepStateName:
		case strings.HasPrefix(key, firstMomentPrefix):
			firstMoments[strings.TrimPrefix(key, firstMomentPrefix)] = mat.DenseCopyOf(value)
		case strings.HasPrefix(key, secondMomentPrefix):
			secondMoments[strings.TrimPrefix(key, secondMomentPrefix)] = mat.DenseCopyOf(value)
		default:
			return errors.Errorf("adam: unknown optimizer state %q", key)
		}
	}
	for name := range firstMoments {
		if _, found := secondMoments[name]; !found {
			return errors.Errorf("adam: parameter %q has a first moment but no second moment", name)
		}
	}
	if len(firstMoments) != len(secondMoments) {
		return errors.Errorf("adam: %d first moments and %d second moments", len(firstMoments), len(secondMoments))
	}
	o.numSteps, o.firstMoments, o.secondMoments = numSteps, firstMoments, secondMoments
	return nil
}
