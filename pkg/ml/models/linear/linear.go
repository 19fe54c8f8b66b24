// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

// Package linear implements the reference lifting network: a fully connected network with residual
// blocks, mapping normalized 2D keypoints to normalized 3D keypoints.
//
// Layout, for an input of size I and an output of size O:
//
//	w1: I -> LinearSize, ReLU, Dropout
//	NumStages x residual block: x + (Linear, ReLU, Dropout, Linear, ReLU, Dropout)(x)
//	w2: LinearSize -> O
//
// It is implemented with gonum matrices, examples as rows.
package linear

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/marcoabrate/LiftPose3D/pkg/ml/model"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Config for the network. Create with New, configure and call Done.
type Config struct {
	inputSize, outputSize int
	linearSize, numStages int
	dropout               float64
	seed                  uint64
}

// New creates a configuration for a network with the given input and output sizes, and the
// default LinearSize (1024), NumStages (2) and Dropout (0.5).
func New(inputSize, outputSize int) *Config {
	return &Config{
		inputSize:  inputSize,
		outputSize: outputSize,
		linearSize: 1024,
		numStages:  2,
		dropout:    0.5,
		seed:       42,
	}
}

// LinearSize sets the width of the hidden layers.
func (c *Config) LinearSize(size int) *Config {
	c.linearSize = size
	return c
}

// NumStages sets the number of residual blocks.
func (c *Config) NumStages(n int) *Config {
	c.numStages = n
	return c
}

// Dropout sets the probability of dropping a hidden unit during training. 0 disables dropout.
func (c *Config) Dropout(p float64) *Config {
	c.dropout = p
	return c
}

// Seed for the initialization of the weights and the dropout masks.
func (c *Config) Seed(seed uint64) *Config {
	c.seed = seed
	return c
}

// Done validates the configuration and creates the network with freshly initialized weights.
func (c *Config) Done() (*Model, error) {
	if c.inputSize <= 0 || c.outputSize <= 0 {
		return nil, errors.Errorf("invalid network input/output sizes %d/%d", c.inputSize, c.outputSize)
	}
	if c.linearSize <= 0 {
		return nil, errors.Errorf("invalid linear size %d", c.linearSize)
	}
	if c.numStages < 0 {
		return nil, errors.Errorf("invalid number of stages %d", c.numStages)
	}
	if c.dropout < 0 || c.dropout >= 1 {
		return nil, errors.Errorf("dropout must be in [0, 1), got %g", c.dropout)
	}
	rng := rand.New(rand.NewPCG(c.seed, 0))
	m := &Model{config: *c, rng: rng}
	m.input = newDense("w1", c.inputSize, c.linearSize, rng)
	m.inputActivation = &reluDropout{p: c.dropout, rng: rng}
	for stage := range c.numStages {
		prefix := fmt.Sprintf("linear_stages.%d", stage)
		m.stages = append(m.stages, &residualBlock{
			l1: newDense(prefix+".w1", c.linearSize, c.linearSize, rng),
			a1: &reluDropout{p: c.dropout, rng: rng},
			l2: newDense(prefix+".w2", c.linearSize, c.linearSize, rng),
			a2: &reluDropout{p: c.dropout, rng: rng},
		})
	}
	m.output = newDense("w2", c.linearSize, c.outputSize, rng)

	m.params = append(m.params, m.input.weight, m.input.bias)
	for _, stage := range m.stages {
		m.params = append(m.params, stage.l1.weight, stage.l1.bias, stage.l2.weight, stage.l2.bias)
	}
	m.params = append(m.params, m.output.weight, m.output.bias)
	return m, nil
}

// Model is the residual fully connected network. It implements model.Model.
//
// It is not safe for concurrent use.
type Model struct {
	config Config
	rng    *rand.Rand

	input           *dense
	inputActivation *reluDropout
	stages          []*residualBlock
	output          *dense

	params []*model.Parameter

	// hasForward is set by a training Forward, and required by Backward.
	hasForward bool
}

var _ model.Model = (*Model)(nil)

// String implements fmt.Stringer.
func (m *Model) String() string {
	return fmt.Sprintf("linear.Model(input=%d, output=%d, linear_size=%d, num_stages=%d, dropout=%g)",
		m.config.inputSize, m.config.outputSize, m.config.linearSize, m.config.numStages, m.config.dropout)
}

// Forward implements model.Model.
func (m *Model) Forward(x *mat.Dense, training bool) (*mat.Dense, error) {
	_, cols := x.Dims()
	if cols != m.config.inputSize {
		return nil, errors.Errorf("%s: input has %d features", m, cols)
	}
	y := m.input.forward(x)
	y = m.inputActivation.forward(y, training)
	for _, stage := range m.stages {
		y = stage.forward(y, training)
	}
	y = m.output.forward(y)
	m.hasForward = training
	return y, nil
}

// Backward implements model.Model.
func (m *Model) Backward(gradOutputs *mat.Dense) error {
	if !m.hasForward {
		return errors.Errorf("%s: Backward called without a training Forward", m)
	}
	m.hasForward = false
	grad := m.output.backward(gradOutputs)
	for ii := len(m.stages) - 1; ii >= 0; ii-- {
		grad = m.stages[ii].backward(grad)
	}
	grad = m.inputActivation.backward(grad)
	_ = m.input.backward(grad)
	return nil
}

// Parameters implements model.Model.
func (m *Model) Parameters() []*model.Parameter { return m.params }

// ZeroGrad implements model.Model.
func (m *Model) ZeroGrad() { model.ZeroGrad(m.params) }

// StateDict implements model.Model.
func (m *Model) StateDict() map[string]*mat.Dense { return model.StateDict(m.params) }

// LoadStateDict implements model.Model.
func (m *Model) LoadStateDict(state map[string]*mat.Dense) error {
	return errors.WithMessagef(model.LoadStateDict(m.params, state), "%s", m)
}

// dense is an affine layer y = x·W + b.
type dense struct {
	weight, bias *model.Parameter
	lastInput    *mat.Dense
}

// newDense creates the layer with Kaiming normal initialized weights and zero bias.
func newDense(name string, in, out int, rng *rand.Rand) *dense {
	normal := distuv.Normal{Mu: 0, Sigma: math.Sqrt(2 / float64(in)), Src: rng}
	values := make([]float64, in*out)
	for ii := range values {
		values[ii] = normal.Rand()
	}
	return &dense{
		weight: model.NewParameter(name+".weight", mat.NewDense(in, out, values)),
		bias:   model.NewParameter(name+".bias", mat.NewDense(1, out, nil)),
	}
}

func (l *dense) forward(x *mat.Dense) *mat.Dense {
	l.lastInput = x
	var y mat.Dense
	y.Mul(x, l.weight.Value)
	bias := l.bias.Value.RawRowView(0)
	y.Apply(func(_, j int, v float64) float64 { return v + bias[j] }, &y)
	return &y
}

// backward accumulates the parameter gradients and returns the gradient with respect to the input.
func (l *dense) backward(gradY *mat.Dense) *mat.Dense {
	var gradW mat.Dense
	gradW.Mul(l.lastInput.T(), gradY)
	l.weight.Grad.Add(l.weight.Grad, &gradW)

	biasGrad := l.bias.Grad.RawRowView(0)
	rows, _ := gradY.Dims()
	for row := range rows {
		floats.Add(biasGrad, gradY.RawRowView(row))
	}

	var gradX mat.Dense
	gradX.Mul(gradY, l.weight.Value.T())
	l.lastInput = nil
	return &gradX
}

// reluDropout applies ReLU followed by (inverted) dropout if training.
type reluDropout struct {
	p   float64
	rng *rand.Rand

	// factor is the derivative of the output with respect to the input, per element.
	factor *mat.Dense
}

func (a *reluDropout) forward(x *mat.Dense, training bool) *mat.Dense {
	rows, cols := x.Dims()
	a.factor = mat.NewDense(rows, cols, nil)
	keep := distuv.Bernoulli{P: 1 - a.p, Src: a.rng}
	scale := 1 / (1 - a.p)
	a.factor.Apply(func(i, j int, _ float64) float64 {
		if x.At(i, j) <= 0 {
			return 0
		}
		if !training || a.p == 0 {
			return 1
		}
		return keep.Rand() * scale
	}, a.factor)
	var y mat.Dense
	y.MulElem(x, a.factor)
	return &y
}

func (a *reluDropout) backward(gradY *mat.Dense) *mat.Dense {
	var gradX mat.Dense
	gradX.MulElem(gradY, a.factor)
	a.factor = nil
	return &gradX
}

// residualBlock computes x + a2(l2(a1(l1(x)))).
type residualBlock struct {
	l1, l2 *dense
	a1, a2 *reluDropout
}

func (b *residualBlock) forward(x *mat.Dense, training bool) *mat.Dense {
	y := b.l1.forward(x)
	y = b.a1.forward(y, training)
	y = b.l2.forward(y)
	y = b.a2.forward(y, training)
	y.Add(x, y)
	return y
}

func (b *residualBlock) backward(gradOut *mat.Dense) *mat.Dense {
	grad := b.a2.backward(gradOut)
	grad = b.l2.backward(grad)
	grad = b.a1.backward(grad)
	grad = b.l1.backward(grad)
	grad.Add(grad, gradOut)
	return grad
}
