// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/data"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/model"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/models/linear"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/train/losses"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestUpdateBest(t *testing.T) {
	best := math.Inf(1)
	var bests []float64
	var flags []bool
	for _, err := range []float64{5, 3, 4, 2} {
		var isBest bool
		best, isBest = UpdateBest(best, err)
		bests = append(bests, best)
		flags = append(flags, isBest)
	}
	assert.Equal(t, []float64{5, 3, 3, 2}, bests)
	assert.Equal(t, []bool{true, true, false, true}, flags)

	best, isBest := UpdateBest(2, math.NaN())
	assert.Equal(t, 2.0, best)
	assert.False(t, isBest)
}

// constantModel outputs the same value for every joint coordinate: its error against zero targets
// is offset·√3 per joint.
type constantModel struct {
	offset float64
	param  *model.Parameter
}

func newConstantModel() *constantModel {
	return &constantModel{param: model.NewParameter("c", mat.NewDense(1, 1, nil))}
}

func (m *constantModel) Forward(x *mat.Dense, _ bool) (*mat.Dense, error) {
	rows, _ := x.Dims()
	out := mat.NewDense(rows, 3, nil)
	out.Apply(func(_, _ int, _ float64) float64 { return m.offset }, out)
	return out, nil
}
func (m *constantModel) Backward(_ *mat.Dense) error          { return nil }
func (m *constantModel) Parameters() []*model.Parameter       { return []*model.Parameter{m.param} }
func (m *constantModel) ZeroGrad()                            { m.param.Grad.Zero() }
func (m *constantModel) StateDict() map[string]*mat.Dense     { return model.StateDict(m.Parameters()) }
func (m *constantModel) LoadStateDict(s map[string]*mat.Dense) error {
	return model.LoadStateDict(m.Parameters(), s)
}

var unitStats = &data.Stats{Mean: []float64{0, 0, 0}, Std: []float64{1, 1, 1}, InputSize: 2, OutputSize: 3, Dims: 3}

func zeroDataset(t *testing.T, numExamples, batchSize int) *data.InMemoryDataset {
	ds, err := data.InMemory("zeros", mat.NewDense(numExamples, 2, nil), mat.NewDense(numExamples, 3, nil), nil)
	require.NoError(t, err)
	return ds.BatchSize(batchSize, false)
}

func TestLoopBestTracking(t *testing.T) {
	m := newConstantModel()
	trainer := NewTrainer(m, optimizers.StochasticGradientDescent(), losses.MeanSquaredError, unitStats).
		WithSchedule(optimizers.StepDecay{Initial: 0.1, Gamma: 0.5, DecaySteps: 4})
	loop := NewLoop(trainer)

	errorsPerEpoch := []float64{5, 3, 4, 2}
	loop.OnStart("offset", 0, func(loop *Loop) error {
		m.offset = errorsPerEpoch[loop.Epoch] / math.Sqrt(3)
		return nil
	})
	loop.OnStep("offset", 0, func(loop *Loop, loss float64) error {
		m.offset = errorsPerEpoch[loop.Epoch] / math.Sqrt(3)
		return nil
	})

	var results []*EpochResult
	var bests []float64
	var hookOrder []string
	loop.OnEpoch("second", 10, func(loop *Loop, result *EpochResult) error {
		hookOrder = append(hookOrder, "second")
		return nil
	})
	loop.OnEpoch("record", -1, func(loop *Loop, result *EpochResult) error {
		hookOrder = append(hookOrder, "record")
		results = append(results, result)
		bests = append(bests, loop.Trainer.State.BestError)
		return nil
	})
	ended := false
	loop.OnEnd("end", 0, func(loop *Loop) error {
		ended = true
		return nil
	})

	require.NoError(t, loop.RunEpochs(context.Background(), zeroDataset(t, 10, 5), zeroDataset(t, 3, 2), 4))
	require.Len(t, results, 4)
	var flags []bool
	for ii, result := range results {
		assert.Equal(t, ii+1, result.Epoch)
		assert.InDelta(t, errorsPerEpoch[ii], result.TestError, 1e-9)
		flags = append(flags, result.IsBest)
	}
	assert.Equal(t, []bool{true, true, false, true}, flags)
	assert.InDeltaSlice(t, []float64{5, 3, 3, 2}, bests, 1e-9)
	assert.Equal(t, []string{"record", "second"}, hookOrder[:2])
	assert.True(t, ended)

	state := trainer.State
	assert.Equal(t, 4, state.Epoch)
	assert.Equal(t, 8, state.GlobalStep, "2 batches per epoch")
	assert.InDelta(t, 0.1*0.25, state.LearningRate, 1e-12, "decayed at steps 4 and 8")
	assert.Equal(t, 2, loop.StepsPerEpoch)
	assert.Equal(t, 8, loop.EndStep())
}

func TestLoopResumeAndCancel(t *testing.T) {
	m := newConstantModel()
	trainer := NewTrainer(m, optimizers.StochasticGradientDescent(), losses.MeanSquaredError, unitStats)
	trainer.State = State{Epoch: 2, GlobalStep: 10, LearningRate: 0.01, BestError: 1}
	loop := NewLoop(trainer)
	var epochs []int
	loop.OnEpoch("record", 0, func(loop *Loop, result *EpochResult) error {
		epochs = append(epochs, result.Epoch)
		return nil
	})
	require.NoError(t, loop.RunEpochs(context.Background(), zeroDataset(t, 4, 4), zeroDataset(t, 4, 4), 4))
	assert.Equal(t, []int{3, 4}, epochs, "resumes from the saved epoch")
	assert.Equal(t, 12, trainer.State.GlobalStep)
	assert.Equal(t, 0.0, trainer.State.BestError, "constant model with offset 0 has zero error")

	// Cancelled context: no further epochs are started.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := loop.RunEpochs(ctx, zeroDataset(t, 4, 4), zeroDataset(t, 4, 4), 6)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 4, trainer.State.Epoch)

	// Nothing to do.
	require.NoError(t, loop.RunEpochs(context.Background(), zeroDataset(t, 4, 4), zeroDataset(t, 4, 4), 4))
}

func TestNaNLossPropagates(t *testing.T) {
	m := newConstantModel()
	m.offset = math.NaN()
	trainer := NewTrainer(m, optimizers.StochasticGradientDescent(), losses.MeanSquaredError, unitStats)
	loop := NewLoop(trainer)
	var results []*EpochResult
	loop.OnEpoch("record", 0, func(loop *Loop, result *EpochResult) error {
		results = append(results, result)
		return nil
	})
	require.NoError(t, loop.RunEpochs(context.Background(), zeroDataset(t, 4, 2), zeroDataset(t, 4, 2), 2))
	require.Len(t, results, 2)
	assert.True(t, math.IsNaN(results[1].TrainLoss))
	assert.True(t, math.IsNaN(results[1].TestError))
	assert.False(t, results[0].IsBest)
	assert.True(t, math.IsInf(trainer.State.BestError, 1), "best error is never NaN")
}

// linearProblem returns normalized inputs (S×2) and targets (S×9, 3 joints) with targets = inputs·A.
func linearProblem(numExamples int, seed uint64) (inputs, targets *mat.Dense) {
	rng := rand.New(rand.NewPCG(seed, 0))
	inputs = mat.NewDense(numExamples, 2, nil)
	inputs.Apply(func(_, _ int, _ float64) float64 { return rng.NormFloat64() }, inputs)
	a := mat.NewDense(2, 9, []float64{
		1, 0, 0.5, -1, 0, 0.2, 0.3, 0.3, 0,
		0, 1, 0.5, 0, -1, 0.3, -0.5, 0, 1,
	})
	targets = mat.NewDense(numExamples, 9, nil)
	targets.Mul(inputs, a)
	return
}

func TestTrainerLearns(t *testing.T) {
	stats := &data.Stats{Mean: make([]float64, 9), Std: []float64{2, 2, 2, 2, 2, 2, 2, 2, 2}, InputSize: 2, OutputSize: 9, Dims: 3}
	inputs, targets := linearProblem(64, 1)
	trainDS := must.M1(data.InMemory("train", inputs, targets, nil)).
		BatchSize(16, false).WithRand(rand.New(rand.NewPCG(1, 1))).Shuffle()
	evalInputs, evalTargets := linearProblem(16, 2)
	valid := mat.NewDense(16, 3, nil)
	valid.Apply(func(i, j int, _ float64) float64 {
		if i == 0 && j == 1 {
			return 0
		}
		return 1
	}, valid)
	evalDS := must.M1(data.InMemory("eval", evalInputs, evalTargets, valid)).BatchSize(5, false)

	m := must.M1(linear.New(2, 9).LinearSize(32).NumStages(1).Dropout(0).Seed(3).Done())
	trainer := NewTrainer(m, optimizers.Adam().Done(), losses.MeanSquaredError, stats).
		WithSchedule(optimizers.StepDecay{Initial: 1e-2, Gamma: 0.96, DecaySteps: 100}).
		WithMaxNorm(1).
		WithProcrustes(true)

	before := must.M1(trainer.Eval(evalDS))
	loop := NewLoop(trainer)
	require.NoError(t, loop.RunEpochs(context.Background(), trainDS, evalDS, 30))
	after := must.M1(trainer.Eval(evalDS))
	assert.Less(t, after.Loss, before.Loss/4)
	assert.Less(t, after.Error, before.Error)

	// Shapes of the evaluation results.
	assert.Equal(t, 16, after.NumExamples())
	assert.Len(t, after.JointError, 3)
	assert.Zero(t, after.NumDegenerate)
	rows, cols := after.SampleError.Dims()
	assert.Equal(t, []int{16, 3}, []int{rows, cols})
	assert.True(t, math.IsNaN(after.SampleError.At(0, 1)), "excluded joint")
	assert.True(t, mat.EqualApprox(stats.Unnormalize(evalTargets), after.Targets, 1e-12), "targets in physical units")
	assert.True(t, mat.Equal(evalInputs, after.Inputs), "inputs as given")

	// Predict doesn't need targets.
	predictDS := must.M1(data.InMemory("predict", evalInputs, nil, nil)).BatchSize(7, false)
	predicted := must.M1(trainer.Predict(predictDS))
	assert.True(t, math.IsNaN(predicted.Loss))
	assert.True(t, math.IsNaN(predicted.Error))
	assert.Nil(t, predicted.Targets)
	assert.True(t, mat.EqualApprox(after.Outputs, predicted.Outputs, 1e-12))
	assert.Equal(t, 1.0, predicted.Valid.At(0, 1), "all joints valid without a mask")

	// Eval requires targets.
	_, err := trainer.Eval(predictDS)
	require.Error(t, err)
}

func TestTrainStepErrors(t *testing.T) {
	m := must.M1(linear.New(2, 3).LinearSize(4).Done())
	trainer := NewTrainer(m, optimizers.StochasticGradientDescent(), losses.MeanSquaredError, unitStats)
	_, err := trainer.TrainStep(&data.Batch{Inputs: mat.NewDense(2, 2, nil)})
	require.Error(t, err, "no targets")

	// Targets with the wrong shape are reported as errors, not panics.
	_, err = trainer.TrainStep(&data.Batch{Inputs: mat.NewDense(2, 2, nil), Targets: mat.NewDense(2, 5, nil)})
	require.Error(t, err)
}
