// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

package lifter

import (
	"context"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/marcoabrate/LiftPose3D/pkg/core/numpy"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/checkpoints"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/data"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/metriclog"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/train"
	"github.com/marcoabrate/LiftPose3D/pkg/support/errkind"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestOptionsSet(t *testing.T) {
	opts := DefaultOptions()
	require.NoError(t, opts.Set("lr_decay", "1_000"))
	require.NoError(t, opts.Set("lr", "1e-4"))
	require.NoError(t, opts.Set("procrustes", "true"))
	require.NoError(t, opts.Set("out_dir", "/tmp/some where"))
	assert.Equal(t, 1000, opts.LRDecay)
	assert.Equal(t, 1e-4, opts.LearningRate)
	assert.True(t, opts.Procrustes)
	assert.Equal(t, "/tmp/some where", opts.OutDir)
	value, found := opts.Get("lr_decay")
	assert.True(t, found)
	assert.Equal(t, "1000", value)

	for _, bad := range [][2]string{{"unknown", "1"}, {"batch_size", "1.5"}, {"procrustes", "maybe"}, {"lr", "fast"}, {"seed", "-1"}} {
		err := opts.Set(bad[0], bad[1])
		require.Error(t, err, "setting %q=%q", bad[0], bad[1])
		assert.True(t, errors.Is(err, errkind.Configuration))
	}
	assert.Equal(t, 1000, opts.LRDecay, "failed settings leave the options unchanged")
	assert.Contains(t, opts.Names(), "num_stage")
}

func TestOptionsValidate(t *testing.T) {
	require.NoError(t, DefaultOptions().Validate())
	for name, modify := range map[string]func(o *Options){
		"batch_size":  func(o *Options) { o.BatchSize = 0 },
		"exclusive":   func(o *Options) { o.Test, o.Predict = true, true },
		"optimizer":   func(o *Options) { o.Optimizer = "lbfgs" },
		"lr":          func(o *Options) { o.LearningRate = 0 },
		"lr_decay":    func(o *Options) { o.LRDecay = 0 },
		"dropout":     func(o *Options) { o.Dropout = 1 },
		"epochs":      func(o *Options) { o.Epochs = 0 },
		"linear_size": func(o *Options) { o.LinearSize = -1 },
	} {
		opts := DefaultOptions()
		modify(opts)
		err := opts.Validate()
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, errkind.Configuration), name)
	}

	// Schedule and epochs are not needed to test.
	opts := DefaultOptions()
	opts.Test, opts.Epochs, opts.LRDecay = true, 0, 0
	require.NoError(t, opts.Validate())
	assert.Equal(t, ModeTest, opts.Mode())
}

func TestOptionsSaveLoad(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.RunID = "abc"
	opts.NumStage = 4
	require.NoError(t, opts.Save(dir))
	loaded, err := LoadOptions(filepath.Join(dir, OptionsFileName))
	require.NoError(t, err)
	assert.Equal(t, opts, loaded)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "partial.json"), []byte(`{"epochs": 3}`), 0o644))
	loaded, err = LoadOptions(filepath.Join(dir, "partial.json"))
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Epochs)
	assert.Equal(t, DefaultOptions().BatchSize, loaded.BatchSize)
}

const (
	testInputSize = 4
	testNumJoints = 3
)

// writeDataDir writes statistics, and train/test datasets of a random linear problem to a new directory.
func writeDataDir(t *testing.T, withTestTargets bool) string {
	dir := t.TempDir()
	outputSize := testNumJoints * 3
	stats := &data.Stats{
		Mean:       make([]float64, outputSize),
		Std:        make([]float64, outputSize),
		InputSize:  testInputSize,
		OutputSize: outputSize,
	}
	for ii := range stats.Std {
		stats.Mean[ii] = float64(ii)
		stats.Std[ii] = 2
	}
	require.NoError(t, stats.Save(filepath.Join(dir, data.StatsFileName)))

	rng := rand.New(rand.NewPCG(7, 7))
	a := mat.NewDense(testInputSize, outputSize, nil)
	a.Apply(func(_, _ int, _ float64) float64 { return rng.NormFloat64() }, a)
	examples := func(numExamples int) *data.Examples {
		inputs := mat.NewDense(numExamples, testInputSize, nil)
		inputs.Apply(func(_, _ int, _ float64) float64 { return rng.NormFloat64() }, inputs)
		targets := mat.NewDense(numExamples, outputSize, nil)
		targets.Mul(inputs, a)
		valid := mat.NewDense(numExamples, testNumJoints, nil)
		valid.Apply(func(i, j int, _ float64) float64 {
			if (i+j)%5 == 0 {
				return 0
			}
			return 1
		}, valid)
		return &data.Examples{Inputs: inputs, Targets: targets, Valid: valid}
	}
	require.NoError(t, data.SaveNpz(examples(40), filepath.Join(dir, TrainDataFileName)))
	testExamples := examples(12)
	if !withTestTargets {
		testExamples.Targets = nil
	}
	require.NoError(t, data.SaveNpz(testExamples, filepath.Join(dir, TestDataFileName)))
	return dir
}

func testOptions(dataDir, outDir string) *Options {
	opts := DefaultOptions()
	opts.DataDir = dataDir
	opts.OutDir = outDir
	opts.LinearSize = 16
	opts.NumStage = 1
	opts.Dropout = 0.1
	opts.BatchSize = 8
	opts.Epochs = 2
	opts.Job = 2
	opts.LRDecay = 4
	opts.Noise = 0.01
	opts.Procrustes = true
	return opts
}

func readLines(t *testing.T, filePath string) []string {
	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(contents), "\n"), "\n")
}

func TestTrainResumeAndTest(t *testing.T) {
	dataDir := writeDataDir(t, true)
	outDir := filepath.Join(t.TempDir(), "out")

	var epochs []int
	recordEpochs := func(loop *train.Loop) {
		loop.OnEpoch("record", 0, func(_ *train.Loop, result *train.EpochResult) error {
			epochs = append(epochs, result.Epoch)
			return nil
		})
	}
	require.NoError(t, Run(context.Background(), testOptions(dataDir, outDir), recordEpochs))
	assert.Equal(t, []int{1, 2}, epochs)
	assert.FileExists(t, filepath.Join(outDir, OptionsFileName))
	assert.FileExists(t, filepath.Join(outDir, checkpoints.BestFileName))
	logPath := filepath.Join(outDir, metriclog.TrainFileName)
	require.Len(t, readLines(t, logPath), 3)
	latest := must.M1(checkpoints.Load(filepath.Join(outDir, checkpoints.LatestFileName)))
	assert.Equal(t, 2, latest.Epoch)
	assert.Equal(t, 10, latest.GlobalStep, "5 batches per epoch")
	assert.False(t, math.IsInf(latest.BestError, 0))
	savedOpts := must.M1(LoadOptions(filepath.Join(outDir, OptionsFileName)))
	assert.NotEmpty(t, savedOpts.RunID)

	// Resume from the latest checkpoint in the output directory for one more epoch.
	epochs = nil
	opts := testOptions(dataDir, outDir)
	opts.Resume = true
	opts.Epochs = 3
	require.NoError(t, Run(context.Background(), opts, recordEpochs))
	assert.Equal(t, []int{3}, epochs)
	lines := readLines(t, logPath)
	require.Len(t, lines, 4, "appended without a new header")
	assert.True(t, strings.HasPrefix(lines[3], "3\t"))
	latest = must.M1(checkpoints.Load(filepath.Join(outDir, checkpoints.LatestFileName)))
	assert.Equal(t, 15, latest.GlobalStep)
	assert.InDelta(t, opts.LearningRate*math.Pow(opts.LRGamma, 3), latest.LearningRate, 1e-12, "decayed at steps 4, 8 and 12")

	// Test with the best checkpoint.
	opts = testOptions(dataDir, outDir)
	opts.Test = true
	opts.Load = filepath.Join(outDir, checkpoints.BestFileName)
	r := must.M1(NewRunner(opts))
	result := must.M1(r.Test())
	best := must.M1(checkpoints.Load(opts.Load))
	assert.InDelta(t, best.BestError, result.Error, 1e-9, "the best checkpoint reproduces its error")

	arrays := must.M1(numpy.FromNpzFile(filepath.Join(outDir, ResultsFileName)))
	for _, key := range []string{ResultLossKey, ResultSampleErrKey, ResultTestErrKey, ResultJointErrKey,
		ResultOutputKey, ResultTargetKey, ResultInputKey, ResultGoodKeyptsKey} {
		require.Contains(t, arrays, key)
	}
	assert.Equal(t, []int{12, testNumJoints * 3}, arrays[ResultOutputKey].Shape)
	assert.Equal(t, []int{12, testNumJoints}, arrays[ResultSampleErrKey].Shape)
	assert.Equal(t, []int{testNumJoints}, arrays[ResultJointErrKey].Shape)
	assert.InDelta(t, result.Error, must.M1(arrays[ResultTestErrKey].AsScalar()), 1e-12)
}

func TestPredict(t *testing.T) {
	dataDir := writeDataDir(t, false)
	outDir := t.TempDir()
	opts := testOptions(dataDir, outDir)
	opts.Predict = true
	opts.Job = 0
	require.NoError(t, Run(context.Background(), opts))
	arrays := must.M1(numpy.FromNpzFile(filepath.Join(outDir, ResultsFileName)))
	assert.Equal(t, []int{12, testNumJoints * 3}, arrays[ResultOutputKey].Shape)
	assert.NotContains(t, arrays, ResultTargetKey)
	assert.True(t, math.IsNaN(must.M1(arrays[ResultTestErrKey].AsScalar())))

	// Testing requires targets.
	opts = testOptions(dataDir, outDir)
	opts.Test = true
	err := Run(context.Background(), opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.Load))
}

func TestStartupFailures(t *testing.T) {
	dataDir := writeDataDir(t, true)

	// Missing pretrained checkpoint.
	opts := testOptions(dataDir, t.TempDir())
	opts.Load = filepath.Join(t.TempDir(), "missing.npz")
	_, err := NewRunner(opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.Load))

	// Missing statistics.
	opts = testOptions(t.TempDir(), t.TempDir())
	_, err = NewRunner(opts)
	assert.True(t, errors.Is(err, errkind.Load))

	// Invalid configuration.
	opts = testOptions(dataDir, t.TempDir())
	opts.BatchSize = -3
	_, err = NewRunner(opts)
	assert.True(t, errors.Is(err, errkind.Configuration))

	// Checkpoint of a model with a different shape.
	outDir := t.TempDir()
	opts = testOptions(dataDir, outDir)
	opts.Epochs = 1
	require.NoError(t, Run(context.Background(), opts))
	opts = testOptions(dataDir, outDir)
	opts.LinearSize = 8
	opts.Load = filepath.Join(outDir, checkpoints.LatestFileName)
	_, err = NewRunner(opts)
	assert.True(t, errors.Is(err, errkind.Load))
}
