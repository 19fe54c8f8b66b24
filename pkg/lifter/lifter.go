// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

// Package lifter runs the lifting network end to end: it loads the statistics and the datasets from
// the data directory, creates or restores the model, and then trains it, tests it or predicts with it,
// writing the checkpoints, the metric log and the test results to the output directory.
//
// Files read from Options.DataDir:
//
//	stat_3d.json   normalization statistics, see data.LoadStats
//	train.npz      training examples, see data.LoadNpz (train mode only)
//	test.npz       test examples (targets are optional in predict mode)
//
// Files written to Options.OutDir:
//
//	opt.json           the options of the run
//	log_train.txt      per epoch metrics (train mode)
//	ckpt_last.npz      latest checkpoint (train mode)
//	ckpt_best.npz      checkpoint with the lowest test error (train mode)
//	test_results.npz   outputs and errors (test and predict modes)
package lifter

import (
	"context"
	"math/rand/v2"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/marcoabrate/LiftPose3D/pkg/core/numpy"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/checkpoints"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/data"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/metriclog"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/model"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/models/linear"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/train"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/train/losses"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/train/optimizers"
	"github.com/marcoabrate/LiftPose3D/pkg/support/errkind"
	"github.com/marcoabrate/LiftPose3D/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// File names in the data and output directories.
const (
	TrainDataFileName = "train.npz"
	TestDataFileName  = "test.npz"
	ResultsFileName   = "test_results.npz"
)

// Keys of the arrays in the test results file.
const (
	ResultLossKey       = "loss"
	ResultSampleErrKey  = "all_err"
	ResultTestErrKey    = "test_err"
	ResultJointErrKey   = "joint_err"
	ResultOutputKey     = "output"
	ResultTargetKey     = "target"
	ResultInputKey      = "input"
	ResultGoodKeyptsKey = "good_keypts"
)

// AttachFn is called with the training loop before it starts, to attach extra hooks (progress bar,
// reports, ...).
type AttachFn func(loop *train.Loop)

// Runner holds everything a run needs. Create it with NewRunner.
type Runner struct {
	Options     *Options
	Stats       *data.Stats
	Trainer     *train.Trainer
	Checkpoints *checkpoints.Handler

	// OutDir is Options.OutDir with "~" replaced.
	OutDir string

	dataDir string
}

// NewRunner validates the options, creates the output directory and saves the options there, loads
// the statistics, creates the model, and restores the checkpoint given by Options.Load (or the
// latest one in the output directory, if Options.Resume is set).
//
// Configuration and load failures are returned as errkind.Configuration and errkind.Load errors,
// before any training starts.
func NewRunner(opts *Options) (*Runner, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	r := &Runner{Options: opts}
	var err error
	r.dataDir, err = fsutil.ReplaceTildeInDir(opts.DataDir)
	if err != nil {
		return nil, errkind.Wrapf(errkind.Configuration, err, "option data_dir")
	}
	r.Checkpoints, err = checkpoints.New(opts.OutDir)
	if err != nil {
		return nil, err
	}
	r.OutDir = r.Checkpoints.Dir()
	if err = opts.Save(r.OutDir); err != nil {
		return nil, err
	}
	klog.Infof("run %s: mode=%s, out_dir=%q", opts.RunID, opts.Mode(), r.OutDir)

	r.Stats, err = data.LoadStats(filepath.Join(r.dataDir, data.StatsFileName))
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("input dimension: %d, output dimension: %d", r.Stats.InputSize, r.Stats.OutputSize)

	net, err := linear.New(r.Stats.InputSize, r.Stats.OutputSize).
		LinearSize(opts.LinearSize).
		NumStages(opts.NumStage).
		Dropout(opts.Dropout).
		Seed(opts.Seed).
		Done()
	if err != nil {
		return nil, errkind.Wrapf(errkind.Configuration, err, "failed to create model")
	}
	klog.Infof("total params: %sM", humanize.FtoaWithDigits(float64(model.NumParameters(net.Parameters()))/1e6, 2))
	optimizer, err := optimizers.ByName(opts.Optimizer)
	if err != nil {
		return nil, errkind.Wrapf(errkind.Configuration, err, "option optimizer")
	}
	r.Trainer = train.NewTrainer(net, optimizer, losses.MeanSquaredError, r.Stats).
		WithSchedule(optimizers.StepDecay{Initial: opts.LearningRate, Gamma: opts.LRGamma, DecaySteps: opts.LRDecay}).
		WithMaxNorm(opts.MaxNorm).
		WithProcrustes(opts.Procrustes)

	checkpointPath := opts.Load
	if checkpointPath == "" && opts.Resume {
		checkpointPath = r.Checkpoints.Latest()
	}
	if checkpointPath != "" {
		klog.Infof("loading checkpoint from %q", checkpointPath)
		state, err := checkpoints.Load(checkpointPath)
		if err != nil {
			return nil, err
		}
		if err = r.Trainer.Restore(state.State, state.Model, state.Optimizer); err != nil {
			return nil, errors.WithMessagef(err, "checkpoint %q", checkpointPath)
		}
		klog.Infof("checkpoint loaded (epoch: %d | err: %g)", state.Epoch, state.BestError)
	}
	return r, nil
}

// Run creates a Runner and executes the mode selected by the options.
func Run(ctx context.Context, opts *Options, attach ...AttachFn) error {
	r, err := NewRunner(opts)
	if err != nil {
		return err
	}
	if opts.Mode() == ModeTrain {
		return r.Train(ctx, attach...)
	}
	_, err = r.Test()
	return err
}

// loadDataset reads a dataset file of the data directory. Targets are required unless withTargets is false.
func (r *Runner) loadDataset(fileName string, withTargets bool) (*data.InMemoryDataset, error) {
	filePath := filepath.Join(r.dataDir, fileName)
	examples, err := data.LoadNpz(filePath)
	if err != nil {
		return nil, err
	}
	if withTargets && examples.Targets == nil {
		return nil, errkind.Errorf(errkind.Load, "dataset %q has no %q", filePath, data.TargetsArrayName)
	}
	if _, cols := examples.Inputs.Dims(); cols != r.Stats.InputSize {
		return nil, errkind.Errorf(errkind.Load, "dataset %q has inputs of size %d, statistics input_size is %d",
			filePath, cols, r.Stats.InputSize)
	}
	if examples.Targets != nil {
		if _, cols := examples.Targets.Dims(); cols != r.Stats.OutputSize {
			return nil, errkind.Errorf(errkind.Load, "dataset %q has targets of size %d, statistics output_size is %d",
				filePath, cols, r.Stats.OutputSize)
		}
	}
	ds, err := data.InMemory(fileName, examples.Inputs, examples.Targets, examples.Valid)
	if err != nil {
		return nil, errkind.Wrapf(errkind.Load, err, "dataset %q", filePath)
	}
	ds.BatchSize(r.Options.BatchSize, false)
	klog.V(1).Infof("dataset %q: %s examples", filePath, humanize.Comma(int64(ds.NumExamples())))
	return ds, nil
}

// prefetch wraps ds with a background prefetch of Options.Job batches, if Job > 0. The returned
// function stops the prefetching.
func (r *Runner) prefetch(ds data.Dataset) (data.Dataset, func()) {
	if r.Options.Job <= 0 {
		return ds, func() {}
	}
	pd := data.Prefetch(ds, r.Options.Job)
	return pd, pd.Done
}

// Train runs the training epochs, from the epoch of the restored checkpoint (if any) to Options.Epochs.
// After every epoch the metric log and the checkpoints are updated.
func (r *Runner) Train(ctx context.Context, attach ...AttachFn) error {
	opts := r.Options
	trainDS, err := r.loadDataset(TrainDataFileName, true)
	if err != nil {
		return err
	}
	trainDS.WithRand(rand.New(rand.NewPCG(opts.Seed, 1))).Shuffle().Noise(opts.Noise)
	testDS, err := r.loadDataset(TestDataFileName, true)
	if err != nil {
		return err
	}

	logger, err := metriclog.Open(filepath.Join(r.OutDir, metriclog.TrainFileName), opts.Resume, metriclog.Columns...)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			klog.Errorf("closing metric log: %+v", closeErr)
		}
	}()

	trainPrefetched, stopTrain := r.prefetch(trainDS)
	defer stopTrain()
	testPrefetched, stopTest := r.prefetch(testDS)
	defer stopTest()

	loop := train.NewLoop(r.Trainer)
	loop.StepsPerEpoch = trainDS.NumBatches()
	metriclog.AttachToLoop(loop, logger)
	r.Checkpoints.AttachToLoop(loop)
	for _, fn := range attach {
		fn(loop)
	}
	if err := loop.RunEpochs(ctx, trainPrefetched, testPrefetched, opts.Epochs); err != nil {
		return err
	}
	state := r.Trainer.State
	klog.Infof("run %s: trained %d epochs, %s steps, best error %g", opts.RunID, state.Epoch,
		humanize.Comma(int64(state.GlobalStep)), state.BestError)
	return nil
}

// Test evaluates (or, with Options.Predict, predicts) on the test dataset and saves the results to
// ResultsFileName in the output directory.
func (r *Runner) Test() (*train.EvalResult, error) {
	predict := r.Options.Mode() == ModePredict
	testDS, err := r.loadDataset(TestDataFileName, !predict)
	if err != nil {
		return nil, err
	}
	ds, stop := r.prefetch(testDS)
	defer stop()
	var result *train.EvalResult
	if predict {
		result, err = r.Trainer.Predict(ds)
	} else {
		result, err = r.Trainer.Eval(ds)
	}
	if err != nil {
		return nil, err
	}
	if !predict {
		klog.Infof("test loss: %.6f, test error: %.4f", result.Loss, result.Error)
	}
	resultsPath := filepath.Join(r.OutDir, ResultsFileName)
	klog.Infof("saving results: %s", resultsPath)
	if err := SaveResults(result, resultsPath); err != nil {
		return nil, err
	}
	return result, nil
}

// SaveResults writes the results of an evaluation as a .npz file. Entries not available (errors and
// targets of a prediction) are omitted, except the scalars loss and test_err which are NaN.
func SaveResults(result *train.EvalResult, filePath string) error {
	arrays := map[string]*numpy.Array{
		ResultLossKey:    numpy.Scalar(result.Loss),
		ResultTestErrKey: numpy.Scalar(result.Error),
	}
	if result.SampleError != nil {
		arrays[ResultSampleErrKey] = numpy.FromDense(result.SampleError)
	}
	if result.JointError != nil {
		arrays[ResultJointErrKey] = numpy.Vector(result.JointError)
	}
	if result.Outputs != nil {
		arrays[ResultOutputKey] = numpy.FromDense(result.Outputs)
	}
	if result.Targets != nil {
		arrays[ResultTargetKey] = numpy.FromDense(result.Targets)
	}
	if result.Inputs != nil {
		arrays[ResultInputKey] = numpy.FromDense(result.Inputs)
	}
	if result.Valid != nil {
		arrays[ResultGoodKeyptsKey] = numpy.FromDense(result.Valid)
	}
	if err := numpy.ToNpzFile(arrays, filePath); err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to save results")
	}
	return nil
}
