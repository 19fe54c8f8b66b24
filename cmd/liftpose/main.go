// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

// liftpose trains, tests or predicts with the 2D to 3D pose lifting network.
//
// Options are given with -set, see "liftpose -help" for the list. Examples:
//
//	liftpose -set "data_dir=~/fly/data;out_dir=~/fly/out;epochs=100"
//	liftpose -set "data_dir=~/fly/data;out_dir=~/fly/out;resume=true;epochs=200"
//	liftpose -set "file:settings.txt;test=true;load=~/fly/out/ckpt_best.npz"
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marcoabrate/LiftPose3D/pkg/lifter"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/train"
	"github.com/marcoabrate/LiftPose3D/ui/commandline"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"
)

var (
	flagProgress = flag.Bool("progress", true,
		"Display a progress bar during training. If false, or if the output is not a terminal, "+
			"one line is printed per epoch instead.")
	flagReport = flag.Bool("report", true, "Print a table with the results in test and predict modes.")
)

func main() {
	klog.InitFlags(nil)
	opts := lifter.DefaultOptions()
	settings := commandline.CreateSettingsFlag(opts, "")
	flag.Parse()

	namesSet, err := commandline.ParseSettings(opts, *settings)
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	if len(namesSet) > 0 {
		fmt.Printf("Options set:\n%s\n", commandline.SprintModifiedSettings(opts, namesSet))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, opts); err != nil {
		klog.Fatalf("%+v", err)
	}
}

func run(ctx context.Context, opts *lifter.Options) error {
	r, err := lifter.NewRunner(opts)
	if err != nil {
		return err
	}
	if opts.Mode() == lifter.ModeTrain {
		return r.Train(ctx, attachUI)
	}
	result, err := r.Test()
	if err != nil {
		return err
	}
	if *flagReport {
		return commandline.ReportEval(os.Stdout, opts.Mode().String(), result)
	}
	return nil
}

func attachUI(loop *train.Loop) {
	if *flagProgress && termenv.NewOutput(os.Stdout).Profile != termenv.Ascii {
		commandline.AttachProgressBar(loop)
		return
	}
	commandline.AttachEpochReport(loop, os.Stdout)
}
