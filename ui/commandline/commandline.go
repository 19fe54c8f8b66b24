// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/train"
	"github.com/pkg/errors"
)

// ReportEval writes to w a table with the results of an evaluation (or prediction) named name.
func ReportEval(w io.Writer, name string, result *train.EvalResult) error {
	table := newStatsTable()
	table.Row("Examples", humanize.Comma(int64(result.NumExamples())))
	table.Row("Loss", formatFloat(result.Loss, 6))
	table.Row("Error", formatFloat(result.Error, 4))
	for jointIdx, jointError := range result.JointError {
		table.Row("Joint #"+strconv.Itoa(jointIdx), formatFloat(jointError, 4))
	}
	if result.NumDegenerate > 0 {
		table.Row("Unaligned (degenerate)", humanize.Comma(int64(result.NumDegenerate)))
	}
	if _, err := fmt.Fprintf(w, "Results on %s:\n%s\n", name, table.String()); err != nil {
		return errors.Wrapf(err, "failed to report results on %s", name)
	}
	return nil
}

// EpochReportName is the name of the hook registered by AttachEpochReport.
const EpochReportName = "liftpose.ui.commandline.epochReport"

// AttachEpochReport writes one line to w at the end of each epoch, with its metrics. Epochs that
// improve the best test error are marked with a "*".
//
// It is an alternative to AttachProgressBar when the output is not a terminal.
func AttachEpochReport(loop *train.Loop, w io.Writer) {
	loop.OnEpoch(EpochReportName, 0, func(loop *train.Loop, result *train.EpochResult) error {
		mark := ""
		if result.IsBest {
			mark = " *"
		}
		_, err := fmt.Fprintf(w, "epoch %d/%d: step=%s lr=%.3g loss_train=%s loss_test=%s err_test=%s%s\n",
			result.Epoch, loop.EndEpoch, humanize.Comma(int64(loop.Trainer.State.GlobalStep)), result.LearningRate,
			formatFloat(result.TrainLoss, 6), formatFloat(result.TestLoss, 6), formatFloat(result.TestError, 4), mark)
		return errors.Wrap(err, "failed to write epoch report")
	})
}
