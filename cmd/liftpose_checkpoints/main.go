// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

// liftpose_checkpoints reports on the checkpoints and the metric log of an output directory.
//
//	liftpose_checkpoints -summary -params -metrics ~/fly/out
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/marcoabrate/LiftPose3D/pkg/lifter"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/checkpoints"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/metriclog"
	"github.com/marcoabrate/LiftPose3D/pkg/support/fsutil"
	"k8s.io/klog/v2"
)

var (
	flagSummary = flag.Bool("summary", true, "Display a summary of the checkpoints: epoch, global step, "+
		"learning rate, best error and model size.")
	flagOptions = flag.Bool("options", false, fmt.Sprintf("Lists the options of the run saved in %q.",
		lifter.OptionsFileName))
	flagParams  = flag.Bool("params", false, "Lists the model parameters and the optimizer state of the checkpoints.")
	flagMetrics = flag.Bool("metrics", false, fmt.Sprintf("Lists the metrics logged in %q.", metriclog.TrainFileName))
	flagLast    = flag.Int("last", 0, "If > 0, list only the last N epochs of the metrics.")
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Exactly one output directory to read from is required. See 'liftpose_checkpoints -help'")
		os.Exit(1)
	}
	dir := must.M1(fsutil.ReplaceTildeInDir(args[0]))
	if !must.M1(fsutil.FileExists(dir)) {
		klog.Fatalf("Output directory %q not found", dir)
	}
	if *flagSummary || *flagParams {
		handler := must.M1(checkpoints.New(dir))
		summaries := must.M1(handler.Summary())
		if len(summaries) == 0 {
			klog.Warningf("No checkpoints found in %q", dir)
		}
		if *flagSummary {
			reportSummary(summaries)
		}
		if *flagParams {
			for _, summary := range summaries {
				reportParams(summary)
			}
		}
	}
	if *flagOptions {
		reportOptions(filepath.Join(dir, lifter.OptionsFileName))
	}
	if *flagMetrics {
		reportMetrics(filepath.Join(dir, metriclog.TrainFileName))
	}
}

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				// Even row style.
				s = evenRowStyle
			default:
				// Odd row style
				s = oddRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func reportSummary(summaries []*checkpoints.Summary) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false)
	addRow := func(name string, valueFn func(s *checkpoints.Summary) string) {
		row := []string{name}
		for _, summary := range summaries {
			row = append(row, valueFn(summary))
		}
		table.Row(row...)
	}
	addRow("checkpoint", func(s *checkpoints.Summary) string { return filepath.Base(s.Path) })
	addRow("epoch", func(s *checkpoints.Summary) string { return strconv.Itoa(s.Epoch) })
	addRow("global_step", func(s *checkpoints.Summary) string { return humanize.Comma(int64(s.GlobalStep)) })
	addRow("learning rate", func(s *checkpoints.Summary) string { return fmt.Sprintf("%.4g", s.LearningRate) })
	addRow("best error", func(s *checkpoints.Summary) string { return fmt.Sprintf("%.4f", s.BestError) })
	addRow("# parameters", func(s *checkpoints.Summary) string { return humanize.Comma(int64(s.NumParameters())) })
	addRow("file size", func(s *checkpoints.Summary) string { return humanize.Bytes(uint64(s.FileSize)) })
	fmt.Println(table.Render())
}

func reportParams(summary *checkpoints.Summary) {
	fmt.Println(titleStyle.Render("Parameters of " + filepath.Base(summary.Path)))
	table := newPlainTable(true)
	table.Headers("Scope", "Name", "Shape", "Size")
	for _, group := range []struct {
		scope   string
		entries []checkpoints.Entry
	}{
		{checkpoints.ModelPrefix, summary.Model},
		{checkpoints.OptimizerPrefix, summary.Optimizer},
	} {
		for _, entry := range group.entries {
			table.Row(group.scope, entry.Name, fmt.Sprintf("(%d, %d)", entry.Rows, entry.Cols),
				humanize.Comma(int64(entry.Size())))
		}
	}
	fmt.Println(table.Render())
}

func reportOptions(optionsPath string) {
	opts := must.M1(lifter.LoadOptions(optionsPath))
	fmt.Println(titleStyle.Render("Options"))
	table := newPlainTable(true)
	table.Headers("Name", "Value")
	for _, name := range opts.Names() {
		value, _ := opts.Get(name)
		table.Row(name, value)
	}
	fmt.Println(table.Render())
}

func reportMetrics(logPath string) {
	df := must.M1(metriclog.ReadFrame(logPath))
	fmt.Println(titleStyle.Render("Metrics"))
	if df.Nrow() == 0 {
		klog.Warningf("No metrics found in %q", logPath)
		return
	}
	bestRow, bestErr, err := metriclog.BestRow(df, "err_test")
	if err != nil {
		klog.Warningf("No best epoch: %v", err)
		bestRow = -1
	}

	table := newPlainTable(true)
	names := df.Names()
	table.Headers(append(names, "")...)
	firstRow := 0
	if *flagLast > 0 {
		firstRow = max(df.Nrow()-*flagLast, 0)
	}
	for row := firstRow; row < df.Nrow(); row++ {
		values := make([]string, 0, len(names)+1)
		for _, name := range names {
			values = append(values, df.Col(name).Elem(row).String())
		}
		mark := ""
		if row == bestRow {
			mark = "best"
		}
		table.Row(append(values, mark)...)
	}
	fmt.Println(table.Render())
	if bestRow >= 0 {
		fmt.Printf("Best test error %.4f at row %d of %d\n", bestErr, bestRow+1, df.Nrow())
	}
}
