// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the time between terminal updates.
var RefreshPeriod = time.Second * 3

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "liftpose.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// numUpdates is the maximum number of step driven updates during a loop.
const numUpdates = 1000

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// progressBar holds a progressbar being displayed.
type progressBar struct {
	lastStepReported int
	stride           int
	bar              *progressbar.ProgressBar

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	numLinesPrinted  int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	// lastEpoch is the result of the last epoch completed, nil before the first one.
	lastEpoch *train.EpochResult

	// epochEnded forces an update with the new epoch results, even if no step was run since the last one.
	epochEnded bool

	extraMetricFns []ExtraMetricFn
}

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

func (pBar *progressBar) onStart(loop *train.Loop) error {
	pBar.lastStepReported = loop.StartStep
	numSteps := -1 // Spinner if number of steps is not known.
	pBar.stride = math.MaxInt
	if endStep := loop.EndStep(); endStep >= 0 {
		numSteps = endStep - loop.StartStep
		pBar.stride = max(numSteps/numUpdates, 1)
	}
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(os.Stdout),
	)
	pBar.isFirstOutput = true
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()
	return nil
}

// onStepStride updates the progress bar every stride steps.
func (pBar *progressBar) onStepStride(loop *train.Loop, loss float64) error {
	if loop.Trainer.State.GlobalStep-pBar.lastStepReported < pBar.stride {
		return nil
	}
	return pBar.onStep(loop, loss)
}

func (pBar *progressBar) onStep(loop *train.Loop, loss float64) error {
	if pBar.bar.IsFinished() && !pBar.epochEnded {
		return nil
	}
	state := loop.Trainer.State
	amount := state.GlobalStep - pBar.lastStepReported
	if amount <= 0 && !pBar.epochEnded {
		return nil
	}
	pBar.epochEnded = false

	var steps string
	if endStep := loop.EndStep(); endStep >= 0 {
		steps = fmt.Sprintf("%s of %s", humanize.Comma(int64(state.GlobalStep)), humanize.Comma(int64(endStep)))
	} else {
		steps = humanize.Comma(int64(state.GlobalStep))
	}
	update := progressBarUpdate{
		amount: amount,
		rows: [][2]string{
			{"Global Step", steps},
			{"Epoch", fmt.Sprintf("%d of %d", min(state.Epoch+1, loop.EndEpoch), loop.EndEpoch)},
			{"Median train step duration", FormatDuration(loop.MedianTrainStepDuration())},
			{"Learning rate", fmt.Sprintf("%.3g", state.LearningRate)},
			{"Batch loss", formatFloat(loss, 4)},
		},
	}
	if pBar.lastEpoch != nil {
		update.rows = append(update.rows,
			[2]string{"Last test error", formatFloat(pBar.lastEpoch.TestError, 4)},
			[2]string{"Best test error", formatFloat(state.BestError, 4)})
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		update.rows = append(update.rows, [2]string{name, value})
	}
	pBar.updates <- update
	pBar.lastStepReported = state.GlobalStep
	return nil
}

func (pBar *progressBar) onEpoch(loop *train.Loop, result *train.EpochResult) error {
	pBar.lastEpoch = result
	pBar.epochEnded = true
	return pBar.onStep(loop, result.TrainLoss)
}

func (pBar *progressBar) onEnd(_ *train.Loop) error {
	close(pBar.updates)
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	fmt.Println()
	return nil
}

// drawUpdates asynchronously draws updates: this is handy if the training is faster than the terminal, in particular
// if running on cloud, with a relatively slow network connection.
func (pBar *progressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		// Create the table to be printed.
		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}

		// For command-line, we clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(pBar.numLinesPrinted)
		}
		pBar.isFirstOutput = false

		// Table rows plus its top and bottom borders, plus the progress bar line.
		pBar.numLinesPrinted = len(update.rows) + 2 + 1
		fmt.Println(pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		fmt.Print("\033[J\n")
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// everytime Loop is run, it will display a progress bar with progression and metrics.
//
// The associated data will be attached to the train.Loop, so nothing is returned.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		extraMetricFns: extraMetrics,
		termenv:        termenv.NewOutput(os.Stdout),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
	}
	pBar.statsTable = newStatsTable()
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	// Update at most numUpdates times during the loop, and at least every RefreshPeriod.
	loop.OnStep(ProgressBarName, 0, pBar.onStepStride)
	train.PeriodicCallback(loop, RefreshPeriod, ProgressBarName, 0, pBar.onStep)
	loop.OnEpoch(ProgressBarName, 0, pBar.onEpoch)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
}

// newStatsTable returns an empty lipgloss table with the names right aligned.
func newStatsTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
}

// formatFloat with the given number of decimal places, and "NaN"/"+Inf" as such.
func formatFloat(value float64, decimals int) string {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Sprintf("%v", value)
	}
	return fmt.Sprintf("%.*f", decimals, value)
}
