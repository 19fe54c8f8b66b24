// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

// Package metriclog implements an append-only, tab separated log of per epoch metrics:
//
//	epoch	lr	loss_train	loss_test	err_test
//	1	0.001000	0.412345	0.301234	1.234567
//
// Integers are written with %d and floats with %.6f. Rows are flushed as they are appended, so a
// crash loses at most the row being written.
//
// The log can be read back into a github.com/go-gota/gota dataframe with ReadFrame.
package metriclog

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/marcoabrate/LiftPose3D/pkg/ml/train"
	"github.com/marcoabrate/LiftPose3D/pkg/support/errkind"
	"github.com/pkg/errors"
)

const (
	// TrainFileName is the metric log of a training run.
	TrainFileName = "log_train.txt"

	// Separator between columns.
	Separator = "\t"
)

// Columns of the training log, in order.
var Columns = []string{"epoch", "lr", "loss_train", "loss_test", "err_test"}

// Logger appends rows to a metric log file. It is not safe for concurrent use.
type Logger struct {
	filePath string
	file     *os.File
	writer   *bufio.Writer
	names    []string
}

// Open the metric log at filePath with the given column names.
//
// If resume is false, the file is created (truncated if it exists) and the header is written.
// If resume is true, rows are appended to the existing file (created if missing) and the header is
// not written: it is up to the caller to use the same column names.
func Open(filePath string, resume bool, names ...string) (*Logger, error) {
	if len(names) == 0 {
		return nil, errkind.Errorf(errkind.Configuration, "metric log %q: no column names", filePath)
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if resume {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	file, err := os.OpenFile(filePath, flags, 0o644)
	if err != nil {
		return nil, errkind.Wrapf(errkind.IO, err, "failed to open metric log")
	}
	l := &Logger{filePath: filePath, file: file, writer: bufio.NewWriter(file), names: names}
	if !resume {
		if err := l.writeRow(names); err != nil {
			_ = file.Close()
			return nil, err
		}
	}
	return l, nil
}

// Path of the log file.
func (l *Logger) Path() string { return l.filePath }

// Names of the columns.
func (l *Logger) Names() []string { return l.names }

// Append one row. There must be one value per column: ints are written with %d, floats with %.6f
// and anything else with %v.
func (l *Logger) Append(values ...any) error {
	if l.file == nil {
		return errkind.Errorf(errkind.IO, "metric log %q is closed", l.filePath)
	}
	if len(values) != len(l.names) {
		return errors.Errorf("metric log %q has %d columns, got %d values", l.filePath, len(l.names), len(values))
	}
	fields := make([]string, len(values))
	for ii, value := range values {
		switch v := value.(type) {
		case int:
			fields[ii] = fmt.Sprintf("%d", v)
		case float64:
			fields[ii] = fmt.Sprintf("%.6f", v)
		case float32:
			fields[ii] = fmt.Sprintf("%.6f", v)
		default:
			fields[ii] = fmt.Sprintf("%v", v)
		}
	}
	return l.writeRow(fields)
}

func (l *Logger) writeRow(fields []string) error {
	if _, err := l.writer.WriteString(strings.Join(fields, Separator) + "\n"); err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed writing to metric log %q", l.filePath)
	}
	if err := l.writer.Flush(); err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed writing to metric log %q", l.filePath)
	}
	return nil
}

// Close the log file. It is safe to call Close more than once.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.writer.Flush()
	if closeErr := l.file.Close(); err == nil {
		err = closeErr
	}
	l.file = nil
	if err != nil {
		return errkind.Wrapf(errkind.IO, err, "failed to close metric log %q", l.filePath)
	}
	return nil
}

// AttachToLoop appends a row with the epoch results to the log after every epoch. The logger must
// have been opened with Columns.
func AttachToLoop(loop *train.Loop, l *Logger) {
	loop.OnEpoch("metric log", 0, func(_ *train.Loop, result *train.EpochResult) error {
		return l.Append(result.Epoch, result.LearningRate, result.TrainLoss, result.TestLoss, result.TestError)
	})
}

// ReadFrame reads a metric log into a dataframe. The "epoch" column, if present, is read as integers
// and every other column as floats.
func ReadFrame(filePath string) (dataframe.DataFrame, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return dataframe.DataFrame{}, errkind.Wrapf(errkind.Load, err, "failed to read metric log")
	}
	contentsStr := string(contents)
	header, _, _ := strings.Cut(contentsStr, "\n")
	types := make(map[string]series.Type)
	for _, name := range strings.Split(strings.TrimSpace(header), Separator) {
		types[name] = series.Float
	}
	if _, found := types["epoch"]; found {
		types["epoch"] = series.Int
	}
	df := dataframe.ReadCSV(strings.NewReader(contentsStr), dataframe.HasHeader(true),
		dataframe.WithDelimiter('\t'), dataframe.WithTypes(types))
	if df.Err != nil {
		return df, errkind.Wrapf(errkind.Load, df.Err, "failed to parse metric log %q", filePath)
	}
	return df, nil
}

// BestRow returns the row index and the value of the minimum of the column, ignoring NaN values.
// It returns row -1 if the column has no valid value.
func BestRow(df dataframe.DataFrame, column string) (row int, value float64, err error) {
	if !slices.Contains(df.Names(), column) {
		return -1, math.NaN(), errors.Errorf("metric log has no column %q (columns: %v)", column, df.Names())
	}
	row, value = -1, math.NaN()
	for ii, v := range df.Col(column).Float() {
		if math.IsNaN(v) {
			continue
		}
		if row < 0 || v < value {
			row, value = ii, v
		}
	}
	return row, value, nil
}
