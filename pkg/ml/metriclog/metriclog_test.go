// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

package metriclog

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marcoabrate/LiftPose3D/pkg/support/errkind"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, filePath string) []string {
	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(contents), "\n"), "\n")
}

func TestResume(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), TrainFileName)
	l, err := Open(filePath, false, Columns...)
	require.NoError(t, err)
	require.NoError(t, l.Append(1, 0.001, 0.5, 0.4, 12.25))
	require.NoError(t, l.Append(2, 0.0009, 0.3, 0.35, 10.5))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "closing twice is fine")
	require.Error(t, l.Append(3, 0.1, 0.1, 0.1, 0.1), "append after close")

	l, err = Open(filePath, true, Columns...)
	require.NoError(t, err)
	require.NoError(t, l.Append(3, 0.00081, 0.2, math.NaN(), 11.0))
	require.NoError(t, l.Close())

	lines := readLines(t, filePath)
	require.Len(t, lines, 4)
	assert.Equal(t, "epoch\tlr\tloss_train\tloss_test\terr_test", lines[0], "header unchanged")
	assert.Equal(t, "1\t0.001000\t0.500000\t0.400000\t12.250000", lines[1])
	assert.Equal(t, "3\t0.000810\t0.200000\tNaN\t11.000000", lines[3])

	df, err := ReadFrame(filePath)
	require.NoError(t, err)
	assert.Equal(t, 3, df.Nrow())
	assert.Equal(t, Columns, df.Names())
	epochs, err := df.Col("epoch").Int()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, epochs, "rows numbered in order after resume")
	assert.True(t, math.IsNaN(df.Col("loss_test").Float()[2]))

	row, value, err := BestRow(df, "err_test")
	require.NoError(t, err)
	assert.Equal(t, 1, row)
	assert.Equal(t, 10.5, value)
	row, value, err = BestRow(df, "loss_test")
	require.NoError(t, err)
	assert.Equal(t, 1, row, "NaN ignored")
	assert.Equal(t, 0.35, value)
	_, _, err = BestRow(df, "accuracy")
	require.Error(t, err)
}

func TestOpenTruncates(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "log.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("old\tstuff\n1\t2\n"), 0o644))
	l, err := Open(filePath, false, "epoch", "value")
	require.NoError(t, err)
	require.Error(t, l.Append(1), "wrong number of values")
	require.NoError(t, l.Append(1, "x"))
	require.NoError(t, l.Close())
	assert.Equal(t, []string{"epoch\tvalue", "1\tx"}, readLines(t, filePath))

	_, err = Open(filePath, false)
	assert.True(t, errors.Is(err, errkind.Configuration))
	_, err = Open(filepath.Join(t.TempDir(), "missing", "log.txt"), false, Columns...)
	assert.True(t, errors.Is(err, errkind.IO))
	_, err = ReadFrame(filepath.Join(t.TempDir(), "missing.txt"))
	assert.True(t, errors.Is(err, errkind.Load))
}
