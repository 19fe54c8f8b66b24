// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var reDurationNumber = regexp.MustCompile(`^(\d+\.?\d*)([µa-z]+)$`)

// FormatDuration pretty prints short durations with 2 decimal places (e.g.: "1.23ms").
// Durations with more than one unit (e.g.: "1m30.5s") are printed rounded to the second.
func FormatDuration(d time.Duration) string {
	s := d.String()
	matches := reDurationNumber.FindStringSubmatch(s)
	if len(matches) != 3 {
		return d.Round(time.Second).String()
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}
