// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/marcoabrate/LiftPose3D/pkg/lifter"
	"github.com/marcoabrate/LiftPose3D/pkg/support/errkind"
	"github.com/marcoabrate/LiftPose3D/pkg/support/fsutil"
)

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "lr=1e-4;epochs=100;procrustes=true".
//
// The names are the JSON names of lifter.Options, and the values are parsed according to the type of
// each option (see lifter.Options.Set). For integers, "_" can be used as a separator, like in Go.
// E.g.: "lr_decay=100_000".
//
// A setting "file:<path>" reads settings from a file, with new lines working as ";", and lines
// starting with "#" being comments. Relative paths of "file:" settings inside a file are relative to
// the directory of that file.
//
// It returns the names of the options set, in order, or an errkind.Configuration error.
//
// Example usage:
//
//	func main() {
//		opts := lifter.DefaultOptions()
//		settings := commandline.CreateSettingsFlag(opts, "")
//		flag.Parse()
//		set, err := commandline.ParseSettings(opts, *settings)
//		if err != nil { klog.Fatalf("%+v", err) }
//		fmt.Println(commandline.SprintModifiedSettings(opts, set))
//		...
//	}
func ParseSettings(opts *lifter.Options, settings string) (namesSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		namesSet, err = parseSetting(opts, setting, "", namesSet)
		if err != nil {
			return
		}
	}
	return
}

// parseSetting parses one setting. Relative paths of "file:" settings are resolved against baseDir.
func parseSetting(opts *lifter.Options, setting, baseDir string, namesSet []string) ([]string, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return namesSet, nil
	}
	if strings.HasPrefix(setting, "file:") {
		filePath, err := fsutil.ResolvePath(strings.TrimPrefix(setting, "file:"), baseDir)
		if err != nil {
			return namesSet, errkind.Wrapf(errkind.Configuration, err, "settings file")
		}
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return namesSet, errkind.Wrapf(errkind.Configuration, err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, lineSetting := range strings.Split(line, ";") {
				namesSet, err = parseSetting(opts, lineSetting, filepath.Dir(filePath), namesSet)
				if err != nil {
					return namesSet, err
				}
			}
		}
		return namesSet, nil
	}

	name, valueStr, found := strings.Cut(setting, "=")
	if !found || strings.Contains(valueStr, "=") {
		return namesSet, errkind.Errorf(errkind.Configuration,
			"can't parse setting %q: each setting requires the format \"<option>=<value>\"", setting)
	}
	if err := opts.Set(strings.TrimSpace(name), strings.TrimSpace(valueStr)); err != nil {
		return namesSet, err
	}
	return append(namesSet, strings.TrimSpace(name)), nil
}

// CreateSettingsFlag creates a string flag with the given flagName (if empty it will be named "set")
// and with a description of the options and their current (default) values.
//
// The flag should be created before the call to `flag.Parse()`. See example in ParseSettings.
func CreateSettingsFlag(opts *lifter.Options, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Set options of the run. ` +
			`It should be a list of elements "option=value" separated by ";". ` +
			`It can also be given an entry like: "file:settings_file.txt", in ` +
			`which case the file will be read and the settings will be parsed, ` +
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
			`Available options:`,
	}
	for _, name := range opts.Names() {
		value, _ := opts.Get(name)
		parts = append(parts, fmt.Sprintf("%q: default value is %s", name, value))
	}
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintSettings pretty-prints all options into a string.
func SprintSettings(opts *lifter.Options) string {
	return SprintModifiedSettings(opts, opts.Names())
}

// SprintModifiedSettings pretty-prints the given options (typically the ones returned by ParseSettings)
// into a string, sorted and without duplicates.
func SprintModifiedSettings(opts *lifter.Options, names []string) string {
	names = slices.Clone(names)
	slices.Sort(names)
	names = slices.Compact(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		value, found := opts.Get(name)
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: %s", name, value))
	}
	return strings.Join(parts, "\n")
}
