// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0o770)

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to FileExists(%q)", filePath)
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user or some other filesystem error (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 || dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		sepIdx := strings.IndexRune(dir, '/')
		if sepIdx == -1 {
			userName = dir[1:]
		} else {
			userName = dir[1:sepIdx]
		}
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return path.Join(usr.HomeDir, dir[1+len(userName):]), nil
}

// ResolvePath replaces a leading "~" and, if the result is relative, joins it to baseDir.
// An empty baseDir leaves relative paths untouched.
func ResolvePath(filePath, baseDir string) (string, error) {
	resolved, err := ReplaceTildeInDir(filePath)
	if err != nil {
		return "", err
	}
	if baseDir == "" || filepath.IsAbs(resolved) {
		return resolved, nil
	}
	return filepath.Join(baseDir, resolved), nil
}

// EnsureDir replaces a leading "~" in dir and creates it (and its parents) if it doesn't exist yet.
// It returns the resolved directory.
func EnsureDir(dir string) (string, error) {
	resolved, err := ReplaceTildeInDir(dir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(resolved, DirPermMode); err != nil {
		return "", errors.Wrapf(err, "failed to create directory %q", resolved)
	}
	return resolved, nil
}
