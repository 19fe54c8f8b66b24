// Copyright 2023-2026 The LiftPose3D Authors. SPDX-License-Identifier: Apache-2.0

// Package errkind defines the categories of failures reported by LiftPose3D.
//
// Errors are created with the usual github.com/pkg/errors functions (so they carry a stack trace)
// and tagged with one of the kinds below, which can then be tested with errors.Is:
//
//	if errors.Is(err, errkind.Load) {
//		klog.Fatalf("cannot start: %+v", err)
//	}
package errkind

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a category of error. It implements error, so it can be used as a target of errors.Is.
type Kind string

// Error implements error.
func (k Kind) Error() string { return string(k) }

const (
	// Configuration is an invalid or missing required option. Fatal at start up.
	Configuration Kind = "configuration error"

	// Load is a checkpoint, statistics or dataset file that is missing or malformed. Fatal at start up.
	Load Kind = "load error"

	// DegenerateInput is an alignment called on coincident or under-determined point sets.
	DegenerateInput Kind = "degenerate input"

	// IO is a failure writing logs, checkpoints or results. Not retried.
	IO Kind = "i/o error"
)

// kindError attaches a Kind to a cause.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %s", e.kind, e.cause.Error()) }

// Unwrap allows errors.Is/As to reach the cause.
func (e *kindError) Unwrap() error { return e.cause }

// Is matches the Kind.
func (e *kindError) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.kind
}

// Format forwards "%+v" to the cause, so stack traces are printed.
func (e *kindError) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		_, _ = fmt.Fprintf(s, "%s: %+v", e.kind, e.cause)
		return
	}
	_, _ = fmt.Fprint(s, e.Error())
}

// Errorf creates a new error of the given kind, with a stack trace.
func Errorf(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, cause: errors.Errorf(format, args...)}
}

// Wrapf wraps err with a message and the given kind. It returns nil if err is nil.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, cause: errors.Wrapf(err, format, args...)}
}

// Of returns the Kind of err, or the empty Kind if it has none.
func Of(err error) Kind {
	for _, kind := range []Kind{Configuration, Load, DegenerateInput, IO} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ""
}
