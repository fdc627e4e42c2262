// Package benchtypes defines the core data types shared across the energy-bench measurement pipeline.
// This package contains the error taxonomy, measurement modes and engine states.
package benchtypes

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure so that the orchestration layer can decide
// whether it aborts the run or is recorded as a warning.
type ErrorKind int

const (
	// KindConfig - Bad scenario document, unsupported implementation, out-of-range knob value
	KindConfig ErrorKind = iota
	// KindBuild - Non-zero exit of the compiler or toolchain
	KindBuild
	// KindMeasure - Non-zero exit of the measured process or a missing/duplicate result file
	KindMeasure
	// KindTimeout - Measured process exceeded its wall-clock budget
	KindTimeout
	// KindVerify - Captured output did not match the expected output
	KindVerify
	// KindClean - Clean command failed
	KindClean
	// KindIO - Reading or writing a file failed
	KindIO
	// KindInterrupt - Operator interrupted the run
	KindInterrupt
)

// String returns a human-readable representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindBuild:
		return "build"
	case KindMeasure:
		return "measure"
	case KindTimeout:
		return "timeout"
	case KindVerify:
		return "verify"
	case KindClean:
		return "clean"
	case KindIO:
		return "io"
	case KindInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// Error is the single domain error type. It carries a message and an optional wrapped cause.
type Error struct {
	Kind ErrorKind // Classification used by the issue policy
	Msg  string    // Human-readable description of what failed
	Err  error     // Underlying cause, may be nil
}

// Error implements the error interface. The format is "<msg> - <cause>." with
// either part omitted when empty.
func (e *Error) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg != "" {
			msg += " - " + e.Err.Error()
		} else {
			msg = e.Err.Error()
		}
	}
	if msg == "" {
		return "failed."
	}
	return msg + "."
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an error of the given kind with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError creates an error of the given kind wrapping cause.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// ConfigError creates a configuration error.
func ConfigError(format string, args ...any) *Error {
	return NewError(KindConfig, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain. Errors that do
// not carry a kind are reported as KindIO.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindIO
}

// IsKind reports whether any *Error in err's tree has the given kind.
// Joined errors are searched branch by branch.
func IsKind(err error, kind ErrorKind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, branch := range u.Unwrap() {
				if IsKind(branch, kind) {
					return true
				}
			}
			return false
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		default:
			return false
		}
	}
	return false
}
