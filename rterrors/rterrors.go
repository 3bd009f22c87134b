// Package rterrors defines the error taxonomy shared by the graph rewriter,
// the dataflow executor and the session orchestrator.
//
// Every fallible entry point in this module returns a plain error, but
// internal wrapping always goes through New/Wrap so that a top-level
// caller formatting the error with "%+v" gets a stack trace, the same
// convention github.com/pkg/errors is used for throughout the teacher
// codebase this module is modeled on.
package rterrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error without requiring callers to string-match
// messages. It mirrors the taxonomy in the runtime's error handling design.
type Kind int

const (
	// Fail is the catch-all for defensive checks and unexpected failures
	// from external collaborators.
	Fail Kind = iota

	// InvalidArgument covers feed shape/type/name mismatches, unsupported
	// op attributes, and bound-check failures.
	InvalidArgument

	// InvalidProtobuf covers a malformed serialized model.
	InvalidProtobuf

	// ModelAlreadyLoaded is returned when Load is called twice on one session.
	ModelAlreadyLoaded

	// NotImplemented covers an unsupported dtype/op combination.
	NotImplemented

	// RuntimeException covers a kernel-reported or scheduler-observed
	// failure during Run.
	RuntimeException

	// Terminated covers cooperative cancellation via the terminate flag.
	Terminated
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case InvalidProtobuf:
		return "InvalidProtobuf"
	case ModelAlreadyLoaded:
		return "ModelAlreadyLoaded"
	case NotImplemented:
		return "NotImplemented"
	case RuntimeException:
		return "RuntimeException"
	case Terminated:
		return "Terminated"
	default:
		return "Fail"
	}
}

// Error is a Kind-tagged error that preserves the underlying cause chain.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.cause.Error()
}

// Unwrap lets errors.Is / errors.As see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// Format forwards to the wrapped cause so "%+v" still prints a stack
// trace when the cause was created with errors.New/Errorf.
func (e *Error) Format(s fmt.State, verb rune) {
	if f, ok := e.cause.(fmt.Formatter); ok {
		f.Format(s, verb)
		return
	}
	fmt.Fprint(s, e.Error())
}

// New creates a Kind-tagged error with a stack trace attached at the call site.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, cause: errors.New(message)}
}

// Errorf creates a Kind-tagged, formatted error with a stack trace.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
}

// Wrap attaches a Kind and a message to an existing error, preserving its stack.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Wrap(err, message)}
}

// Wrapf attaches a Kind and a formatted message to an existing error.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Wrapf(err, format, args...)}
}

// KindOf extracts the Kind from err, defaulting to Fail if err was not
// produced by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fail
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
