// Package structerr provides a single typed error wrapper for the error
// taxonomy used across the event store, ledger, and fan-out layers: NotFound,
// IllegalTransition, ProtocolError, Structural, and Transient. Callers use
// errors.As to recover the Kind rather than matching on error strings.
package structerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the taxonomy buckets from spec §7.
type Kind string

const (
	// KindNotFound indicates a run, thread, or stream does not exist.
	KindNotFound Kind = "not_found"
	// KindIllegalTransition indicates an operation attempted an invalid
	// lifecycle transition (e.g. activating a non-created run, appending to
	// a terminal run, recovering a terminal run).
	KindIllegalTransition Kind = "illegal_transition"
	// KindProtocol indicates a wire-protocol violation (version mismatch,
	// invalid message, unknown stream, replay failure, buffer overflow).
	KindProtocol Kind = "protocol"
	// KindStructural indicates corrupt or malformed persisted data that the
	// operation cannot proceed past (missing run status for a message row,
	// invalid branch selector shape, missing schema_version in metadata).
	KindStructural Kind = "structural"
	// KindTransient indicates a store I/O failure that may succeed on retry.
	KindTransient Kind = "transient"
)

// Error is a Kind-tagged error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New constructs an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any, so errors.Is/errors.As traverse
// through Error.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a structerr.Error of the same Kind as e. This
// lets callers write errors.Is(err, sentinel) against a sentinel built from
// New(kind, "").
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// OfKind returns the Kind carried by err, or "" if err is not a *Error.
func OfKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
