// Package coreerr defines the error taxonomy shared by every layer of the
// adaptive transport core (spec.md §7). Each layer translates library and
// syscall errors into a categorized *Error at its boundary; the task
// registry maps the final error of a failed operation into a structured
// Failed event carrying the same Kind.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind is one of the eight error categories from spec.md §7. The zero value
// is not a valid Kind; always set one explicitly.
type Kind string

const (
	// Network covers TCP/DNS failures, timeouts, and read errors. Retryable.
	Network Kind = "network"
	// Tls covers handshake failures not involving certificate verification.
	// Triggers a fallback stage advance; retryable by the outer loop only
	// after that transition.
	Tls Kind = "tls"
	// Verify covers certificate/SAN/pin rejection. Never retried.
	Verify Kind = "verify"
	// Protocol covers HTTP/Git wire-level errors. Retryable only for the
	// 5xx class.
	Protocol Kind = "protocol"
	// Proxy covers proxy handshake/auth failure. Not retried at this layer;
	// surfaced to the caller.
	Proxy Kind = "proxy"
	// Auth covers credential rejection (401/403). Never retried.
	Auth Kind = "auth"
	// Cancel covers user- or parent-task-initiated cancellation. Never
	// retried.
	Cancel Kind = "cancel"
	// Internal covers bugs, invariant violations, and config load failure.
	// Never retried.
	Internal Kind = "internal"
)

// Error wraps an underlying cause with a Kind and an optional stable Code
// for machine inspection by Policy/Strategy events (spec.md §7).
type Error struct {
	Kind    Kind
	Code    string // optional, e.g. "pin_mismatch"
	Message string // sanitized, user-visible
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind with a sanitized message and no
// underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind, recording cause for %w-style
// unwrapping while keeping message as the sanitized, user-visible text.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithCode attaches a stable machine-readable code (e.g. "pin_mismatch",
// "http_strategy_override_applied") and returns the same *Error for chaining.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error; otherwise it returns Internal, since an untranslated error
// reaching the task boundary is itself a bug in this taxonomy's coverage.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
