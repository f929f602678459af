package chainerr

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure categories surfaced above the gateway.
type Kind string

const (
	ProviderMissing   Kind = "PROVIDER_MISSING"
	UserRejected      Kind = "USER_REJECTED"
	AlreadyPending    Kind = "ALREADY_PENDING"
	Reverted          Kind = "REVERTED"
	InsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	NetworkMismatch   Kind = "NETWORK_MISMATCH"
	Unknown           Kind = "UNKNOWN"

	// Controller-level conditions.
	AlreadyRegistered Kind = "ALREADY_REGISTERED"
	NotReady          Kind = "NOT_READY"
	Invalid           Kind = "INVALID"
)

// Error is a classified failure. Reason holds the revert reason for Reverted
// and a human readable description for the other kinds.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: NotReady}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New returns a classified error without a cause.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of err, or Unknown when err carries none. Returns
// the empty kind for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// ReasonOf returns the reason attached to a classified error.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
