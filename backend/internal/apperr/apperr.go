// Package apperr defines the error taxonomy shared by the mutation core.
// Kinds are transport-independent; the HTTP layer maps them to status
// codes. Every error carries a machine-readable code alongside the
// human-readable message.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers.
type Kind int

const (
	// Internal is the default for unclassified failures (persistence, bugs).
	Internal Kind = iota
	// NotFound: account/order/security/bank account absent.
	NotFound
	// Forbidden: ownership mismatch, KYC not approved, suspended account.
	Forbidden
	// InvalidArgument: malformed quantity/price/order-type combination.
	InvalidArgument
	// FailedPrecondition: insufficient funds or shares, caps, bad status.
	FailedPrecondition
	// Conflict: concurrent update detected; the operation is retried.
	Conflict
	// UpstreamUnavailable: price oracle failure or timeout.
	UpstreamUnavailable
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	case InvalidArgument:
		return "invalid_argument"
	case FailedPrecondition:
		return "failed_precondition"
	case Conflict:
		return "conflict"
	case UpstreamUnavailable:
		return "upstream_unavailable"
	default:
		return "internal"
	}
}

// Error is a classified error with a stable machine-readable code.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, or Internal if it is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// CodeOf extracts the machine-readable code from err, if any.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
