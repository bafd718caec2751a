package auth

import (
	"errors"
	"fmt"
)

// ErrorKind is a closed enumeration of the failure classes callers can
// meaningfully branch on. Every error surfaced by the Manager carries exactly
// one kind, so handling can switch exhaustively instead of matching strings.
type ErrorKind int

const (
	// KindUnknown is the zero value and never assigned deliberately.
	KindUnknown ErrorKind = iota

	// KindConfiguration marks fatal setup problems such as the callback
	// port already being bound or a missing client secret. Never retried.
	KindConfiguration

	// KindUserDenied means the user declined consent in the browser.
	// Retryable by user action.
	KindUserDenied

	// KindCsrfMismatch means the callback carried a state value that does
	// not match the in-flight attempt; the attempt is aborted and no code
	// is ever exchanged.
	KindCsrfMismatch

	// KindTimeout means no callback arrived within the listener bound. The
	// whole flow may be retried with a fresh session.
	KindTimeout

	// KindInvalidGrant means the refresh credential is expired or revoked.
	// Handled internally by falling back to interactive authorization.
	KindInvalidGrant

	// KindTransport marks network failures reaching the provider. Retryable
	// by the caller; never retried internally.
	KindTransport

	// KindMalformedResponse marks an unparseable provider response. Fatal
	// for the attempt.
	KindMalformedResponse
)

// String returns the machine-readable name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindUserDenied:
		return "user_denied"
	case KindCsrfMismatch:
		return "csrf_mismatch"
	case KindTimeout:
		return "timeout"
	case KindInvalidGrant:
		return "invalid_grant"
	case KindTransport:
		return "transport"
	case KindMalformedResponse:
		return "malformed_response"
	default:
		return "unknown"
	}
}

// Retryable reports whether repeating the operation could succeed without a
// change to configuration or code.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindUserDenied, KindTimeout, KindTransport:
		return true
	default:
		return false
	}
}

// Error is the tagged failure type surfaced by this package.
type Error struct {
	// Kind classifies the failure.
	Kind ErrorKind
	// Message is a human readable description.
	Message string
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError constructs an Error with the given kind and message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError constructs an Error that records cause as the underlying failure.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the kind from err, or KindUnknown when err does not carry
// one.
func KindOf(err error) ErrorKind {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
