package google

import (
	"errors"
	"fmt"
)

// Sentinel errors produced by the callback server. The auth manager maps
// these onto its caller-facing taxonomy.
var (
	// ErrPortInUse is returned when the configured callback port cannot be
	// bound, typically because a previous attempt's listener has not shut
	// down or another process owns the port.
	ErrPortInUse = errors.New("callback port is already in use")

	// ErrStateMismatch is returned when the callback carries a state value
	// that does not match the in-flight attempt. The associated code, if
	// any, is never exchanged.
	ErrStateMismatch = errors.New("callback state does not match the in-flight attempt")

	// ErrCallbackTimeout is returned when no callback arrives within the
	// configured bound.
	ErrCallbackTimeout = errors.New("timed out waiting for authorization callback")

	// ErrMalformedResponse is returned when the token endpoint answers with
	// something that is not a parseable OAuth response.
	ErrMalformedResponse = errors.New("token endpoint returned a malformed response")
)

// OAuthError is an error response from Google's OAuth endpoints, either as a
// callback `error` parameter or a token endpoint failure body.
type OAuthError struct {
	// Code is the OAuth error code, e.g. "access_denied" or "invalid_grant".
	Code string `json:"error"`
	// Description is the human-readable detail, when provided.
	Description string `json:"error_description,omitempty"`
}

// Error returns a string representation of the OAuth error.
func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth error %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("oauth error: %s", e.Code)
}

// IsOAuthCode reports whether err is an OAuthError with the given code.
func IsOAuthCode(err error, code string) bool {
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr.Code == code
	}
	return false
}

// IsInvalidGrant reports whether err signals a dead refresh token or reused
// authorization code.
func IsInvalidGrant(err error) bool {
	return IsOAuthCode(err, "invalid_grant")
}

// IsAccessDenied reports whether err signals that the user declined consent.
func IsAccessDenied(err error) bool {
	return IsOAuthCode(err, "access_denied")
}
