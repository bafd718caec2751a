// Package auth implements the token lifecycle for Google API access on behalf
// of the local user. It owns scope bookkeeping, the encrypted token store, the
// in-memory token cache, and the manager that sequences interactive
// authorization and refresh so that concurrent callers never trigger
// duplicate provider calls.
package auth

import (
	"time"
)

// TokenSet is the credential material obtained from one authorization or
// refresh exchange. A TokenSet is immutable once created; refreshes and
// re-authorizations replace the whole value rather than patching fields.
type TokenSet struct {
	// AccessToken is the bearer credential presented to Google APIs.
	AccessToken string `json:"access_token"`

	// RefreshToken allows obtaining new access tokens without user
	// interaction. It may be empty, in which case the set is non-renewable
	// and expiry forces a new interactive authorization.
	RefreshToken string `json:"refresh_token,omitempty"`

	// TokenType is the authorization scheme, normally "Bearer".
	TokenType string `json:"token_type"`

	// Expiry is the absolute instant the access token stops being accepted.
	Expiry time.Time `json:"expiry"`

	// Scopes is the set of scopes the user has granted for this credential.
	Scopes []string `json:"scopes"`

	// Email is the Google account the credential belongs to, when known.
	Email string `json:"email,omitempty"`
}

// Expired reports whether the access token is past its hard expiry.
func (t *TokenSet) Expired(now time.Time) bool {
	if t == nil {
		return true
	}
	return !t.Expiry.After(now)
}

// RefreshDue reports whether the token should be refreshed ahead of its hard
// expiry. lead is how long before expiry a token is considered due.
func (t *TokenSet) RefreshDue(now time.Time, lead time.Duration) bool {
	if t == nil {
		return true
	}
	return !t.Expiry.Add(-lead).After(now)
}

// Renewable reports whether the set carries a refresh credential.
func (t *TokenSet) Renewable() bool {
	return t != nil && t.RefreshToken != ""
}

// Clone returns a deep copy so callers can hold the result without racing
// against replacement.
func (t *TokenSet) Clone() *TokenSet {
	if t == nil {
		return nil
	}
	dup := *t
	dup.Scopes = append([]string(nil), t.Scopes...)
	return &dup
}
