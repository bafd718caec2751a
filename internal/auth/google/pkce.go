// Package google implements the provider-facing half of the Google OAuth2
// authorization-code flow: PKCE session material, the single-use local
// callback server, and the token endpoint client used for code and refresh
// exchanges.
package google

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PKCESession carries the secrets for exactly one authorization attempt: the
// RFC 7636 verifier/challenge pair plus the CSRF state value. A session is
// single-use; it is discarded after one code exchange, whether that exchange
// succeeded or failed.
type PKCESession struct {
	// ID identifies the attempt in logs without exposing any secret.
	ID string
	// CodeVerifier is the high-entropy secret proven at exchange time.
	CodeVerifier string
	// CodeChallenge is the S256 transform of the verifier sent in the
	// authorization request.
	CodeChallenge string
	// State is the random CSRF token the callback must echo back.
	State string
	// CreatedAt is when the attempt began.
	CreatedAt time.Time
	// TTL bounds how long the session may be used.
	TTL time.Duration
}

// NewPKCESession generates a fresh verifier, challenge, and state. It fails
// only when the system entropy source is unavailable.
func NewPKCESession(ttl time.Duration) (*PKCESession, error) {
	verifier, err := generateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}
	return &PKCESession{
		ID:            uuid.NewString(),
		CodeVerifier:  verifier,
		CodeChallenge: generateCodeChallenge(verifier),
		State:         state,
		CreatedAt:     time.Now(),
		TTL:           ttl,
	}, nil
}

// Expired reports whether the session has outlived its TTL.
func (s *PKCESession) Expired(now time.Time) bool {
	if s.TTL <= 0 {
		return false
	}
	return now.After(s.CreatedAt.Add(s.TTL))
}

// generateCodeVerifier creates a cryptographically random URL-safe string.
// 96 random bytes encode to 128 base64 characters, the maximum RFC 7636
// verifier length.
func generateCodeVerifier() (string, error) {
	bytes := make([]byte, 96)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(bytes), nil
}

// generateCodeChallenge derives the S256 challenge: SHA256 of the verifier,
// base64 URL-encoded without padding.
func generateCodeChallenge(codeVerifier string) string {
	hash := sha256.Sum256([]byte(codeVerifier))
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(hash[:])
}

// generateState creates the random CSRF state parameter.
func generateState() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}
