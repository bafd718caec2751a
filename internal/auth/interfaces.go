package auth

import (
	"context"

	"github.com/adiaconou/mcp-google-sub000/internal/auth/google"
)

// ExchangeClient is the provider surface the Manager depends on. It is
// satisfied by *google.Client; tests substitute fakes.
type ExchangeClient interface {
	// AuthCodeURL builds the consent URL for one authorization attempt.
	AuthCodeURL(session *google.PKCESession, scopes []string) string
	// ExchangeCode trades an authorization code and PKCE verifier for tokens.
	ExchangeCode(ctx context.Context, code, verifier string, scopes []string) (*google.TokenData, error)
	// ExchangeRefresh trades a refresh token for a new token set.
	ExchangeRefresh(ctx context.Context, refreshToken string, scopes []string) (*google.TokenData, error)
	// FetchUserEmail resolves the account email behind an access token.
	FetchUserEmail(ctx context.Context, accessToken string) (string, error)
	// RevokeToken invalidates a token at the provider.
	RevokeToken(ctx context.Context, token string) error
}

var _ ExchangeClient = (*google.Client)(nil)
