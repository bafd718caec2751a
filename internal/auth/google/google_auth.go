package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	endpoints "golang.org/x/oauth2/google"
)

// Default Google endpoints used outside of tests.
const (
	userinfoURL = "https://www.googleapis.com/oauth2/v1/userinfo?alt=json"
	revokeURL   = "https://oauth2.googleapis.com/revoke"
)

// TokenData is the provider-level result of one token exchange. The auth
// manager converts it into its own token set representation.
type TokenData struct {
	// AccessToken is the bearer credential returned by the token endpoint.
	AccessToken string
	// RefreshToken is the long-lived credential, when Google issued one.
	RefreshToken string
	// TokenType is the authorization scheme, normally "Bearer".
	TokenType string
	// Expiry is the absolute expiry of the access token.
	Expiry time.Time
	// Scopes is the scope set Google reports as granted for this token.
	Scopes []string
}

// Client talks to Google's OAuth2 endpoints for one configured OAuth client.
// Both exchange operations make exactly one outbound call; retries are left
// to the caller because the token endpoint rate-limits aggressively and a
// second exchange of the same code always fails.
type Client struct {
	clientID     string
	clientSecret string
	redirectURL  string
	endpoint     oauth2.Endpoint
	userinfoURL  string
	revokeURL    string
	httpClient   *http.Client
}

// NewClient creates a token endpoint client for the given OAuth client
// registration. redirectURL must exactly match the URI registered with
// Google.
func NewClient(clientID, clientSecret, redirectURL string) *Client {
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURL:  redirectURL,
		endpoint:     endpoints.Endpoint,
		userinfoURL:  userinfoURL,
		revokeURL:    revokeURL,
	}
}

// SetEndpoint overrides the OAuth endpoints, primarily for tests against a
// local token server.
func (c *Client) SetEndpoint(endpoint oauth2.Endpoint) {
	c.endpoint = endpoint
}

// SetUserinfoURL overrides the userinfo endpoint.
func (c *Client) SetUserinfoURL(u string) {
	c.userinfoURL = u
}

// SetHTTPClient overrides the HTTP client used for all outbound calls.
func (c *Client) SetHTTPClient(httpClient *http.Client) {
	c.httpClient = httpClient
}

// AuthCodeURL builds the consent URL for one attempt. Offline access is
// requested so a refresh token is issued, and include_granted_scopes enables
// Google's incremental authorization so previously approved scopes are not
// re-prompted.
func (c *Client) AuthCodeURL(session *PKCESession, scopes []string) string {
	conf := c.config(scopes)
	return conf.AuthCodeURL(session.State,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(session.CodeVerifier),
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	)
}

// ExchangeCode trades an authorization code plus its PKCE verifier for a
// token set.
func (c *Client) ExchangeCode(ctx context.Context, code, verifier string, scopes []string) (*TokenData, error) {
	conf := c.config(scopes)
	token, err := conf.Exchange(c.httpContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, translateTokenError(err)
	}
	return c.tokenData(token, scopes), nil
}

// ExchangeRefresh trades a refresh token for a new token set. Google does not
// rotate refresh tokens on use, so when the response omits one the original
// is carried forward.
func (c *Client) ExchangeRefresh(ctx context.Context, refreshToken string, scopes []string) (*TokenData, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}
	conf := c.config(scopes)
	source := conf.TokenSource(c.httpContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, translateTokenError(err)
	}
	data := c.tokenData(token, scopes)
	if data.RefreshToken == "" {
		data.RefreshToken = refreshToken
	}
	return data, nil
}

// FetchUserEmail resolves the account email behind an access token. Failure
// is not fatal to the flow; callers may proceed without the email.
func (c *Client) FetchUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.userinfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.doer().Do(req)
	if err != nil {
		return "", fmt.Errorf("userinfo request failed: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("failed to close response body: %v", errClose)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read userinfo response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo request failed with status %d: %s", resp.StatusCode, string(body))
	}

	email := gjson.GetBytes(body, "email")
	if !email.Exists() || email.Type != gjson.String {
		return "", fmt.Errorf("userinfo response carried no email")
	}
	return email.String(), nil
}

// RevokeToken invalidates a refresh or access token at Google. Best effort;
// local state is cleared regardless.
func (c *Client) RevokeToken(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.doer().Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("revoke failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (c *Client) config(scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  c.redirectURL,
		Scopes:       scopes,
		Endpoint:     c.endpoint,
	}
}

// httpContext threads the override HTTP client into the oauth2 machinery.
func (c *Client) httpContext(ctx context.Context) context.Context {
	if c.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *Client) doer() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return http.DefaultClient
}

// tokenData converts an oauth2 token into TokenData, preferring the scope
// list Google reports over the one that was requested.
func (c *Client) tokenData(token *oauth2.Token, requested []string) *TokenData {
	scopes := requested
	if extra, ok := token.Extra("scope").(string); ok && extra != "" {
		scopes = strings.Fields(extra)
	}
	return &TokenData{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.Type(),
		Expiry:       token.Expiry,
		Scopes:       scopes,
	}
}

// translateTokenError normalizes token endpoint failures. A response that
// carried an OAuth error code becomes an OAuthError; an HTTP-level response
// without one is malformed; anything else is a transport failure and passes
// through unchanged.
func translateTokenError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode != "" {
			return &OAuthError{
				Code:        retrieveErr.ErrorCode,
				Description: retrieveErr.ErrorDescription,
			}
		}
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return fmt.Errorf("%w: status %d: %s", ErrMalformedResponse, status, string(retrieveErr.Body))
	}
	return err
}
