package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adiaconou/mcp-google-sub000/internal/auth/google"
	"github.com/adiaconou/mcp-google-sub000/internal/browser"
	"github.com/adiaconou/mcp-google-sub000/internal/misc"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Singleflight keys for the two provider-side operations. At most one of
// each runs at any time, however many callers are waiting: a second exchange
// of the same authorization code always fails, and parallel refreshes can
// invalidate each other when a provider rotates refresh tokens.
const (
	flightToken     = "token"
	flightAuthorize = "authorize"
)

// Manager owns the token lifecycle: it sequences cache, store, refresh
// exchange, and the interactive authorization flow, and guarantees that
// concurrent callers share a single in-flight provider operation instead of
// racing their own. Construct one per process and hand references to
// collaborators; the manager holds all of its own state.
type Manager struct {
	cfg         Config
	client      ExchangeClient
	store       Store
	cache       *TokenCache
	group       singleflight.Group
	openBrowser func(string) error
}

// NewManager validates cfg and builds a manager persisting through store.
func NewManager(cfg Config, store Store) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, NewError(KindConfiguration, "token store is required")
	}
	return &Manager{
		cfg:         cfg,
		client:      google.NewClient(cfg.ClientID, cfg.ClientSecret, cfg.RedirectURL()),
		store:       store,
		cache:       NewTokenCache(cfg.RefreshLead),
		openBrowser: browser.OpenURL,
	}, nil
}

// SetExchangeClient replaces the provider client. Intended for tests.
func (m *Manager) SetExchangeClient(client ExchangeClient) {
	if client != nil {
		m.client = client
	}
}

// SetBrowserOpener replaces the browser launcher. Intended for tests and
// embedders with their own URL handling.
func (m *Manager) SetBrowserOpener(open func(string) error) {
	if open != nil {
		m.openBrowser = open
	}
}

// EnsureValidToken returns an access token that covers the requested scopes
// and is not due for refresh. It consults the cache, then the store, then
// performs a refresh or a full interactive authorization as needed. Any
// number of callers may invoke it concurrently; they share one in-flight
// operation.
func (m *Manager) EnsureValidToken(ctx context.Context, scopes []string) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if token, ok := m.cache.Get(); ok && ScopesSatisfied(token.Scopes, scopes) {
			return token.AccessToken, nil
		}
		token, err := m.runShared(ctx, flightToken, func(opCtx context.Context) (*TokenSet, error) {
			return m.ensureToken(opCtx, scopes)
		})
		if err != nil {
			return "", err
		}
		// A joined operation may have been driven by a caller with a
		// narrower scope set; loop once so our own request is enforced.
		if ScopesSatisfied(token.Scopes, scopes) {
			return token.AccessToken, nil
		}
	}
	return "", NewError(KindUserDenied, "the granted scopes do not cover the request")
}

// EnsureScopes makes sure the requested scopes are authorized, driving an
// interactive authorization for the union of granted and requested scopes
// when they are not. It returns without provider interaction when the
// current grant already satisfies the request.
func (m *Manager) EnsureScopes(ctx context.Context, scopes []string) error {
	for attempt := 0; attempt < 2; attempt++ {
		granted, err := m.currentGrant(ctx)
		if err != nil {
			return err
		}
		if granted != nil && ScopesSatisfied(granted.Scopes, scopes) {
			return nil
		}
		var grantedScopes []string
		if granted != nil {
			grantedScopes = granted.Scopes
		}
		token, err := m.authorize(ctx, UnionScopes(grantedScopes, scopes))
		if err != nil {
			return err
		}
		if ScopesSatisfied(token.Scopes, scopes) {
			return nil
		}
	}
	return NewError(KindUserDenied, "the granted scopes do not cover the request")
}

// Authenticate forces a full interactive authorization regardless of current
// state, preserving already granted scopes via the scope union.
func (m *Manager) Authenticate(ctx context.Context, scopes []string) error {
	granted, err := m.currentGrant(ctx)
	if err != nil {
		return err
	}
	var grantedScopes []string
	if granted != nil {
		grantedScopes = granted.Scopes
	}
	_, err = m.authorize(ctx, UnionScopes(grantedScopes, scopes))
	return err
}

// Status describes the current authorization state without triggering any
// provider interaction.
type Status struct {
	// Authenticated reports whether a token set is present.
	Authenticated bool `json:"authenticated"`
	// Email is the connected account, when known.
	Email string `json:"email,omitempty"`
	// Scopes is the granted scope set.
	Scopes []string `json:"scopes,omitempty"`
	// Expiry is the access token's hard expiry.
	Expiry time.Time `json:"expiry,omitempty"`
	// Renewable reports whether a refresh credential is held.
	Renewable bool `json:"renewable"`
}

// Status reports the stored authorization state.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	token, err := m.currentGrant(ctx)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return &Status{}, nil
	}
	return &Status{
		Authenticated: true,
		Email:         token.Email,
		Scopes:        token.Scopes,
		Expiry:        token.Expiry,
		Renewable:     token.Renewable(),
	}, nil
}

// Logout revokes the current credential at the provider (best effort) and
// removes it from cache and store.
func (m *Manager) Logout(ctx context.Context) error {
	token, err := m.currentGrant(ctx)
	if err != nil {
		return err
	}
	if token != nil {
		revokable := token.RefreshToken
		if revokable == "" {
			revokable = token.AccessToken
		}
		if revokable != "" {
			if errRevoke := m.client.RevokeToken(ctx, revokable); errRevoke != nil {
				log.Warnf("Token revocation failed, clearing local state anyway: %v", errRevoke)
			}
		}
	}
	m.cache.Invalidate()
	if err = m.store.Clear(ctx); err != nil {
		return WrapError(KindConfiguration, "failed to clear token store", err)
	}
	return nil
}

// Invalidate drops the in-memory cache so the next caller re-reads the
// store. Used when the store file changed underneath us.
func (m *Manager) Invalidate() {
	m.cache.Invalidate()
}

// ensureToken is the slow path of EnsureValidToken. It runs under the token
// flight, so at most one instance executes at a time.
func (m *Manager) ensureToken(ctx context.Context, scopes []string) (*TokenSet, error) {
	// Re-check the cache: a previous flight may have satisfied us while we
	// were waiting to start.
	if token, ok := m.cache.Get(); ok && ScopesSatisfied(token.Scopes, scopes) {
		return token, nil
	}

	stored, err := m.store.Load(ctx)
	if err != nil {
		return nil, WrapError(KindConfiguration, "token store unavailable", err)
	}

	now := time.Now()
	switch {
	case stored == nil:
		return m.authorize(ctx, UnionScopes(nil, scopes))

	case !ScopesSatisfied(stored.Scopes, scopes):
		return m.authorize(ctx, UnionScopes(stored.Scopes, scopes))

	case !stored.RefreshDue(now, m.cfg.RefreshLead):
		m.cache.Set(stored)
		return stored, nil

	case stored.Renewable():
		refreshed, errRefresh := m.refresh(ctx, stored)
		if errRefresh == nil {
			return refreshed, nil
		}
		if !IsKind(errRefresh, KindInvalidGrant) {
			return nil, errRefresh
		}
		// The refresh credential is dead. Purge it before starting over
		// so no waiting caller retries the same grant.
		log.Warn("Refresh token rejected with invalid_grant, starting interactive authorization")
		m.cache.Invalidate()
		if errClear := m.store.Clear(ctx); errClear != nil {
			return nil, WrapError(KindConfiguration, "failed to clear dead credentials", errClear)
		}
		return m.authorize(ctx, UnionScopes(stored.Scopes, scopes))

	default:
		// Expired with no refresh credential: interactive is the only way
		// forward.
		return m.authorize(ctx, UnionScopes(stored.Scopes, scopes))
	}
}

// refresh performs one refresh exchange and commits the replacement set.
func (m *Manager) refresh(ctx context.Context, current *TokenSet) (*TokenSet, error) {
	data, err := m.client.ExchangeRefresh(ctx, current.RefreshToken, current.Scopes)
	if err != nil {
		return nil, m.classify(err, "refresh exchange failed")
	}
	token := &TokenSet{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		TokenType:    data.TokenType,
		Expiry:       data.Expiry,
		// The grant only grows while the refresh credential lives.
		Scopes: UnionScopes(current.Scopes, data.Scopes),
		Email:  current.Email,
	}
	if err = m.commit(ctx, token); err != nil {
		return nil, err
	}
	log.Debugf("Access token refreshed, new expiry %s", token.Expiry.Format(time.RFC3339))
	return token, nil
}

// authorize runs the interactive flow under its own flight so concurrent
// interactive requests collapse into one consent prompt.
func (m *Manager) authorize(ctx context.Context, scopes []string) (*TokenSet, error) {
	return m.runShared(ctx, flightAuthorize, func(opCtx context.Context) (*TokenSet, error) {
		return m.interactiveFlow(opCtx, scopes)
	})
}

// interactiveFlow drives one complete authorization-code attempt: PKCE
// session, callback listener, browser, code exchange, persistence.
func (m *Manager) interactiveFlow(ctx context.Context, scopes []string) (*TokenSet, error) {
	session, err := google.NewPKCESession(m.cfg.ListenerTimeout)
	if err != nil {
		return nil, WrapError(KindConfiguration, "entropy source unavailable", err)
	}
	log.Debugf("Starting authorization attempt %s for scopes %v", session.ID, scopes)

	server := google.NewCallbackServer(m.cfg.CallbackPort, m.cfg.CallbackPath, session.State)
	if err = server.Start(); err != nil {
		return nil, WrapError(KindConfiguration, "callback listener could not bind", err)
	}
	defer func() {
		if errStop := server.Stop(context.Background()); errStop != nil {
			log.Warnf("Callback server shutdown failed: %v", errStop)
		}
	}()

	authURL := m.client.AuthCodeURL(session, scopes)
	m.launchBrowser(authURL)

	result, err := m.awaitCallback(server, session)
	if err != nil {
		switch {
		case errors.Is(err, google.ErrCallbackTimeout):
			return nil, NewError(KindTimeout, "no authorization callback arrived in time")
		case errors.Is(err, google.ErrStateMismatch):
			return nil, NewError(KindCsrfMismatch, "authorization callback state mismatch")
		default:
			return nil, WrapError(KindConfiguration, "callback listener failed", err)
		}
	}
	if result.Error != "" {
		if result.Error == "access_denied" {
			return nil, NewError(KindUserDenied, "the user declined consent")
		}
		return nil, NewError(KindTransport, fmt.Sprintf("authorization failed: %s %s", result.Error, result.ErrorDescription))
	}

	data, err := m.client.ExchangeCode(ctx, result.Code, session.CodeVerifier, scopes)
	if err != nil {
		return nil, m.classify(err, "code exchange failed")
	}

	token := &TokenSet{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		TokenType:    data.TokenType,
		Expiry:       data.Expiry,
		Scopes:       UnionScopes(data.Scopes, nil),
	}
	if email, errEmail := m.client.FetchUserEmail(ctx, token.AccessToken); errEmail == nil {
		token.Email = email
		fmt.Printf("Authenticated account: %s\n", email)
	} else {
		log.Debugf("Could not resolve account email: %v", errEmail)
	}

	if err = m.commit(ctx, token); err != nil {
		return nil, err
	}
	log.Debugf("Authorization attempt %s complete", session.ID)
	return token, nil
}

// awaitCallback waits on the listener and, when a manual prompt is
// configured, races it against a pasted callback URL for headless machines.
func (m *Manager) awaitCallback(server *google.CallbackServer, session *google.PKCESession) (*google.CallbackResult, error) {
	type outcome struct {
		result *google.CallbackResult
		err    error
	}
	listenerCh := make(chan outcome, 1)
	go func() {
		result, err := server.Await(m.cfg.ListenerTimeout)
		listenerCh <- outcome{result: result, err: err}
	}()

	if m.cfg.Prompt == nil {
		out := <-listenerCh
		return out.result, out.err
	}

	promptCh := make(chan outcome, 1)
	go func() {
		for {
			input, err := m.cfg.Prompt("Paste the callback URL (or press Enter to keep waiting): ")
			if err != nil {
				return
			}
			parsed, errParse := misc.ParseCallbackURL(input)
			if errParse != nil {
				fmt.Printf("Could not parse callback URL: %v\n", errParse)
				continue
			}
			if parsed == nil {
				continue
			}
			if parsed.Error == "" && parsed.State != session.State {
				promptCh <- outcome{err: google.ErrStateMismatch}
				return
			}
			promptCh <- outcome{result: &google.CallbackResult{
				Code:             parsed.Code,
				State:            parsed.State,
				Error:            parsed.Error,
				ErrorDescription: parsed.ErrorDescription,
			}}
			return
		}
	}()

	select {
	case out := <-listenerCh:
		return out.result, out.err
	case out := <-promptCh:
		return out.result, out.err
	}
}

// launchBrowser opens the consent URL, falling back to printed instructions
// when no browser is available.
func (m *Manager) launchBrowser(authURL string) {
	if m.cfg.NoBrowser {
		fmt.Printf("Open this URL in your browser to continue:\n\n%s\n\n", authURL)
		return
	}
	if err := m.openBrowser(authURL); err != nil {
		log.Warnf("Could not open browser automatically: %v", err)
		fmt.Printf("Open this URL in your browser to continue:\n\n%s\n\n", authURL)
		return
	}
	log.Debug("Browser opened for consent")
}

// commit atomically replaces the persisted and cached token set. The store
// write happens first so a caller can never observe a cached token that was
// not durably saved.
func (m *Manager) commit(ctx context.Context, token *TokenSet) error {
	if err := m.store.Save(ctx, token); err != nil {
		return WrapError(KindConfiguration, "failed to persist token set", err)
	}
	m.cache.Set(token)
	return nil
}

// currentGrant returns the freshest known token set without triggering any
// provider call: cache first regardless of staleness, then the store.
func (m *Manager) currentGrant(ctx context.Context) (*TokenSet, error) {
	if token, ok := m.cache.Peek(); ok {
		return token, nil
	}
	token, err := m.store.Load(ctx)
	if err != nil {
		return nil, WrapError(KindConfiguration, "token store unavailable", err)
	}
	return token, nil
}

// runShared funnels callers through a single in-flight operation per key.
// The operation itself runs detached from any one caller's context: a caller
// that cancels simply stops waiting, while the flight keeps serving everyone
// else.
func (m *Manager) runShared(ctx context.Context, key string, fn func(context.Context) (*TokenSet, error)) (*TokenSet, error) {
	opCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key, func() (interface{}, error) {
		return fn(opCtx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		token, ok := res.Val.(*TokenSet)
		if !ok || token == nil {
			return nil, NewError(KindMalformedResponse, "authorization produced no token set")
		}
		return token, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// classify maps provider-level exchange failures onto the caller-facing
// taxonomy.
func (m *Manager) classify(err error, message string) error {
	switch {
	case google.IsInvalidGrant(err):
		return WrapError(KindInvalidGrant, message, err)
	case google.IsAccessDenied(err):
		return WrapError(KindUserDenied, message, err)
	case google.IsOAuthCode(err, "invalid_client"),
		google.IsOAuthCode(err, "unauthorized_client"),
		google.IsOAuthCode(err, "redirect_uri_mismatch"),
		google.IsOAuthCode(err, "invalid_request"):
		return WrapError(KindConfiguration, message, err)
	case google.IsOAuthCode(err, "server_error"),
		google.IsOAuthCode(err, "temporarily_unavailable"):
		return WrapError(KindTransport, message, err)
	case errors.Is(err, google.ErrMalformedResponse):
		return WrapError(KindMalformedResponse, message, err)
	default:
		var oauthErr *google.OAuthError
		if errors.As(err, &oauthErr) {
			return WrapError(KindMalformedResponse, message, err)
		}
		return WrapError(KindTransport, message, err)
	}
}
