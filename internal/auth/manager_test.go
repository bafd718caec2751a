package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adiaconou/mcp-google-sub000/internal/auth/google"
)

// memStore is an in-memory Store for manager tests.
type memStore struct {
	mu     sync.Mutex
	token  *TokenSet
	saves  int
	clears int
	loadErr error
	saveErr error
}

func (s *memStore) Save(_ context.Context, token *TokenSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.token = token.Clone()
	s.saves++
	return nil
}

func (s *memStore) Load(_ context.Context) (*TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.token == nil {
		return nil, nil
	}
	return s.token.Clone(), nil
}

func (s *memStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = nil
	s.clears++
	return nil
}

func (s *memStore) snapshot() *TokenSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		return nil
	}
	return s.token.Clone()
}

// fakeClient is a scriptable ExchangeClient.
type fakeClient struct {
	redirectURL string
	email       string
	stateCh     chan string

	exchangeCode    func(ctx context.Context, code, verifier string, scopes []string) (*google.TokenData, error)
	exchangeRefresh func(ctx context.Context, refreshToken string, scopes []string) (*google.TokenData, error)

	codeCalls    int32
	refreshCalls int32

	mu         sync.Mutex
	authScopes [][]string
	revoked    []string
}

func (f *fakeClient) AuthCodeURL(session *google.PKCESession, scopes []string) string {
	f.mu.Lock()
	f.authScopes = append(f.authScopes, append([]string(nil), scopes...))
	f.mu.Unlock()
	if f.stateCh != nil {
		f.stateCh <- session.State
	}
	return fmt.Sprintf("https://accounts.example/o/oauth2/auth?state=%s&redirect_uri=%s",
		url.QueryEscape(session.State), url.QueryEscape(f.redirectURL))
}

func (f *fakeClient) ExchangeCode(ctx context.Context, code, verifier string, scopes []string) (*google.TokenData, error) {
	atomic.AddInt32(&f.codeCalls, 1)
	if f.exchangeCode != nil {
		return f.exchangeCode(ctx, code, verifier, scopes)
	}
	return &google.TokenData{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
		Scopes:       scopes,
	}, nil
}

func (f *fakeClient) ExchangeRefresh(ctx context.Context, refreshToken string, scopes []string) (*google.TokenData, error) {
	atomic.AddInt32(&f.refreshCalls, 1)
	if f.exchangeRefresh != nil {
		return f.exchangeRefresh(ctx, refreshToken, scopes)
	}
	return &google.TokenData{
		AccessToken:  "refreshed-access",
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
		Scopes:       scopes,
	}, nil
}

func (f *fakeClient) FetchUserEmail(_ context.Context, _ string) (string, error) {
	if f.email == "" {
		return "", errors.New("no userinfo")
	}
	return f.email, nil
}

func (f *fakeClient) RevokeToken(_ context.Context, token string) error {
	f.mu.Lock()
	f.revoked = append(f.revoked, token)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) lastAuthScopes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.authScopes) == 0 {
		return nil
	}
	return f.authScopes[len(f.authScopes)-1]
}

func pickPort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pickPort: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()
	return port
}

// newTestManager builds a Manager on a free callback port with the fake
// client installed and the browser opener neutered.
func newTestManager(t *testing.T, store Store, listenerTimeout time.Duration) (*Manager, *fakeClient) {
	t.Helper()
	port := pickPort(t)
	cfg := Config{
		ClientID:        "client-id",
		ClientSecret:    "client-secret",
		CallbackPort:    port,
		CallbackPath:    "/oauth2callback",
		ListenerTimeout: listenerTimeout,
		RefreshLead:     5 * time.Minute,
	}
	manager, err := NewManager(cfg, store)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	client := &fakeClient{redirectURL: cfg.RedirectURL()}
	manager.SetExchangeClient(client)
	manager.SetBrowserOpener(func(string) error { return nil })
	return manager, client
}

// completeCallback installs a browser opener that immediately drives the
// loopback redirect with the given query values. A nil override means the
// genuine state from the consent URL is echoed back.
func completeCallback(t *testing.T, manager *Manager, values func(state string) url.Values) {
	t.Helper()
	manager.SetBrowserOpener(func(authURL string) error {
		parsed, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		state := parsed.Query().Get("state")
		redirect := parsed.Query().Get("redirect_uri")
		query := values(state)
		go func() {
			resp, errGet := http.Get(redirect + "?" + query.Encode())
			if errGet == nil {
				_ = resp.Body.Close()
			}
		}()
		return nil
	})
}

func successCallback(t *testing.T, manager *Manager, code string) {
	completeCallback(t, manager, func(state string) url.Values {
		return url.Values{"code": {code}, "state": {state}}
	})
}

func freshToken(scopes ...string) *TokenSet {
	return &TokenSet{
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
		Scopes:       scopes,
	}
}

func TestEnsureValidTokenFromStore(t *testing.T) {
	t.Parallel()

	store := &memStore{token: freshToken("scope.a")}
	manager, client := newTestManager(t, store, time.Minute)

	access, err := manager.EnsureValidToken(context.Background(), []string{"scope.a"})
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if access != "stored-access" {
		t.Errorf("access = %q, want %q", access, "stored-access")
	}
	if n := atomic.LoadInt32(&client.refreshCalls); n != 0 {
		t.Errorf("refresh calls = %d, want 0", n)
	}
	if n := atomic.LoadInt32(&client.codeCalls); n != 0 {
		t.Errorf("code exchange calls = %d, want 0", n)
	}

	// Second call must be served from cache without touching the store.
	store.loadErr = errors.New("store must not be read")
	if _, err = manager.EnsureValidToken(context.Background(), []string{"scope.a"}); err != nil {
		t.Fatalf("cached EnsureValidToken: %v", err)
	}
}

func TestEnsureValidTokenRefreshAhead(t *testing.T) {
	t.Parallel()

	stored := freshToken("scope.a")
	stored.Expiry = time.Now().Add(time.Minute) // inside the 5m refresh lead
	store := &memStore{token: stored}
	manager, client := newTestManager(t, store, time.Minute)

	access, err := manager.EnsureValidToken(context.Background(), []string{"scope.a"})
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if access != "refreshed-access" {
		t.Errorf("access = %q, want refreshed token", access)
	}
	if n := atomic.LoadInt32(&client.refreshCalls); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
	persisted := store.snapshot()
	if persisted == nil || persisted.AccessToken != "refreshed-access" {
		t.Errorf("refreshed token was not persisted: %+v", persisted)
	}
	if persisted.RefreshToken != "stored-refresh" {
		t.Errorf("refresh token not carried forward: %q", persisted.RefreshToken)
	}
}

func TestEnsureValidTokenInvalidGrantFallsBackToInteractive(t *testing.T) {
	t.Parallel()

	stored := freshToken("scope.a")
	stored.Expiry = time.Now().Add(time.Minute)
	store := &memStore{token: stored}
	manager, client := newTestManager(t, store, 5*time.Second)
	client.exchangeRefresh = func(context.Context, string, []string) (*google.TokenData, error) {
		return nil, &google.OAuthError{Code: "invalid_grant", Description: "Token has been revoked"}
	}
	successCallback(t, manager, "fresh-code")

	access, err := manager.EnsureValidToken(context.Background(), []string{"scope.a"})
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if access != "access-fresh-code" {
		t.Errorf("access = %q, want token from interactive flow", access)
	}
	store.mu.Lock()
	clears := store.clears
	store.mu.Unlock()
	if clears != 1 {
		t.Errorf("store clears = %d, want 1 (dead credentials purged before interactive)", clears)
	}
	if n := atomic.LoadInt32(&client.codeCalls); n != 1 {
		t.Errorf("code exchange calls = %d, want 1", n)
	}
	// The replacement grant keeps the previously granted scopes.
	if got := client.lastAuthScopes(); !ScopesSatisfied(got, []string{"scope.a"}) {
		t.Errorf("interactive scopes = %v, want scope.a included", got)
	}
}

func TestEnsureValidTokenExpiredWithoutRefreshGoesInteractive(t *testing.T) {
	t.Parallel()

	stored := freshToken("scope.a")
	stored.Expiry = time.Now().Add(-time.Minute)
	stored.RefreshToken = ""
	store := &memStore{token: stored}
	manager, client := newTestManager(t, store, 5*time.Second)
	successCallback(t, manager, "relogin-code")

	access, err := manager.EnsureValidToken(context.Background(), []string{"scope.a"})
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if access != "access-relogin-code" {
		t.Errorf("access = %q, want token from interactive flow", access)
	}
	if n := atomic.LoadInt32(&client.refreshCalls); n != 0 {
		t.Errorf("refresh calls = %d, want 0 (no refresh credential)", n)
	}
	if n := atomic.LoadInt32(&client.codeCalls); n != 1 {
		t.Errorf("code exchange calls = %d, want 1", n)
	}
}

func TestEnsureValidTokenFreshInstall(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	manager, client := newTestManager(t, store, 5*time.Second)
	client.email = "user@example.com"
	successCallback(t, manager, "first-code")

	access, err := manager.EnsureValidToken(context.Background(), []string{"scope.a", "scope.b"})
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if access != "access-first-code" {
		t.Errorf("access = %q, want token from interactive flow", access)
	}
	persisted := store.snapshot()
	if persisted == nil {
		t.Fatal("token was not persisted")
	}
	if persisted.Email != "user@example.com" {
		t.Errorf("email = %q, want resolved account", persisted.Email)
	}
	if !ScopesSatisfied(persisted.Scopes, []string{"scope.a", "scope.b"}) {
		t.Errorf("persisted scopes = %v", persisted.Scopes)
	}
}

func TestEnsureValidTokenSingleFlight(t *testing.T) {
	t.Parallel()

	stored := freshToken("scope.a")
	stored.Expiry = time.Now().Add(time.Minute)
	store := &memStore{token: stored}
	manager, client := newTestManager(t, store, time.Minute)
	client.exchangeRefresh = func(_ context.Context, refreshToken string, scopes []string) (*google.TokenData, error) {
		time.Sleep(50 * time.Millisecond)
		return &google.TokenData{
			AccessToken:  "refreshed-access",
			RefreshToken: refreshToken,
			TokenType:    "Bearer",
			Expiry:       time.Now().Add(time.Hour),
			Scopes:       scopes,
		}, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = manager.EnsureValidToken(context.Background(), []string{"scope.a"})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != "refreshed-access" {
			t.Errorf("caller %d got %q", i, results[i])
		}
	}
	if n := atomic.LoadInt32(&client.refreshCalls); n != 1 {
		t.Errorf("refresh calls = %d, want 1 shared flight", n)
	}
}

func TestEnsureValidTokenCancelledCallerDoesNotAbortFlight(t *testing.T) {
	t.Parallel()

	stored := freshToken("scope.a")
	stored.Expiry = time.Now().Add(time.Minute)
	store := &memStore{token: stored}
	manager, client := newTestManager(t, store, time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	client.exchangeRefresh = func(ctx context.Context, refreshToken string, scopes []string) (*google.TokenData, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &google.TokenData{
			AccessToken:  "refreshed-access",
			RefreshToken: refreshToken,
			TokenType:    "Bearer",
			Expiry:       time.Now().Add(time.Hour),
			Scopes:       scopes,
		}, nil
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancelledErr := make(chan error, 1)
	go func() {
		_, err := manager.EnsureValidToken(cancelCtx, []string{"scope.a"})
		cancelledErr <- err
	}()

	<-started
	cancel()
	if err := <-cancelledErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller error = %v, want context.Canceled", err)
	}

	// The flight keeps running for everyone else.
	close(release)
	access, err := manager.EnsureValidToken(context.Background(), []string{"scope.a"})
	if err != nil {
		t.Fatalf("surviving caller: %v", err)
	}
	if access != "refreshed-access" {
		t.Errorf("surviving caller got %q", access)
	}
}

func TestEnsureScopes(t *testing.T) {
	t.Parallel()

	t.Run("noop when already granted", func(t *testing.T) {
		t.Parallel()
		store := &memStore{token: freshToken("scope.a", "scope.b")}
		manager, client := newTestManager(t, store, time.Minute)
		if err := manager.EnsureScopes(context.Background(), []string{"scope.a"}); err != nil {
			t.Fatalf("EnsureScopes: %v", err)
		}
		if n := atomic.LoadInt32(&client.codeCalls); n != 0 {
			t.Errorf("code exchange calls = %d, want 0", n)
		}
	})

	t.Run("requests the union of granted and new", func(t *testing.T) {
		t.Parallel()
		store := &memStore{token: freshToken("scope.a")}
		manager, client := newTestManager(t, store, 5*time.Second)
		successCallback(t, manager, "widen-code")
		if err := manager.EnsureScopes(context.Background(), []string{"scope.b"}); err != nil {
			t.Fatalf("EnsureScopes: %v", err)
		}
		got := client.lastAuthScopes()
		want := []string{"scope.a", "scope.b"}
		if !ScopesSatisfied(got, want) || !ScopesSatisfied(want, got) {
			t.Errorf("authorization scopes = %v, want %v", got, want)
		}
	})
}

func TestAuthenticateForcesInteractive(t *testing.T) {
	t.Parallel()

	store := &memStore{token: freshToken("scope.a")}
	manager, client := newTestManager(t, store, 5*time.Second)
	successCallback(t, manager, "forced-code")

	if err := manager.Authenticate(context.Background(), []string{"scope.a"}); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if n := atomic.LoadInt32(&client.codeCalls); n != 1 {
		t.Errorf("code exchange calls = %d, want 1 even with a valid stored token", n)
	}
}

func TestInteractiveUserDenied(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	manager, _ := newTestManager(t, store, 5*time.Second)
	completeCallback(t, manager, func(state string) url.Values {
		return url.Values{"error": {"access_denied"}, "state": {state}}
	})

	_, err := manager.EnsureValidToken(context.Background(), nil)
	if !IsKind(err, KindUserDenied) {
		t.Fatalf("error = %v, want user denied", err)
	}
	if store.snapshot() != nil {
		t.Error("nothing should be persisted after a denial")
	}
}

func TestInteractiveStateMismatch(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	manager, client := newTestManager(t, store, 5*time.Second)
	completeCallback(t, manager, func(string) url.Values {
		return url.Values{"code": {"stolen-code"}, "state": {"forged-state"}}
	})

	_, err := manager.EnsureValidToken(context.Background(), nil)
	if !IsKind(err, KindCsrfMismatch) {
		t.Fatalf("error = %v, want CSRF mismatch", err)
	}
	if n := atomic.LoadInt32(&client.codeCalls); n != 0 {
		t.Errorf("code exchange calls = %d, want 0 (forged code must not be exchanged)", n)
	}
}

func TestInteractiveTimeout(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	manager, _ := newTestManager(t, store, 200*time.Millisecond)
	// Browser opener does nothing; the callback never arrives.

	_, err := manager.EnsureValidToken(context.Background(), nil)
	if !IsKind(err, KindTimeout) {
		t.Fatalf("error = %v, want timeout", err)
	}
}

func TestLogout(t *testing.T) {
	t.Parallel()

	store := &memStore{token: freshToken("scope.a")}
	manager, client := newTestManager(t, store, time.Minute)

	if err := manager.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	client.mu.Lock()
	revoked := append([]string(nil), client.revoked...)
	client.mu.Unlock()
	if len(revoked) != 1 || revoked[0] != "stored-refresh" {
		t.Errorf("revoked = %v, want the refresh token", revoked)
	}
	if store.snapshot() != nil {
		t.Error("store should be empty after logout")
	}
	status, err := manager.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Authenticated {
		t.Error("status still authenticated after logout")
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	stored := freshToken("scope.a")
	stored.Email = "user@example.com"
	store := &memStore{token: stored}
	manager, _ := newTestManager(t, store, time.Minute)

	status, err := manager.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Authenticated {
		t.Fatal("want authenticated")
	}
	if status.Email != "user@example.com" {
		t.Errorf("email = %q", status.Email)
	}
	if !status.Renewable {
		t.Error("want renewable with a refresh token present")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	manager, _ := newTestManager(t, &memStore{}, time.Minute)

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"invalid_grant", &google.OAuthError{Code: "invalid_grant"}, KindInvalidGrant},
		{"access_denied", &google.OAuthError{Code: "access_denied"}, KindUserDenied},
		{"invalid_client", &google.OAuthError{Code: "invalid_client"}, KindConfiguration},
		{"redirect_uri_mismatch", &google.OAuthError{Code: "redirect_uri_mismatch"}, KindConfiguration},
		{"server_error", &google.OAuthError{Code: "server_error"}, KindTransport},
		{"malformed response", fmt.Errorf("status 200: %w", google.ErrMalformedResponse), KindMalformedResponse},
		{"unknown oauth code", &google.OAuthError{Code: "something_new"}, KindMalformedResponse},
		{"plain transport failure", errors.New("connection refused"), KindTransport},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := manager.classify(tt.err, "test")
			if !IsKind(got, tt.want) {
				t.Errorf("classify(%v) kind = %v, want %v", tt.err, KindOf(got), tt.want)
			}
		})
	}
}

func TestManualPromptCallback(t *testing.T) {
	t.Parallel()

	port := pickPort(t)
	cfg := Config{
		ClientID:        "client-id",
		ClientSecret:    "client-secret",
		CallbackPort:    port,
		CallbackPath:    "/oauth2callback",
		ListenerTimeout: 5 * time.Second,
		RefreshLead:     5 * time.Minute,
		NoBrowser:       true,
	}
	stateCh := make(chan string, 1)
	cfg.Prompt = func(string) (string, error) {
		state := <-stateCh
		return fmt.Sprintf("http://127.0.0.1:%d/oauth2callback?code=pasted-code&state=%s", port, state), nil
	}
	store := &memStore{}
	manager, err := NewManager(cfg, store)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	client := &fakeClient{redirectURL: cfg.RedirectURL(), stateCh: stateCh}
	manager.SetExchangeClient(client)

	access, err := manager.EnsureValidToken(context.Background(), []string{"scope.a"})
	if err != nil {
		t.Fatalf("EnsureValidToken: %v", err)
	}
	if access != "access-pasted-code" {
		t.Errorf("access = %q, want token exchanged from pasted code", access)
	}
}
