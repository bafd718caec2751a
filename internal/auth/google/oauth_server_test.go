package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"
)

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

func startServer(t *testing.T, state string) (*CallbackServer, string) {
	t.Helper()
	port := pickPort(t)
	server := NewCallbackServer(port, "/oauth2callback", state)
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop(context.Background()) })
	return server, fmt.Sprintf("http://127.0.0.1:%d/oauth2callback", port)
}

func get(t *testing.T, rawURL string, query url.Values) *http.Response {
	t.Helper()
	resp, err := http.Get(rawURL + "?" + query.Encode())
	if err != nil {
		t.Fatalf("GET %s: %v", rawURL, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestCallbackServerSuccess(t *testing.T) {
	t.Parallel()

	server, callbackURL := startServer(t, "expected-state")

	resp := get(t, callbackURL, url.Values{"code": {"auth-code"}, "state": {"expected-state"}})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "<html") {
		t.Error("success response is not an HTML page")
	}

	result, err := server.Await(time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if result.Code != "auth-code" || result.State != "expected-state" {
		t.Errorf("result = %+v", result)
	}
}

func TestCallbackServerStateMismatch(t *testing.T) {
	t.Parallel()

	server, callbackURL := startServer(t, "expected-state")

	get(t, callbackURL, url.Values{"code": {"stolen-code"}, "state": {"forged-state"}})

	_, err := server.Await(time.Second)
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("Await error = %v, want ErrStateMismatch", err)
	}
}

func TestCallbackServerProviderError(t *testing.T) {
	t.Parallel()

	server, callbackURL := startServer(t, "expected-state")

	get(t, callbackURL, url.Values{
		"error":             {"access_denied"},
		"error_description": {"The user denied the request"},
		"state":             {"expected-state"},
	})

	result, err := server.Await(time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if result.Error != "access_denied" {
		t.Errorf("result.Error = %q", result.Error)
	}
	if result.ErrorDescription != "The user denied the request" {
		t.Errorf("result.ErrorDescription = %q", result.ErrorDescription)
	}
}

func TestCallbackServerMissingCode(t *testing.T) {
	t.Parallel()

	server, callbackURL := startServer(t, "expected-state")

	get(t, callbackURL, url.Values{"state": {"expected-state"}})

	_, err := server.Await(time.Second)
	if err == nil {
		t.Fatal("Await must fail when the callback carries no code")
	}
	if errors.Is(err, ErrStateMismatch) || errors.Is(err, ErrCallbackTimeout) {
		t.Errorf("unexpected sentinel: %v", err)
	}
}

func TestCallbackServerTimeout(t *testing.T) {
	t.Parallel()

	server, _ := startServer(t, "expected-state")

	_, err := server.Await(100 * time.Millisecond)
	if !errors.Is(err, ErrCallbackTimeout) {
		t.Fatalf("Await error = %v, want ErrCallbackTimeout", err)
	}
}

func TestCallbackServerPortInUse(t *testing.T) {
	t.Parallel()

	port := pickPort(t)
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("occupy port: %v", err)
	}
	defer func() { _ = listener.Close() }()

	server := NewCallbackServer(port, "/oauth2callback", "state")
	err = server.Start()
	if !errors.Is(err, ErrPortInUse) {
		t.Fatalf("Start error = %v, want ErrPortInUse", err)
	}
}

func TestCallbackServerSingleUse(t *testing.T) {
	t.Parallel()

	server, callbackURL := startServer(t, "expected-state")

	get(t, callbackURL, url.Values{"code": {"first-code"}, "state": {"expected-state"}})
	get(t, callbackURL, url.Values{"code": {"second-code"}, "state": {"expected-state"}})

	result, err := server.Await(time.Second)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if result.Code != "first-code" {
		t.Errorf("result.Code = %q, want the first callback to win", result.Code)
	}
}

func TestCallbackServerRejectsNonGet(t *testing.T) {
	t.Parallel()

	_, callbackURL := startServer(t, "expected-state")

	resp, err := http.Post(callbackURL, "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestCallbackServerStopReleasesPort(t *testing.T) {
	t.Parallel()

	port := pickPort(t)
	server := NewCallbackServer(port, "/oauth2callback", "state")
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := server.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The port must be rebindable for the next attempt.
	replacement := NewCallbackServer(port, "/oauth2callback", "state")
	if err := replacement.Start(); err != nil {
		t.Fatalf("rebind after Stop: %v", err)
	}
	_ = replacement.Stop(context.Background())
}
