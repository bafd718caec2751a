package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// CallbackServer is the single-use local HTTP listener that captures the
// redirect from Google's consent screen. One instance serves exactly one
// authorization attempt and is never reused, which keeps a stale attempt from
// injecting a code into a newer one.
type CallbackServer struct {
	// server is the underlying HTTP server instance.
	server *http.Server
	// port is the local port the server listens on.
	port int
	// path is the callback path registered with the provider.
	path string
	// expectedState is the CSRF state value of the owning attempt.
	expectedState string
	// resultChan delivers the captured callback to Await.
	resultChan chan *CallbackResult
	// errorChan delivers terminal listener failures to Await.
	errorChan chan error
	// mu protects server lifecycle state.
	mu sync.Mutex
	// running indicates whether the server currently owns the port.
	running bool
}

// CallbackResult is the outcome of one captured redirect.
type CallbackResult struct {
	// Code is the authorization code, on consent.
	Code string
	// State is the echoed state parameter.
	State string
	// Error is the OAuth error code when the user denied or the provider
	// reported a failure.
	Error string
	// ErrorDescription is the provider's detail for Error, if any.
	ErrorDescription string
}

// NewCallbackServer creates a callback server for one attempt. expectedState
// is validated against every inbound request before any code is accepted.
func NewCallbackServer(port int, path, expectedState string) *CallbackServer {
	if path == "" || !strings.HasPrefix(path, "/") {
		path = "/oauth2callback"
	}
	return &CallbackServer{
		port:          port,
		path:          path,
		expectedState: expectedState,
		resultChan:    make(chan *CallbackResult, 1),
		errorChan:     make(chan error, 1),
	}
}

// Start binds the loopback port and begins serving. A port that is already in
// use fails fast with ErrPortInUse rather than queuing behind whatever owns
// it; that is a configuration problem the caller must surface.
func (s *CallbackServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("callback server is already running")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("%w: port %d: %v", ErrPortInUse, s.port, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleCallback)

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	s.server = server
	s.running = true

	go func() {
		if errServe := server.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			s.sendError(fmt.Errorf("callback server failed: %w", errServe))
		}
	}()

	log.Debugf("Callback server listening on 127.0.0.1:%d%s", s.port, s.path)
	return nil
}

// Stop unbinds the port. The shutdown grace period is bounded so a browser
// still rendering the confirmation page cannot hold the port open.
func (s *CallbackServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	log.Debug("Stopping callback server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)
	s.running = false
	s.server = nil
	return err
}

// Await blocks until the redirect arrives, the listener fails, or the timeout
// elapses. The timeout is enforced here independently of any caller context;
// after ErrCallbackTimeout the attempt must be restarted with a fresh session
// and state.
func (s *CallbackServer) Await(timeout time.Duration) (*CallbackResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-s.resultChan:
		return result, nil
	case err := <-s.errorChan:
		return nil, err
	case <-timer.C:
		return nil, ErrCallbackTimeout
	}
}

// handleCallback validates and captures one redirect. Whatever the outcome, a
// response page is served so the user is not left staring at a broken tab.
func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	log.Debug("Received authorization callback")

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	code := query.Get("code")
	state := query.Get("state")
	errorParam := query.Get("error")

	if errorParam != "" {
		log.Warnf("Authorization callback reported error: %s", errorParam)
		s.serveFailurePage(w, "The authorization request was not completed.")
		s.sendResult(&CallbackResult{
			Error:            errorParam,
			ErrorDescription: query.Get("error_description"),
		})
		return
	}

	if state != s.expectedState {
		// Possible interception or a leftover redirect from an older
		// attempt. The code is never forwarded.
		log.Error("Authorization callback state mismatch, rejecting code")
		s.serveFailurePage(w, "The authorization response did not match the pending request.")
		s.sendError(ErrStateMismatch)
		return
	}

	if code == "" {
		log.Error("Authorization callback carried no code")
		s.serveFailurePage(w, "The authorization response carried no code.")
		s.sendError(fmt.Errorf("authorization callback carried no code"))
		return
	}

	s.serveSuccessPage(w)
	s.sendResult(&CallbackResult{Code: code, State: state})
}

func (s *CallbackServer) serveSuccessPage(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(loginSuccessHTML)); err != nil {
		log.Errorf("Failed to write success page: %v", err)
	}
}

func (s *CallbackServer) serveFailurePage(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	page := strings.Replace(loginFailureHTML, "{{REASON}}", reason, 1)
	if _, err := w.Write([]byte(page)); err != nil {
		log.Errorf("Failed to write failure page: %v", err)
	}
}

// sendResult delivers the first terminal result without blocking the handler.
// Later callbacks against the same attempt are dropped; the server is
// single-use.
func (s *CallbackServer) sendResult(result *CallbackResult) {
	select {
	case s.resultChan <- result:
	default:
		log.Warn("Callback already captured for this attempt, dropping result")
	}
}

func (s *CallbackServer) sendError(err error) {
	select {
	case s.errorChan <- err:
	default:
		log.Warnf("Callback already captured for this attempt, dropping error: %v", err)
	}
}
