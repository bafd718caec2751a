// Package api exposes a small local management surface over the auth
// manager: inspect credential status, force a login or refresh, and log out.
// It binds to loopback only; it is not an outward-facing API.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/adiaconou/mcp-google-sub000/internal/auth"
	"github.com/adiaconou/mcp-google-sub000/internal/logging"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownGrace     = 5 * time.Second
)

// Server serves the management endpoints on a loopback port.
type Server struct {
	manager *auth.Manager
	port    int

	mu      sync.Mutex
	httpSrv *http.Server
}

// NewServer creates a management server bound to the given loopback port.
func NewServer(manager *auth.Manager, port int) *Server {
	return &Server{manager: manager, port: port}
}

// Start binds the listener and begins serving in a background goroutine.
// A bind failure is returned synchronously.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv != nil {
		return errors.New("management server already started")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", s.port)
	listener, errListen := net.Listen("tcp", addr)
	if errListen != nil {
		return fmt.Errorf("failed to bind management port %d: %w", s.port, errListen)
	}

	engine := s.buildEngine()
	s.httpSrv = &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		log.Infof("management API listening on %s", addr)
		if errServe := s.httpSrv.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			log.Errorf("management server error: %v", errServe)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) buildEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())

	v1 := engine.Group("/v1")
	{
		v1.GET("/auth/status", s.getStatus)
		v1.POST("/auth/login", s.postLogin)
		v1.POST("/auth/refresh", s.postRefresh)
		v1.DELETE("/auth", s.deleteAuth)
	}
	return engine
}

type loginRequest struct {
	Scopes []string `json:"scopes"`
}

func (s *Server) getStatus(c *gin.Context) {
	status, errStatus := s.manager.Status(c.Request.Context())
	if errStatus != nil {
		writeAuthError(c, errStatus)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"authenticated": status.Authenticated,
		"email":         status.Email,
		"scopes":        status.Scopes,
		"expiry":        formatExpiry(status.Expiry),
		"renewable":     status.Renewable,
	})
}

func (s *Server) postLogin(c *gin.Context) {
	// A bodyless POST means "use the configured scopes".
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "invalid request body"})
		return
	}
	if errAuth := s.manager.Authenticate(c.Request.Context(), req.Scopes); errAuth != nil {
		writeAuthError(c, errAuth)
		return
	}
	status, errStatus := s.manager.Status(c.Request.Context())
	if errStatus != nil {
		writeAuthError(c, errStatus)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"email":  status.Email,
		"scopes": status.Scopes,
		"expiry": formatExpiry(status.Expiry),
	})
}

func (s *Server) postRefresh(c *gin.Context) {
	s.manager.Invalidate()
	if _, errToken := s.manager.EnsureValidToken(c.Request.Context(), nil); errToken != nil {
		writeAuthError(c, errToken)
		return
	}
	status, errStatus := s.manager.Status(c.Request.Context())
	if errStatus != nil {
		writeAuthError(c, errStatus)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"expiry": formatExpiry(status.Expiry),
	})
}

func (s *Server) deleteAuth(c *gin.Context) {
	if errLogout := s.manager.Logout(c.Request.Context()); errLogout != nil {
		writeAuthError(c, errLogout)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func writeAuthError(c *gin.Context, err error) {
	kind := auth.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case auth.KindConfiguration:
		status = http.StatusPreconditionFailed
	case auth.KindUserDenied:
		status = http.StatusForbidden
	case auth.KindCsrfMismatch:
		status = http.StatusConflict
	case auth.KindTimeout:
		status = http.StatusGatewayTimeout
	case auth.KindInvalidGrant:
		status = http.StatusUnauthorized
	case auth.KindTransport, auth.KindMalformedResponse:
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"status": "error", "kind": kind.String(), "error": err.Error()})
}

func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
