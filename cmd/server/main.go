// Package main provides the entry point for the Google MCP auth server.
// It manages the OAuth credential for a local agent that calls Google APIs
// on the user's behalf: interactive login, background refresh, and a small
// loopback management API.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/adiaconou/mcp-google-sub000/internal/api"
	"github.com/adiaconou/mcp-google-sub000/internal/auth"
	"github.com/adiaconou/mcp-google-sub000/internal/config"
	"github.com/adiaconou/mcp-google-sub000/internal/logging"
	"github.com/adiaconou/mcp-google-sub000/internal/watcher"
)

var (
	Version           = "dev"
	Commit            = "none"
	BuildDate         = "unknown"
	DefaultConfigPath = ""
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
}

func main() {
	var login bool
	var logout bool
	var status bool
	var noBrowser bool
	var callbackPort int
	var scopesFlag string
	var configPath string

	flag.BoolVar(&login, "login", false, "Run the interactive Google login and exit")
	flag.BoolVar(&logout, "logout", false, "Revoke and remove the stored credential, then exit")
	flag.BoolVar(&status, "status", false, "Print the stored credential state and exit")
	flag.BoolVar(&noBrowser, "no-browser", false, "Don't open a browser automatically for OAuth")
	flag.IntVar(&callbackPort, "callback-port", 0, "Override the OAuth callback port")
	flag.StringVar(&scopesFlag, "scopes", "", "Comma-separated scopes to request at login")
	flag.StringVar(&configPath, "config", DefaultConfigPath, "Configure file path")
	flag.Parse()

	fmt.Printf("mcp-google Version: %s, Commit: %s, BuiltAt: %s\n", Version, Commit, BuildDate)

	// Load environment variables from .env if present.
	if wd, errWd := os.Getwd(); errWd == nil {
		if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
			if !errors.Is(errLoad, os.ErrNotExist) {
				log.WithError(errLoad).Warn("failed to load .env file")
			}
		}
	}

	cfg, errCfg := config.LoadConfigOptional(configPath)
	if errCfg != nil {
		log.Fatalf("failed to load configuration: %v", errCfg)
	}
	if callbackPort > 0 {
		cfg.Auth.CallbackPort = callbackPort
	}
	if errValidate := cfg.Validate(); errValidate != nil {
		log.Fatalf("invalid configuration: %v", errValidate)
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if errLog := logging.ConfigureLogOutput(cfg.LoggingToFile, "logs"); errLog != nil {
		log.Warnf("failed to configure log output: %v", errLog)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager, store, errManager := buildManager(ctx, cfg, noBrowser)
	if errManager != nil {
		log.Fatalf("failed to initialize auth manager: %v", errManager)
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer func() { _ = closer.Close() }()
	}

	scopes := cfg.Auth.Scopes
	if scopesFlag != "" {
		scopes = splitScopes(scopesFlag)
	}

	switch {
	case login:
		runLogin(ctx, manager, scopes)
		return
	case logout:
		runLogout(ctx, manager)
		return
	case status:
		runStatus(ctx, manager)
		return
	}

	runServer(ctx, cfg, manager, store)
}

// buildManager wires the token store and the auth manager from configuration.
func buildManager(ctx context.Context, cfg *config.Config, noBrowser bool) (*auth.Manager, auth.Store, error) {
	var store auth.Store
	if cfg.Store.PostgresDSN != "" {
		pgStore, errStore := auth.NewPostgresTokenStore(ctx, cfg.Store.PostgresDSN, cfg.Store.PostgresTable, cfg.Store.EncryptionSecret)
		if errStore != nil {
			return nil, nil, errStore
		}
		store = pgStore
		log.Info("token persistence: postgres")
	} else {
		fileStore, errStore := auth.NewFileTokenStore(cfg.Store.TokenFile, cfg.Store.EncryptionSecret)
		if errStore != nil {
			return nil, nil, errStore
		}
		store = fileStore
		log.Debugf("token persistence: file %s", cfg.Store.TokenFile)
	}

	manager, errManager := auth.NewManager(auth.Config{
		ClientID:        cfg.Auth.ClientID,
		ClientSecret:    cfg.Auth.ClientSecret,
		CallbackPort:    cfg.Auth.CallbackPort,
		CallbackPath:    cfg.Auth.CallbackPath,
		ListenerTimeout: cfg.ListenerTimeout(),
		RefreshLead:     cfg.RefreshLead(),
		NoBrowser:       noBrowser,
		Prompt:          promptStdin,
	}, store)
	if errManager != nil {
		return nil, nil, errManager
	}
	return manager, store, nil
}

func runLogin(ctx context.Context, manager *auth.Manager, scopes []string) {
	if errAuth := manager.Authenticate(ctx, scopes); errAuth != nil {
		log.Fatalf("login failed: %v", errAuth)
	}
	st, errStatus := manager.Status(ctx)
	if errStatus != nil {
		log.Fatalf("login succeeded but status read failed: %v", errStatus)
	}
	fmt.Printf("Logged in as %s\n", st.Email)
	fmt.Printf("Granted scopes: %s\n", strings.Join(st.Scopes, " "))
}

func runLogout(ctx context.Context, manager *auth.Manager) {
	if errLogout := manager.Logout(ctx); errLogout != nil {
		log.Fatalf("logout failed: %v", errLogout)
	}
	fmt.Println("Logged out")
}

func runStatus(ctx context.Context, manager *auth.Manager) {
	st, errStatus := manager.Status(ctx)
	if errStatus != nil {
		log.Fatalf("failed to read credential state: %v", errStatus)
	}
	if !st.Authenticated {
		fmt.Println("Not authenticated")
		return
	}
	fmt.Printf("Authenticated: %s\n", st.Email)
	fmt.Printf("Scopes: %s\n", strings.Join(st.Scopes, " "))
	if !st.Expiry.IsZero() {
		fmt.Printf("Access token expires: %s\n", st.Expiry.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("Renewable: %v\n", st.Renewable)
}

// runServer keeps the process resident: it watches the token file for
// external changes and serves the loopback management API until a signal.
func runServer(ctx context.Context, cfg *config.Config, manager *auth.Manager, store auth.Store) {
	if fileStore, ok := store.(*auth.FileTokenStore); ok {
		fileWatcher, errWatch := watcher.NewWatcher(fileStore.Path(), manager.Invalidate)
		if errWatch != nil {
			log.Warnf("token file watching disabled: %v", errWatch)
		} else if errStart := fileWatcher.Start(ctx); errStart != nil {
			log.Warnf("token file watching disabled: %v", errStart)
		} else {
			defer func() { _ = fileWatcher.Stop() }()
		}
	}

	if cfg.Server.Port > 0 {
		server := api.NewServer(manager, cfg.Server.Port)
		if errStart := server.Start(ctx); errStart != nil {
			log.Fatalf("failed to start management server: %v", errStart)
		}
		defer func() { _ = server.Stop(context.Background()) }()
	} else {
		log.Info("management server disabled (server.port is 0)")
	}

	<-ctx.Done()
	log.Info("shutting down")
}

// promptStdin reads one line from stdin, for headless logins where the user
// pastes the callback URL by hand.
func promptStdin(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, errRead := reader.ReadString('\n')
	if errRead != nil {
		return "", errRead
	}
	return strings.TrimSpace(line), nil
}

func splitScopes(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
