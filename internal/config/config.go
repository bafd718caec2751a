// Package config provides configuration management for the auth service.
// It handles loading and parsing the YAML configuration file and provides
// structured access to application settings: OAuth client registration,
// callback listener parameters, token store location and encryption, and the
// local management server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted when the corresponding YAML fields are
// left empty, so secrets can stay out of the config file.
const (
	EnvClientID         = "GOOGLE_OAUTH_CLIENT_ID"
	EnvClientSecret     = "GOOGLE_OAUTH_CLIENT_SECRET"
	EnvEncryptionSecret = "TOKEN_ENCRYPTION_SECRET"
	EnvPostgresDSN      = "TOKEN_STORE_POSTGRES_DSN"
)

// Config represents the application's configuration, loaded once at startup
// from a YAML file and immutable for the process lifetime.
type Config struct {
	// Auth configures the OAuth client and the interactive flow.
	Auth AuthConfig `yaml:"auth"`

	// Store configures token persistence.
	Store StoreConfig `yaml:"store"`

	// Server configures the local management API.
	Server ServerConfig `yaml:"server"`

	// Debug enables verbose logging output.
	Debug bool `yaml:"debug"`

	// LoggingToFile switches log output to a rotating file instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file"`
}

// AuthConfig configures the OAuth client registration and flow parameters.
type AuthConfig struct {
	// ClientID is the OAuth client identifier registered with Google.
	ClientID string `yaml:"client-id"`

	// ClientSecret is the OAuth client secret. Prefer supplying it through
	// the environment.
	ClientSecret string `yaml:"client-secret"`

	// CallbackPort is the local port for the single-use callback listener.
	CallbackPort int `yaml:"callback-port"`

	// CallbackPath is the path component of the registered redirect URI.
	CallbackPath string `yaml:"callback-path"`

	// ListenerTimeoutSeconds bounds how long one interactive attempt waits
	// for the browser redirect.
	ListenerTimeoutSeconds int `yaml:"listener-timeout-seconds"`

	// RefreshLeadSeconds is how long before expiry a token is considered
	// due for refresh.
	RefreshLeadSeconds int `yaml:"refresh-lead-seconds"`

	// Scopes is the default scope set requested at login.
	Scopes []string `yaml:"scopes"`
}

// StoreConfig configures token persistence.
type StoreConfig struct {
	// TokenFile is the encrypted token store path. Defaults to
	// ~/.mcp-google/token.bin.
	TokenFile string `yaml:"token-file"`

	// EncryptionSecret keys the at-rest encryption. Prefer supplying it
	// through the environment.
	EncryptionSecret string `yaml:"encryption-secret"`

	// PostgresDSN, when set, stores the encrypted blob in Postgres instead
	// of the local file.
	PostgresDSN string `yaml:"postgres-dsn"`

	// PostgresTable overrides the backing table name.
	PostgresTable string `yaml:"postgres-table"`
}

// ServerConfig configures the local management API.
type ServerConfig struct {
	// Port is the management listen port. 0 disables the server.
	Port int `yaml:"port"`
}

// LoadConfig reads and parses the YAML file at configFile, applies
// environment overrides and defaults, and validates the result.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", configFile, err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", configFile, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigOptional behaves like LoadConfig but tolerates a missing file,
// returning an environment-and-defaults-only configuration instead.
func LoadConfigOptional(configFile string) (*Config, error) {
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		var cfg Config
		cfg.applyEnv()
		cfg.applyDefaults()
		if errValidate := cfg.Validate(); errValidate != nil {
			return nil, errValidate
		}
		return &cfg, nil
	}
	return LoadConfig(configFile)
}

func (c *Config) applyEnv() {
	if c.Auth.ClientID == "" {
		c.Auth.ClientID = os.Getenv(EnvClientID)
	}
	if c.Auth.ClientSecret == "" {
		c.Auth.ClientSecret = os.Getenv(EnvClientSecret)
	}
	if c.Store.EncryptionSecret == "" {
		c.Store.EncryptionSecret = os.Getenv(EnvEncryptionSecret)
	}
	if c.Store.PostgresDSN == "" {
		c.Store.PostgresDSN = os.Getenv(EnvPostgresDSN)
	}
}

func (c *Config) applyDefaults() {
	if c.Auth.CallbackPort == 0 {
		c.Auth.CallbackPort = 8085
	}
	if c.Auth.CallbackPath == "" {
		c.Auth.CallbackPath = "/oauth2callback"
	}
	if c.Auth.ListenerTimeoutSeconds == 0 {
		c.Auth.ListenerTimeoutSeconds = 300
	}
	if c.Auth.RefreshLeadSeconds == 0 {
		c.Auth.RefreshLeadSeconds = 300
	}
	if c.Store.TokenFile == "" {
		c.Store.TokenFile = defaultTokenFile()
	}
}

// Validate checks bounds on everything the defaults cannot fix. Missing
// client credentials are reported here rather than deep inside the first
// authorization attempt.
func (c *Config) Validate() error {
	if c.Auth.ClientID == "" {
		return fmt.Errorf("config: auth.client-id is required (or set %s)", EnvClientID)
	}
	if c.Auth.ClientSecret == "" {
		return fmt.Errorf("config: auth.client-secret is required (or set %s)", EnvClientSecret)
	}
	if c.Store.EncryptionSecret == "" {
		return fmt.Errorf("config: store.encryption-secret is required (or set %s)", EnvEncryptionSecret)
	}
	if c.Auth.CallbackPort < 1 || c.Auth.CallbackPort > 65535 {
		return fmt.Errorf("config: auth.callback-port %d is out of range", c.Auth.CallbackPort)
	}
	if c.Auth.ListenerTimeoutSeconds < 1 {
		return fmt.Errorf("config: auth.listener-timeout-seconds must be positive")
	}
	if c.Auth.RefreshLeadSeconds < 0 {
		return fmt.Errorf("config: auth.refresh-lead-seconds must not be negative")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d is out of range", c.Server.Port)
	}
	return nil
}

// ListenerTimeout returns the listener bound as a duration.
func (c *Config) ListenerTimeout() time.Duration {
	return time.Duration(c.Auth.ListenerTimeoutSeconds) * time.Second
}

// RefreshLead returns the refresh-ahead threshold as a duration.
func (c *Config) RefreshLead() time.Duration {
	return time.Duration(c.Auth.RefreshLeadSeconds) * time.Second
}

func defaultTokenFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".mcp-google", "token.bin")
	}
	return filepath.Join(home, ".mcp-google", "token.bin")
}
