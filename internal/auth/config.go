package auth

import (
	"fmt"
	"strings"
	"time"
)

// Defaults and bounds for the authorization configuration.
const (
	DefaultCallbackPort    = 8085
	DefaultCallbackPath    = "/oauth2callback"
	DefaultListenerTimeout = 5 * time.Minute
	DefaultRefreshLead     = 5 * time.Minute
)

// Config is the immutable authorization configuration, supplied once at
// process start and owned by the Manager for the process lifetime.
type Config struct {
	// ClientID is the OAuth client identifier registered with Google.
	ClientID string

	// ClientSecret is the OAuth client secret.
	ClientSecret string

	// CallbackPort is the local port the single-use callback listener binds.
	CallbackPort int

	// CallbackPath is the path component of the redirect URI.
	CallbackPath string

	// ListenerTimeout bounds how long one interactive attempt waits for the
	// browser redirect.
	ListenerTimeout time.Duration

	// RefreshLead is how long before expiry a token is considered due for
	// refresh.
	RefreshLead time.Duration

	// NoBrowser suppresses automatic browser launching; the consent URL is
	// printed instead.
	NoBrowser bool

	// Prompt, when set, lets a headless user paste the callback URL by hand
	// while the listener keeps waiting.
	Prompt func(prompt string) (string, error)
}

// ApplyDefaults fills unset fields with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.CallbackPort == 0 {
		c.CallbackPort = DefaultCallbackPort
	}
	if c.CallbackPath == "" {
		c.CallbackPath = DefaultCallbackPath
	}
	if c.ListenerTimeout == 0 {
		c.ListenerTimeout = DefaultListenerTimeout
	}
	if c.RefreshLead == 0 {
		c.RefreshLead = DefaultRefreshLead
	}
}

// Validate checks the configuration against its bounds. Failures are
// configuration errors; nothing here is retryable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return NewError(KindConfiguration, "client id is required")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		return NewError(KindConfiguration, "client secret is required")
	}
	if c.CallbackPort < 1 || c.CallbackPort > 65535 {
		return NewError(KindConfiguration, fmt.Sprintf("callback port %d is out of range", c.CallbackPort))
	}
	if !strings.HasPrefix(c.CallbackPath, "/") {
		return NewError(KindConfiguration, fmt.Sprintf("callback path %q must start with /", c.CallbackPath))
	}
	if c.ListenerTimeout <= 0 {
		return NewError(KindConfiguration, "listener timeout must be positive")
	}
	if c.RefreshLead < 0 {
		return NewError(KindConfiguration, "refresh lead must not be negative")
	}
	return nil
}

// RedirectURL is the loopback redirect URI derived from port and path. It
// must exactly match the URI registered with Google.
func (c *Config) RedirectURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", c.CallbackPort, c.CallbackPath)
}
