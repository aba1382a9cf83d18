// Package config implements TOML configuration loading, environment
// overrides, and validation for the escrow client. Layering is
// defaults -> config file -> environment; CLI flags override individual
// values at the command layer.
package config

import (
	"time"
)

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	// ServerURL is the escrow server origin (scheme + host, no path).
	ServerURL string `toml:"server_url"`

	// CABundle is the path to the pinned root CA bundle (PEM). Every
	// connection to the server is validated against it, and nothing else.
	CABundle string `toml:"ca_bundle"`

	// JournalPath is where the local operation journal database lives.
	// Empty disables the journal.
	JournalPath string `toml:"journal_path"`

	OAuth   OAuthConfig   `toml:"oauth"`
	Backend BackendConfig `toml:"backend"`
	Logging LoggingConfig `toml:"logging"`
}

// OAuthConfig holds the interactive identity flow settings. The client
// secret is expected to come from the environment in most deployments.
type OAuthConfig struct {
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	AuthURL      string   `toml:"auth_url"`
	TokenURL     string   `toml:"token_url"`
	Scopes       []string `toml:"scopes"`

	// Timeout bounds the whole browser flow, e.g. "60s".
	Timeout string `toml:"timeout"`
}

// BackendConfig selects the encryption backend variant and the
// per-variant escrow behavior.
type BackendConfig struct {
	// Kind is one of full-disk, container, firmware.
	Kind string `toml:"kind"`

	// EscrowPath overrides the server path secrets are escrowed under.
	// Empty derives it from Kind.
	EscrowPath string `toml:"escrow_path"`

	// RequiredMetadata maps backend kind to the metadata keys that must
	// be present before an upload, in declared order. Unset kinds use
	// the built-in defaults.
	RequiredMetadata map[string][]string `toml:"required_metadata"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel string `toml:"log_level"`
}

// OAuthTimeout parses the configured flow timeout, falling back to the
// default on absence or garbage.
func (c *Config) OAuthTimeout() time.Duration {
	d, err := time.ParseDuration(c.OAuth.Timeout)
	if err != nil || d <= 0 {
		return defaultOAuthTimeout
	}

	return d
}

// EscrowPath returns the configured escrow path or the default for the
// selected backend kind.
func (c *Config) EscrowPath() string {
	if c.Backend.EscrowPath != "" {
		return c.Backend.EscrowPath
	}

	return defaultEscrowPaths[c.Backend.Kind]
}

// RequiredMetadata returns the required metadata key list for the
// selected backend kind.
func (c *Config) RequiredMetadata() []string {
	if keys, ok := c.Backend.RequiredMetadata[c.Backend.Kind]; ok {
		return keys
	}

	return defaultRequiredMetadata[c.Backend.Kind]
}
