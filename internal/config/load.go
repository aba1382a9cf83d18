package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and validates the config file at path, layered over the
// defaults and under the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: %s: unknown key %q", path, undecoded[0].String())
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but tolerates a missing file, in which
// case the defaults plus environment overrides are used.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	cfg = Default()
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Environment variable names recognized by applyEnv. The client secret
// in particular is expected to arrive this way rather than sitting in a
// world-readable config file.
const (
	envServerURL    = "CVCLIENT_SERVER_URL"
	envCABundle     = "CVCLIENT_CA_BUNDLE"
	envClientID     = "CVCLIENT_OAUTH_CLIENT_ID"
	envClientSecret = "CVCLIENT_OAUTH_CLIENT_SECRET"
	envBackendKind  = "CVCLIENT_BACKEND"
	envJournalPath  = "CVCLIENT_JOURNAL_PATH"
	envLogLevel     = "CVCLIENT_LOG_LEVEL"
)

// applyEnv overlays environment variables onto cfg. Environment wins
// over file values.
func applyEnv(cfg *Config) {
	setIfPresent(envServerURL, &cfg.ServerURL)
	setIfPresent(envCABundle, &cfg.CABundle)
	setIfPresent(envClientID, &cfg.OAuth.ClientID)
	setIfPresent(envClientSecret, &cfg.OAuth.ClientSecret)
	setIfPresent(envBackendKind, &cfg.Backend.Kind)
	setIfPresent(envJournalPath, &cfg.JournalPath)
	setIfPresent(envLogLevel, &cfg.Logging.LogLevel)
}

func setIfPresent(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

// Validate checks the configuration for values that would make every
// escrow operation fail, with messages naming the offending field.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("config: server_url is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: server_url %q is not a valid URL", c.ServerURL)
	}

	if u.Scheme != "https" {
		return fmt.Errorf("config: server_url must use https, got %q", u.Scheme)
	}

	if c.CABundle == "" {
		return fmt.Errorf("config: ca_bundle is required")
	}

	if _, ok := defaultEscrowPaths[c.Backend.Kind]; !ok {
		return fmt.Errorf("config: unknown backend kind %q", c.Backend.Kind)
	}

	return nil
}
