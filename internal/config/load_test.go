package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cvclient.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

const validConfig = `
server_url = "https://escrow.example.com"
ca_bundle = "/etc/cvclient/roots.pem"
journal_path = "/var/lib/cvclient/journal.db"

[oauth]
client_id = "cv-client"
client_secret = "shh"
auth_url = "https://accounts.example.com/authorize"
token_url = "https://accounts.example.com/token"
timeout = "90s"

[backend]
kind = "container"

[backend.required_metadata]
container = ["hostname", "platform_uuid"]

[logging]
log_level = "debug"
`

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "https://escrow.example.com", cfg.ServerURL)
	assert.Equal(t, "container", cfg.Backend.Kind)
	assert.Equal(t, "/container", cfg.EscrowPath())
	assert.Equal(t, []string{"hostname", "platform_uuid"}, cfg.RequiredMetadata())
	assert.Equal(t, 90*time.Second, cfg.OAuthTimeout())
	assert.Equal(t, "debug", cfg.Logging.LogLevel)
}

func TestLoad_DefaultsFillUnsetSections(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server_url = "https://escrow.example.com"
ca_bundle = "/etc/cvclient/roots.pem"
`))
	require.NoError(t, err)

	assert.Equal(t, "full-disk", cfg.Backend.Kind)
	assert.Equal(t, "/fulldisk", cfg.EscrowPath())
	assert.Equal(t, []string{"hdd_serial", "platform_uuid", "serial"}, cfg.RequiredMetadata())
	assert.Equal(t, 60*time.Second, cfg.OAuthTimeout())
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	_, err := Load(writeConfig(t, `
server_url = "https://escrow.example.com"
ca_bundle = "/etc/cvclient/roots.pem"
serverurl = "typo"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown key")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv(envServerURL, "https://other.example.com")
	t.Setenv(envClientSecret, "from-env")

	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "https://other.example.com", cfg.ServerURL)
	assert.Equal(t, "from-env", cfg.OAuth.ClientSecret)
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	t.Setenv(envServerURL, "https://env.example.com")
	t.Setenv(envCABundle, "/tmp/roots.pem")

	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.ServerURL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing server url",
			mutate:  func(c *Config) { c.ServerURL = "" },
			wantErr: "server_url is required",
		},
		{
			name:    "non-https refused",
			mutate:  func(c *Config) { c.ServerURL = "http://escrow.example.com" },
			wantErr: "must use https",
		},
		{
			name:    "garbage url",
			mutate:  func(c *Config) { c.ServerURL = "://nope" },
			wantErr: "not a valid URL",
		},
		{
			name:    "missing ca bundle",
			mutate:  func(c *Config) { c.CABundle = "" },
			wantErr: "ca_bundle is required",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Backend.Kind = "floppy" },
			wantErr: "unknown backend kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.ServerURL = "https://escrow.example.com"
			cfg.CABundle = "/etc/cvclient/roots.pem"
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOAuthTimeout_GarbageFallsBack(t *testing.T) {
	cfg := Default()
	cfg.OAuth.Timeout = "soon"

	assert.Equal(t, 60*time.Second, cfg.OAuthTimeout())
}
