package config

import "time"

// defaultOAuthTimeout bounds the interactive authorization wait.
const defaultOAuthTimeout = 60 * time.Second

// defaultEscrowPaths maps backend kind to the server path secrets are
// escrowed under.
var defaultEscrowPaths = map[string]string{
	"full-disk": "/fulldisk",
	"container": "/container",
	"firmware":  "/firmware",
}

// defaultRequiredMetadata maps backend kind to the host facts the server
// needs to bind a passphrase to a machine. Order matters: validation
// reports the first missing key.
var defaultRequiredMetadata = map[string][]string{
	"full-disk": {"hdd_serial", "platform_uuid", "serial"},
	"container": {"hdd_serial", "platform_uuid"},
	"firmware":  {"hostname", "platform_uuid", "serial"},
}

// Default returns the built-in configuration. A config file and the
// environment override it.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{Kind: "full-disk"},
		OAuth: OAuthConfig{
			Scopes:  []string{"openid", "email"},
			Timeout: "60s",
		},
		Logging: LoggingConfig{LogLevel: "info"},
	}
}
