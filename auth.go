package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"

	"github.com/ayaz345/cauliflowervest/internal/config"
	"github.com/ayaz345/cauliflowervest/internal/oauth"
)

// authFlow runs the interactive browser flow with the configured OAuth
// settings. Replaced in tests to avoid opening a real browser.
var authFlow = func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*oauth.Identity, error) {
	return oauth.Authenticate(ctx, oauth.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		AuthURL:      cfg.OAuth.AuthURL,
		TokenURL:     cfg.OAuth.TokenURL,
		Scopes:       cfg.OAuth.Scopes,
		Timeout:      cfg.OAuthTimeout(),
	}, openBrowser, logger)
}

// openBrowser opens url in the OS default browser.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "linux":
		return exec.Command("xdg-open", url).Start()
	default:
		return fmt.Errorf("unsupported platform for browser launch: %s", runtime.GOOS)
	}
}
