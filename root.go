// Command cvclient escrows disk-encryption recovery passphrases with a
// remote escrow service and retrieves or rotates them later, tying every
// request to this machine's identity and an authenticated operator.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ayaz345/cauliflowervest/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagServerURL  string
	flagVolume     string
	flagUsername   string
	flagJSON       bool
	flagVerbose    bool
)

// defaultConfigPath is where the config file lives unless --config says
// otherwise.
const defaultConfigPath = "/etc/cvclient/cvclient.toml"

// resolvedCfg holds the effective configuration loaded by
// PersistentPreRunE. Available to all subcommands after the pre-run.
var resolvedCfg *config.Config

// newRootCmd builds the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cvclient",
		Short:   "Disk-encryption passphrase escrow client",
		Long:    "cvclient escrows, retrieves, and rotates disk-encryption recovery passphrases against a central escrow service.",
		Version: version,
		// Cobra's default error/usage printing is silenced; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", defaultConfigPath, "config file path")
	cmd.PersistentFlags().StringVar(&flagServerURL, "server-url", "", "escrow server URL (overrides config)")
	cmd.PersistentFlags().StringVar(&flagVolume, "volume", "", "UUID of the target volume")
	cmd.PersistentFlags().StringVarP(&flagUsername, "username", "u", "", "local account username")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newEncryptCmd())
	cmd.AddCommand(newUnlockCmd())
	cmd.AddCommand(newRevertCmd())
	cmd.AddCommand(newDisplayCmd())
	cmd.AddCommand(newRotateCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newHistoryCmd())

	return cmd
}

// loadConfig resolves the effective configuration (defaults, file,
// environment) and applies CLI flag overrides, which always win.
func loadConfig() error {
	cfg, err := config.LoadOrDefault(flagConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if flagServerURL != "" {
		cfg.ServerURL = flagServerURL
	}

	resolvedCfg = cfg

	return nil
}

// buildLogger creates an slog.Logger configured by the resolved config;
// --verbose overrides the configured level.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if resolvedCfg != nil {
		switch resolvedCfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
