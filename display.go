package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ayaz345/cauliflowervest/internal/workflow"
)

func newDisplayCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "display",
		Short: "Retrieve and display a volume's escrowed passphrase",
		Long: "Retrieves the escrowed passphrase and prints it to the terminal.\n" +
			"Refuses to print a secret to a non-terminal destination unless\n" +
			"--force is given.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDisplay(cmd, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "print the passphrase even when stdout is not a terminal")

	return cmd
}

// stdoutIsTerminal reports whether stdout is attached to a TTY.
// Replaced in tests.
var stdoutIsTerminal = func() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func runDisplay(cmd *cobra.Command, force bool) error {
	logger := buildLogger()
	ctx := cmd.Context()

	target, err := requireVolume()
	if err != nil {
		return err
	}

	if !force && !stdoutIsTerminal() {
		return fmt.Errorf("refusing to write a passphrase to a non-terminal destination (use --force)")
	}

	s, err := newSession(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := s.runAction(ctx, workflow.ActionDisplay, target, workflow.Credentials{})
	if err != nil {
		return err
	}

	if flagJSON {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]string{
			"volume":     result.Target,
			"passphrase": result.Passphrase,
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Passphrase for %s: %s\n", result.Target, result.Passphrase)

	return nil
}
