package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ayaz345/cauliflowervest/internal/workflow"
)

func newRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the local recovery key and escrow the new passphrase",
		Long: "Generates a new recovery passphrase locally using the supplied\n" +
			"account credentials and escrows it, replacing the server's record.",
		Args: cobra.NoArgs,
		RunE: runRotate,
	}
}

func runRotate(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := cmd.Context()

	target, err := requireVolume()
	if err != nil {
		return err
	}

	creds, err := promptCredentials()
	if err != nil {
		return err
	}

	s, err := newSession(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := s.runAction(ctx, workflow.ActionRotate, target, creds)
	if err != nil {
		var mismatch *workflow.MismatchError
		if errors.As(err, &mismatch) {
			// The local key changed but the server still holds the old one.
			// Make the severity unmissable; the new passphrase itself stays
			// out of all output.
			fmt.Fprintln(cmd.ErrOrStderr(),
				"WARNING: the local recovery key was rotated but could NOT be escrowed.")
			fmt.Fprintln(cmd.ErrOrStderr(),
				"The escrowed passphrase no longer unlocks this volume. Contact support before rebooting.")
		}

		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Recovery key for %s rotated and escrowed.\n", result.Target)

	return nil
}
