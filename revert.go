package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ayaz345/cauliflowervest/internal/workflow"
)

func newRevertCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revert",
		Short: "Unlock a volume and revert it to unencrypted",
		Long: "Retrieves the escrowed passphrase, unlocks the volume, and reverts\n" +
			"it to an unencrypted state. The escrowed record remains on the server.",
		Args: cobra.NoArgs,
		RunE: runRevert,
	}
}

func runRevert(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := cmd.Context()

	target, err := requireVolume()
	if err != nil {
		return err
	}

	s, err := newSession(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	result, err := s.runAction(ctx, workflow.ActionRevert, target, workflow.Credentials{})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Volume %s reverted to unencrypted.\n", result.Target)

	return nil
}
