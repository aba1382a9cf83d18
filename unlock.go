package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ayaz345/cauliflowervest/internal/workflow"
)

func newUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Unlock a volume using its escrowed passphrase",
		Args:  cobra.NoArgs,
		RunE:  runUnlock,
	}
}

func runUnlock(cmd *cobra.Command, _ []string) error {
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

	result, err := s.runAction(ctx, workflow.ActionUnlock, target, workflow.Credentials{})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Volume %s unlocked.\n", result.Target)

	return nil
}
