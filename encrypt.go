package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ayaz345/cauliflowervest/internal/workflow"
)

func newEncryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt",
		Short: "Enable disk encryption and escrow the recovery passphrase",
		Long: "Enables encryption on the boot volume using the supplied local account\n" +
			"credentials, then escrows the generated recovery passphrase with the\n" +
			"server. The volume UUID is discovered during encryption.",
		Args: cobra.NoArgs,
		RunE: runEncrypt,
	}
}

func runEncrypt(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	ctx := cmd.Context()

	creds, err := promptCredentials()
	if err != nil {
		return err
	}

	s, err := newSession(ctx, resolvedCfg, logger)
	if err != nil {
		return err
	}
	defer s.Close()

	// Encryption discovers the new volume's UUID itself; the boot volume
	// placeholder satisfies target selection until then.
	target := flagVolume
	if target == "" {
		target = "/"
	}

	result, err := s.runAction(ctx, workflow.ActionEncrypt, target, creds)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Volume %s encrypted and passphrase escrowed.\n", result.Target)

	return nil
}
