package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// The DEK lives only in process memory, so each CLI invocation starts
// locked unless a passphrase is supplied. unlock verifies the secret
// against the stored wrapping; lock checks that no passphrase is leaking
// through the environment.

func NewUnlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Verify the passphrase against the stored key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app) error {
				state, err := a.eng.GetCryptoState(cmd.Context())
				if err != nil {
					return err
				}
				if state.Locked {
					return fmt.Errorf("still locked: supply --passphrase or set MEMVAULT_PASSPHRASE")
				}
				fmt.Fprintln(cmd.OutOrStdout(), "unlocked")
				return nil
			})
		},
	}
}

func NewLockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Confirm no passphrase is cached outside the process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if os.Getenv("MEMVAULT_PASSPHRASE") != "" {
				return fmt.Errorf("MEMVAULT_PASSPHRASE is set; unset it to keep the vault locked at rest")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "locked: no passphrase cached")
			return nil
		},
	}
}
