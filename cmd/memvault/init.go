package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Set up encryption for a new vault",
		Long:  `Derives a key-encryption key from the passphrase and creates the wrapped data key.`,
		Args:  cobra.NoArgs,
		RunE:  runInit,
	}

	cmd.Flags().Bool("session", false, "Derive from a session token instead of a passphrase")
	return cmd
}

func runInit(cmd *cobra.Command, _ []string) error {
	passphrase, _ := cmd.Flags().GetString("passphrase")
	if passphrase == "" {
		return fmt.Errorf("init requires --passphrase")
	}
	session, _ := cmd.Flags().GetBool("session")

	cfgPath, _ := cmd.Flags().GetString("config")
	a, err := newApp(cmd.Context(), cfgPath, "")
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if session {
		err = a.eng.SetupSessionEncryption(ctx, passphrase)
	} else {
		err = a.eng.SetupEncryption(ctx, passphrase)
	}
	if err != nil {
		return err
	}
	if err := a.saveKey(ctx); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "vault initialized:", a.config.DataDir)
	return nil
}
