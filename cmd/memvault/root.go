package main

import (
	"github.com/spf13/cobra"
)

func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "memvault",
		Short:         "Encrypted on-device memory engine",
		Long:          `Store, search and sync encrypted memory records for personal AI assistants.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Run: func(cmd *cobra.Command, _ []string) {
			_ = cmd.Help()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "Config file path (default ~/.memvault.yaml)")
	rootCmd.PersistentFlags().StringP("passphrase", "p", "", "Passphrase (or set MEMVAULT_PASSPHRASE)")
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format")

	rootCmd.AddCommand(
		NewInitCmd(),
		NewAddCmd(),
		NewSearchCmd(),
		NewListCmd(),
		NewDeleteCmd(),
		NewStatsCmd(),
		NewExportCmd(),
		NewImportCmd(),
		NewSnapshotCmd(),
		NewRebuildCmd(),
		NewRotateCmd(),
		NewLockCmd(),
		NewUnlockCmd(),
		NewSyncCmd(),
	)
	return rootCmd
}

// withApp opens the engine for a command run and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(a *app) error) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	passphrase, _ := cmd.Flags().GetString("passphrase")

	a, err := newApp(cmd.Context(), cfgPath, passphrase)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(a)
}
