package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func NewStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show engine, index and sync statistics",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
}

func runStats(cmd *cobra.Command, _ []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	return withApp(cmd, func(a *app) error {
		stats, err := a.eng.GetStats(cmd.Context())
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "memories:   %d\n", stats.Count)
		fmt.Fprintf(out, "locked:     %v\n", stats.Crypto.Locked)
		fmt.Fprintf(out, "indexed:    %d/%d vectors (%d removed)\n",
			stats.ANN.CurrentElements, stats.ANN.MaxElements, stats.ANN.Removed)
		if stats.QuotaExceeded {
			fmt.Fprintln(out, "storage:    quota exceeded, in-memory only")
		}
		if stats.Sync != nil {
			fmt.Fprintf(out, "sync:       %s, %d pending, %d conflicts resolved\n",
				stats.Sync.State, stats.Sync.PendingUpload, stats.Sync.Conflicts)
		}
		return nil
	})
}

func NewRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild the vector index to reclaim removed capacity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app) error {
				if err := a.eng.RebuildANNIndex(cmd.Context()); err != nil {
					return err
				}
				stats, err := a.eng.GetANNStats(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "rebuilt: %d vectors\n", stats.CurrentElements)
				return nil
			})
		},
	}
}

func NewRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate <new-passphrase>",
		Short: "Rewrap the data key under a new passphrase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				if err := a.eng.RotateKey(cmd.Context(), args[0]); err != nil {
					return err
				}
				return a.saveKey(cmd.Context())
			})
		},
	}
}

func NewSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one upload+download sync cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app) error {
				if err := a.eng.TriggerSync(cmd.Context()); err != nil {
					return err
				}
				stats, err := a.eng.GetSyncStats(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "synced: %d uploaded, %d applied\n",
					stats.Uploaded, stats.Applied)
				return nil
			})
		},
	}
}
