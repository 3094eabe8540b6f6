package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func NewListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [filter]",
		Short: "List memories, optionally filtered by substring",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runList,
	}

	cmd.Flags().IntP("number", "n", 0, "Maximum results (0 = all)")
	cmd.Flags().Int("offset", 0, "Skip the first N results")
	return cmd
}

func runList(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("number")
	offset, _ := cmd.Flags().GetInt("offset")
	asJSON, _ := cmd.Flags().GetBool("json")

	filter := ""
	if len(args) > 0 {
		filter = args[0]
	}

	return withApp(cmd, func(a *app) error {
		candidates, err := a.eng.GetCandidates(cmd.Context(), filter, limit, offset)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(candidates)
		}
		for _, c := range candidates {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", c.ID, c.Content)
		}
		return nil
	})
}

func NewDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Tombstone a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				return a.eng.DeleteMemory(cmd.Context(), args[0])
			})
		},
	}
}
