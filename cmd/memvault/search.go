package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memvault/memvault"
)

func NewSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Ranked semantic search over memories",
		Args:  cobra.ExactArgs(1),
		RunE:  runSearch,
	}

	cmd.Flags().IntP("number", "n", 10, "Maximum results")
	cmd.Flags().Float64("diversity", -1, "MMR lambda in [0,1] (default from config)")
	cmd.Flags().Bool("include-sensitive", false, "Include sensitive memories")
	return cmd
}

func runSearch(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("number")
	diversity, _ := cmd.Flags().GetFloat64("diversity")
	includeSensitive, _ := cmd.Flags().GetBool("include-sensitive")
	asJSON, _ := cmd.Flags().GetBool("json")

	return withApp(cmd, func(a *app) error {
		opts := memvault.RetrieveOptions{
			MaxResults:       limit,
			IncludeSensitive: includeSensitive,
		}
		lambda := a.config.Diversity
		if diversity >= 0 {
			lambda = diversity
		}
		opts.Diversity = &lambda

		results, err := a.eng.Retrieve(cmd.Context(), args[0], opts)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		}
		for _, r := range results {
			fmt.Fprintf(cmd.OutOrStdout(), "%.3f  %s  %s\n", r.Score, r.Candidate.ID, r.Candidate.Content)
		}
		return nil
	})
}
