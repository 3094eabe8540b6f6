package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memvault/memvault/record"
)

func NewAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <content>",
		Short: "Store a new memory",
		Args:  cobra.ExactArgs(1),
		RunE:  runAdd,
	}

	cmd.Flags().Float64("salience", 0.5, "Importance in [0,1]")
	cmd.Flags().Bool("sensitive", false, "Exclude from retrieval unless explicitly requested")
	cmd.Flags().StringP("type", "t", "", "Memory type (semantic|episodic|relational|ritual)")
	cmd.Flags().StringSlice("tags", nil, "Tags")
	return cmd
}

func runAdd(cmd *cobra.Command, args []string) error {
	salience, _ := cmd.Flags().GetFloat64("salience")
	sensitive, _ := cmd.Flags().GetBool("sensitive")
	memType, _ := cmd.Flags().GetString("type")
	tags, _ := cmd.Flags().GetStringSlice("tags")

	return withApp(cmd, func(a *app) error {
		rec, err := a.eng.AddMemory(cmd.Context(), &record.MemoryRecord{
			Content:   args[0],
			Type:      record.MemoryType(memType),
			Salience:  salience,
			Sensitive: sensitive,
			TopicTags: tags,
		}, nil)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), rec.ID)
		return nil
	})
}
