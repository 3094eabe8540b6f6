package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memvault/memvault/snapshot"
)

func NewExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the record set as stored",
		Args:  cobra.NoArgs,
		RunE:  runExport,
	}

	cmd.Flags().StringP("output", "o", "", "Output file (default stdout)")
	return cmd
}

func runExport(cmd *cobra.Command, _ []string) error {
	output, _ := cmd.Flags().GetString("output")

	return withApp(cmd, func(a *app) error {
		data, err := a.eng.ExportData(cmd.Context())
		if err != nil {
			return err
		}
		if output == "" {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		return os.WriteFile(output, data, 0600)
	})
}

func NewImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the record set from an export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *app) error {
				return a.eng.ImportData(cmd.Context(), data)
			})
		},
	}
}

func NewSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create or restore signed encrypted snapshots",
	}

	create := &cobra.Command{
		Use:   "create <file" + snapshot.Extension + ">",
		Short: "Write a full-state snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				data, err := a.eng.CreateSnapshot(cmd.Context())
				if err != nil {
					return err
				}
				path := args[0]
				if err := os.WriteFile(path, data, 0600); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", len(data), path)
				return nil
			})
		},
	}

	restore := &cobra.Command{
		Use:   "restore <file>",
		Short: "Verify and restore a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *app) error {
				return a.eng.RestoreSnapshot(cmd.Context(), data)
			})
		},
	}

	cmd.AddCommand(create, restore)
	return cmd
}
