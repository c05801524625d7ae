package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gitlab.alpinelinux.org/alpine/security/vulndb/output"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Commands to work with the database",
}

var dbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every stored document",
	RunE:  runDBList,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the index is up to date with the store",
	RunE:  runDBStatus,
}

var dbReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the secondary index from the store",
	RunE:  runDBReindex,
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove every document from the store",
	RunE:  runDBReset,
}

var dbFlags = struct {
	dryRun bool
	format string
}{}

func runDBList(cmd *cobra.Command, args []string) error {
	docs, err := App().DB.ListAll(cmd.Context())
	if err != nil {
		return err
	}
	if dbFlags.format == "json" {
		return output.WriteJSON(os.Stdout, docs)
	}
	return output.WriteDocuments(os.Stdout, docs, output.IsOutputToTerminal(os.Stdout))
}

func runDBStatus(cmd *cobra.Command, args []string) error {
	status, err := App().DB.IndexStatus(cmd.Context())
	if err != nil {
		return err
	}
	if dbFlags.format == "json" {
		return output.WriteJSON(os.Stdout, status)
	}
	return output.WriteIndexStatus(os.Stdout, status, output.IsOutputToTerminal(os.Stdout))
}

func runDBReindex(cmd *cobra.Command, args []string) error {
	return App().DB.RebuildIndex(cmd.Context())
}

func runDBReset(cmd *cobra.Command, args []string) error {
	count, err := App().DB.Reset(cmd.Context(), dbFlags.dryRun)
	if err != nil {
		return err
	}
	if dbFlags.dryRun {
		fmt.Printf("Would remove %d documents\n", count)
		return nil
	}
	slog.Info("Removed documents", "count", count)
	return nil
}

func init() {
	dbResetCmd.Flags().BoolVarP(&dbFlags.dryRun, "dry-run", "n", false, "Only show the amount of documents found")
	dbCmd.PersistentFlags().StringVarP(&dbFlags.format, "format", "f", "table", "Output format (table, json)")

	dbCmd.AddCommand(dbListCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbReindexCmd)
	dbCmd.AddCommand(dbResetCmd)
	rootCmd.AddCommand(dbCmd)
}
