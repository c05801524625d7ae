package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gitlab.alpinelinux.org/alpine/security/vulndb/output"
	"gitlab.alpinelinux.org/alpine/security/vulndb/vulndb"
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Find the vulnerabilities affecting packages",
}

var searchPkgCmd = &cobra.Command{
	Use:   "pkg <package> <version>",
	Short: "Search the document store for a package version",
	Args:  cobra.ExactArgs(2),
	RunE:  runSearchPkg,
}

var searchVendorCmd = &cobra.Command{
	Use:   "vendor <vendor> <package> <version>",
	Short: "Search the document store for a package version of one CPE vendor",
	Args:  cobra.ExactArgs(3),
	RunE:  runSearchVendor,
}

var searchBulkCmd = &cobra.Command{
	Use:   "bulk [package|version...]",
	Short: "Search the document store for many package|version keys",
	Long:  "Search the document store for many package|version keys. Keys are read from stdin, one per line, when none are given.",
	RunE:  runSearchBulk,
}

var searchIndexCmd = &cobra.Command{
	Use:   "index [package|version...]",
	Short: "Search the index for one or many package|version keys",
	Long:  "Search the index for one or many package|version keys. Keys are read from stdin, one per line, when none are given.",
	RunE:  runSearchIndex,
}

var searchFlags = struct {
	format string
	sortBy string
	vendor string
}{}

func tableConfig() output.TableConfig {
	return output.TableConfig{
		SortBy:     searchFlags.sortBy,
		IsTerminal: output.IsOutputToTerminal(os.Stdout),
	}
}

func writeOccurrences(occurrences []vulndb.VulnerabilityOccurrence) error {
	switch searchFlags.format {
	case "json":
		return output.WriteJSON(os.Stdout, occurrences)
	case "table":
		return output.WriteTable(os.Stdout, occurrences, tableConfig())
	}
	return fmt.Errorf("unknown output format %q", searchFlags.format)
}

func readKeys(args []string, stdin io.Reader) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	keys := []string{}
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		if key := strings.TrimSpace(scanner.Text()); key != "" {
			keys = append(keys, key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("could not read keys: %w", err)
	}
	return keys, nil
}

func runSearchPkg(cmd *cobra.Command, args []string) error {
	occurrences, err := App().DB.PkgSearch(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	return writeOccurrences(occurrences)
}

func runSearchVendor(cmd *cobra.Command, args []string) error {
	occurrences, err := App().DB.VendorPkgSearch(cmd.Context(), args[0], args[1], args[2])
	if err != nil {
		return err
	}
	return writeOccurrences(occurrences)
}

func runSearchBulk(cmd *cobra.Command, args []string) error {
	keys, err := readKeys(args, cmd.InOrStdin())
	if err != nil {
		return err
	}
	occurrences, err := App().DB.PkgBulkSearch(cmd.Context(), keys)
	if err != nil {
		return err
	}
	return writeOccurrences(occurrences)
}

func runSearchIndex(cmd *cobra.Command, args []string) error {
	keys, err := readKeys(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	queries := make([]vulndb.PackageQuery, 0, len(keys))
	for _, key := range keys {
		q, ok := vulndb.ParsePackageKey(key)
		if !ok {
			return fmt.Errorf("malformed key %q, expected package|version", key)
		}
		q.Vendor = searchFlags.vendor
		queries = append(queries, q)
	}

	matches, err := App().DB.BulkIndexSearch(cmd.Context(), queries)
	if err != nil {
		return err
	}
	switch searchFlags.format {
	case "json":
		return output.WriteJSON(os.Stdout, matches)
	case "table":
		return output.WriteMatchTables(os.Stdout, matches, tableConfig())
	}
	return fmt.Errorf("unknown output format %q", searchFlags.format)
}

func init() {
	searchCmd.PersistentFlags().StringVarP(&searchFlags.format, "format", "f", "table", "Output format (table, json)")
	searchCmd.PersistentFlags().StringVarP(&searchFlags.sortBy, "sort", "s", "", "Sort table rows by severity or id")
	searchIndexCmd.Flags().StringVar(&searchFlags.vendor, "vendor", "", "Only match details of this CPE vendor")

	searchCmd.AddCommand(searchPkgCmd)
	searchCmd.AddCommand(searchVendorCmd)
	searchCmd.AddCommand(searchBulkCmd)
	searchCmd.AddCommand(searchIndexCmd)
	rootCmd.AddCommand(searchCmd)
}
