package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gitlab.alpinelinux.org/alpine/security/vulndb/importer"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import normalized vulnerability records",
}

var importFileCmd = &cobra.Command{
	Use:   "file <path>",
	Short: "Import a JSON file, or every .json file below a directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runImportFile,
}

var importGitCmd = &cobra.Command{
	Use:   "git <repository>",
	Short: "Import every .json file committed to a local git repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runImportGit,
}

var importFlags = struct {
	progress bool
	revision string
	dir      string
}{}

func runImport(cmd *cobra.Command, src importer.Source) error {
	opts := importer.OptionsFromConfig(App().Config)
	if cmd.Flags().Changed("progress") {
		opts.Progress = importFlags.progress
	}

	result, err := importer.Import(cmd.Context(), App().DB, src, opts)
	if err != nil {
		return err
	}
	for _, rejected := range result.Rejected {
		fmt.Printf("rejected %s\n", rejected)
	}
	fmt.Printf("Imported %d of %d records (%d documents)\n", result.Stored, result.Records, result.Documents)
	return nil
}

func runImportFile(cmd *cobra.Command, args []string) error {
	return runImport(cmd, importer.NewFileSource(afero.NewOsFs(), args[0]))
}

func runImportGit(cmd *cobra.Command, args []string) error {
	return runImport(cmd, importer.GitSource{
		Path:     args[0],
		Revision: importFlags.revision,
		Dir:      importFlags.dir,
	})
}

func init() {
	importCmd.PersistentFlags().BoolVarP(&importFlags.progress, "progress", "p", false, "Show a progress bar")
	importGitCmd.Flags().StringVarP(&importFlags.revision, "revision", "r", "HEAD", "Revision to read")
	importGitCmd.Flags().StringVarP(&importFlags.dir, "dir", "d", "", "Only read files below this directory")

	importCmd.AddCommand(importFileCmd)
	importCmd.AddCommand(importGitCmd)
	rootCmd.AddCommand(importCmd)
}
