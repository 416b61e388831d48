// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"icc.tech/dispatchd/internal/config"
)

var (
	importFile     string
	importName     string
	importRoundID  string
	importActivate bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a batch of work items as a task round",
	Long: `Import work-item paths from a manifest file and create a task round.

The manifest may be JSON ({"name": ..., "paths": [...]}), YAML, a JSON
string array, or a plain file with one path per line ('#' starts a comment).`,
	Run: func(cmd *cobra.Command, args []string) {
		runImportCommand()
	},
}

func init() {
	importCmd.Flags().StringVarP(&importFile, "file", "f", "", "manifest file path (required)")
	importCmd.Flags().StringVarP(&importName, "name", "n", "", "round name (overrides manifest)")
	importCmd.Flags().StringVar(&importRoundID, "round", "", "append to an existing round instead of creating one")
	importCmd.Flags().BoolVar(&importActivate, "activate", false, "activate the round after import")
	_ = importCmd.MarkFlagRequired("file")
}

func runImportCommand() {
	data, err := os.ReadFile(importFile)
	if err != nil {
		exitWithError("failed to read manifest file", err)
	}
	manifest, err := config.ParseRoundManifest(data)
	if err != nil {
		exitWithError("failed to parse manifest", err)
	}

	name := manifest.Name
	if importName != "" {
		name = importName
	}

	body := map[string]any{
		"paths":      manifest.Paths,
		"name":       name,
		"sourceType": "file",
		"sourceHint": importFile,
	}
	if manifest.SourceHint != "" {
		body["sourceHint"] = manifest.SourceHint
	}
	if importRoundID != "" {
		body["roundId"] = importRoundID
	}
	if importActivate {
		body["activate"] = true
	}

	raw, err := newClient().Post(context.Background(), "/api/rounds", body)
	if err != nil {
		exitWithError("import failed", err)
	}
	printRaw(raw)
}
