// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show coordinator status",
	Long: `Query the dispatchd coordinator for its overall status.

Shows: node statistics summary, configuration, and reporting schedule.`,
	Run: func(cmd *cobra.Command, args []string) {
		runStatusCommand()
	},
}

func runStatusCommand() {
	client := newClient()
	ctx := context.Background()

	if err := client.Ping(ctx); err != nil {
		exitWithError("coordinator is not running or unreachable", err)
	}

	nodes, err := client.Get(ctx, "/api/nodes")
	if err != nil {
		exitWithError("failed to query node statistics", err)
	}
	cfg, err := client.Get(ctx, "/api/config")
	if err != nil {
		exitWithError("failed to query configuration", err)
	}

	printJSON(map[string]json.RawMessage{
		"nodes":  nodes,
		"config": cfg,
	})
}

// printJSON pretty-prints a response body.
func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		exitWithError("failed to format result", err)
	}
	fmt.Println(string(data))
}
