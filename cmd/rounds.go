// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var roundsCmd = &cobra.Command{
	Use:   "rounds",
	Short: "Manage task rounds",
}

var roundsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all task rounds",
	Run: func(cmd *cobra.Command, args []string) {
		raw, err := newClient().Get(context.Background(), "/api/rounds")
		if err != nil {
			exitWithError("failed to list rounds", err)
		}
		printRaw(raw)
	},
}

var roundsActivateCmd = &cobra.Command{
	Use:   "activate <round-id>",
	Short: "Make a round the active round",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		raw, err := newClient().Post(context.Background(), "/api/rounds/"+args[0]+"/activate", nil)
		if err != nil {
			exitWithError("failed to activate round", err)
		}
		printRaw(raw)
	},
}

var roundsStatsCmd = &cobra.Command{
	Use:   "stats <round-id>",
	Short: "Show run statistics for a round",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		raw, err := newClient().Get(context.Background(), "/api/rounds/"+args[0]+"/stats")
		if err != nil {
			exitWithError("failed to fetch round stats", err)
		}
		printRaw(raw)
	},
}

var roundsClearCmd = &cobra.Command{
	Use:   "clear <round-id>",
	Short: "Remove a round and all its tasks",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		raw, err := newClient().Post(context.Background(), "/api/rounds/"+args[0]+"/clear", nil)
		if err != nil {
			exitWithError("failed to clear round", err)
		}
		printRaw(raw)
	},
}

func init() {
	roundsCmd.AddCommand(roundsListCmd)
	roundsCmd.AddCommand(roundsActivateCmd)
	roundsCmd.AddCommand(roundsStatsCmd)
	roundsCmd.AddCommand(roundsClearCmd)
}

// printRaw pretty-prints a raw JSON response.
func printRaw(raw json.RawMessage) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return
	}
	printJSON(v)
}
