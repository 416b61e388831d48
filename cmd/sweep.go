// Package cmd implements CLI commands.
package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var (
	sweepTimeoutMs int64
	sweepRoundID   string
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Time out stale processing tasks",
	Long: `Trigger a timeout sweep on the coordinator.

Tasks that have been processing longer than the threshold are re-queued for
one retry; tasks that already used their retry are marked failed.`,
	Run: func(cmd *cobra.Command, args []string) {
		body := map[string]any{
			"timeoutMs": sweepTimeoutMs,
		}
		if sweepRoundID != "" {
			body["roundId"] = sweepRoundID
		}
		raw, err := newClient().Post(context.Background(), "/api/tasks/sweep", body)
		if err != nil {
			exitWithError("sweep failed", err)
		}
		printRaw(raw)
	},
}

func init() {
	sweepCmd.Flags().Int64Var(&sweepTimeoutMs, "timeout-ms", 30*60*1000, "processing age threshold in milliseconds")
	sweepCmd.Flags().StringVar(&sweepRoundID, "round", "", "sweep only this round")
}
