// Package cmd implements CLI commands.
package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var reportForce bool

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Send a progress report to the configured webhook",
	Run: func(cmd *cobra.Command, args []string) {
		path := "/api/report/trigger"
		if reportForce {
			path += "?force=true"
		}
		raw, err := newClient().Post(context.Background(), path, nil)
		if err != nil {
			exitWithError("report trigger failed", err)
		}
		printRaw(raw)
	},
}

func init() {
	reportCmd.Flags().BoolVar(&reportForce, "force", false, "send even when scheduled reporting is disabled")
}
