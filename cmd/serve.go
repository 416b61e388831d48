// Package cmd implements CLI commands.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"icc.tech/dispatchd/internal/daemon"
)

var pidFile string

// serveCmd runs the coordinator daemon in foreground
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run dispatchd coordinator in foreground",
	Long: `Run the dispatchd coordinator process in foreground.

The daemon will:
  1. Load global configuration from config file
  2. Initialize logging and metrics
  3. Restore persisted rounds from the data directory
  4. Serve the HTTP API for worker nodes and the dashboard
  5. Sweep timed-out tasks and post scheduled progress reports
  6. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(); err != nil {
			slog.Error("daemon failed", "error", err)
			os.Exit(1)
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&pidFile, "pid-file", "", "PID file path (default from config)")
}

func runServe() error {
	d, err := daemon.New(configFile, pidFile)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}
	return d.Run()
}
