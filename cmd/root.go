// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"icc.tech/dispatchd/internal/api"
)

var (
	// Global flags
	configFile string
	serverAddr string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dispatchd",
	Short: "dispatchd - centralized task dispatch coordinator",
	Long: `dispatchd is a centralized coordinator that distributes file-path work
items to stateless worker nodes.

Workers lease batches of tasks over HTTP, process them, and report back
success or failure. The coordinator groups tasks into rounds, retries
timed-out tasks once, tracks per-node throughput, persists rounds as JSON
snapshots, and notifies a Feishu webhook when all work completes.`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (default built-in settings)")
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "http://127.0.0.1:8080",
		"coordinator API address")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(roundsCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(validateCmd)
}

// newClient builds an API client from the --server flag.
func newClient() *api.Client {
	return api.NewClient(serverAddr, 30*time.Second)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
