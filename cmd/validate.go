// Package cmd implements CLI commands.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"icc.tech/dispatchd/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Run: func(cmd *cobra.Command, args []string) {
		if configFile == "" {
			exitWithError("no config file given, use --config", nil)
		}
		cfg, err := config.Load(configFile)
		if err != nil {
			exitWithError("configuration is invalid", err)
		}
		fmt.Printf("configuration ok: listen=%s data_dir=%s persistence=%t sweep=%s\n",
			cfg.Server.Listen, cfg.DataDir, cfg.Persistence.Enabled, cfg.Sweep.Interval)
	},
}
