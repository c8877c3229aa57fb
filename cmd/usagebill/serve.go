package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/vistara-apps/usagebill/bootstrap"
)

func (c *cli) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the usagebill HTTP API.

The server will:
  - Load configuration from usagebill.yaml (or --config)
  - Or load configuration from USAGEBILL_* environment variables
  - Open the plan and subscription stores and sync the plan catalog
  - Run period rollover and overage collection on the configured schedules
  - Reload thresholds, log level, catalog and schedules on file change or SIGHUP

Environment variables (for Docker deployments):
  USAGEBILL_DATABASE_DRIVER   - sqlite or memory
  USAGEBILL_DATABASE_PATH     - SQLite file (default: usagebill.db)
  USAGEBILL_SERVER_PORT       - Server port (default: 8080)
  USAGEBILL_LOG_LEVEL         - Log level: debug, info, warn, error
  USAGEBILL_PAYMENT_PROVIDER  - stripe, dummy or none

Examples:
  usagebill serve
  usagebill serve --config /etc/usagebill/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(c.cfgFile); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "No config file at %s, using environment variables\n", c.cfgFile)
			}

			app, err := bootstrap.New(bootstrap.Options{
				ConfigPath: c.cfgFile,
				Version:    version,
			})
			if err != nil {
				return fmt.Errorf("error initializing: %w", err)
			}

			// Run (blocks until shutdown)
			return app.Run()
		},
	}
}
