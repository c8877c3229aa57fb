package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vistara-apps/usagebill/adapters/sqlite"
	"github.com/vistara-apps/usagebill/config"
)

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)

func (c *cli) newValidateCmd() *cobra.Command {
	var checkDatabase bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration before deployment",
		Long: `Validate the usagebill configuration file.

Checks:
  - YAML syntax is valid
  - Plans, thresholds and schedules are valid
  - Database is writable and migrations apply (optional)

Examples:
  usagebill validate
  usagebill validate --config /etc/usagebill/config.yaml --check-database`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Validating %s...\n\n", c.cfgFile)

			if _, err := os.Stat(c.cfgFile); os.IsNotExist(err) {
				fmt.Fprintf(out, "  %s Config file exists\n", crossMark)
				return fmt.Errorf("config file not found: %s", c.cfgFile)
			}
			fmt.Fprintf(out, "  %s Config file exists\n", checkMark)

			cfg, err := config.Load(c.cfgFile)
			if err != nil {
				fmt.Fprintf(out, "  %s Config valid\n", crossMark)
				return fmt.Errorf("config error: %w", err)
			}
			fmt.Fprintf(out, "  %s Config valid\n", checkMark)

			th := cfg.Thresholds()
			fmt.Fprintf(out, "  %s Database: %s (%s)\n", checkMark, cfg.Database.Path, cfg.Database.Driver)
			fmt.Fprintf(out, "  %s Currency: %s\n", checkMark, strings.ToUpper(cfg.Billing.Currency))
			fmt.Fprintf(out, "  %s Alert thresholds: %s%% / %s%%\n", checkMark, th.NearLimitPercent, th.CriticalPercent)
			fmt.Fprintf(out, "  %s Plans configured: %d\n", checkMark, len(cfg.Plans))
			fmt.Fprintf(out, "  %s Payment provider: %s\n", checkMark, cfg.Payment.Provider)
			fmt.Fprintf(out, "  %s Rollover schedule: %s\n", checkMark, orDisabled(cfg.Schedule.Rollover))
			fmt.Fprintf(out, "  %s Collection schedule: %s\n", checkMark, orDisabled(cfg.Schedule.Collection))

			if checkDatabase && cfg.Database.Driver == "sqlite" {
				if err := checkDatabaseWritable(cmd.Context(), cfg.Database.Path); err != nil {
					fmt.Fprintf(out, "  %s Database writable\n", crossMark)
					fmt.Fprintf(out, "      Error: %v\n", err)
				} else {
					fmt.Fprintf(out, "  %s Database writable\n", checkMark)
				}
			}

			fmt.Fprintf(out, "\nReloadable without restart: %s\n", strings.Join(config.ReloadableFields(), ", "))
			fmt.Fprintln(out, "\nConfiguration is valid.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkDatabase, "check-database", false, "check if the database is writable")
	return cmd
}

func checkDatabaseWritable(ctx context.Context, path string) error {
	db, err := sqlite.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()
	if ctx == nil {
		ctx = context.Background()
	}
	return db.Migrate(ctx)
}

func orDisabled(spec string) string {
	if spec == "" {
		return "disabled"
	}
	return spec
}
