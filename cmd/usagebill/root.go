package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/vistara-apps/usagebill/bootstrap"
)

// cli holds the global flags shared by every command.
type cli struct {
	cfgFile string
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "usagebill",
		Short: "Usage metering and overage billing engine",
		Long: `usagebill meters subscription usage against plan limits, prices overage
with a margin, and reports revenue and overage analytics.

Quick start:
  usagebill serve          # Start the HTTP API

Management:
  usagebill plans          # Manage the plan registry
  usagebill subscriptions  # Manage subscriptions and record usage
  usagebill analytics      # Revenue and overage analytics
  usagebill collect        # Collect overage for closed periods
  usagebill validate       # Validate configuration`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&c.cfgFile, "config", "c", "usagebill.yaml", "config file path")

	root.AddCommand(
		c.newServeCmd(),
		c.newPlansCmd(),
		c.newSubscriptionsCmd(),
		c.newAnalyticsCmd(),
		c.newCollectCmd(),
		c.newRolloverCmd(),
		c.newValidateCmd(),
		newVersionCmd(),
	)
	return root
}

// open wires the application for a one-shot command. Metrics go to a private
// registry and logs to stderr so command output stays clean.
func (c *cli) open(cmd *cobra.Command) (*bootstrap.App, error) {
	return bootstrap.New(bootstrap.Options{
		ConfigPath: c.cfgFile,
		Version:    version,
		LogOutput:  cmd.ErrOrStderr(),
		Registry:   prometheus.NewRegistry(),
	})
}

// withApp opens the application, runs fn and shuts it down.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *bootstrap.App) error) error {
	a, err := c.open(cmd)
	if err != nil {
		return err
	}
	defer a.Shutdown()
	return fn(cmd.Context(), a)
}
