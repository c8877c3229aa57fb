package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vistara-apps/usagebill/app"
	"github.com/vistara-apps/usagebill/bootstrap"
	"github.com/vistara-apps/usagebill/domain/billing"
)

func (c *cli) newCollectCmd() *cobra.Command {
	var since string

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect overage for closed billing periods",
		Long: `Charge the overage of every closed billing period through the configured
payment provider. A period is charged at most once, so the command is safe
to re-run.

By default the run covers schedule.collection_lookback_months periods.

Examples:
  usagebill collect
  usagebill collect --since=2026-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseMonth(since)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *bootstrap.App) error {
				var sum app.CollectionSummary
				if from.IsZero() {
					sum, err = a.Scheduler.RunCollection(ctx)
				} else {
					sum, err = a.Collections.CollectClosed(ctx, from)
				}
				if err != nil {
					return fmt.Errorf("collect: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Collected %d period(s) for %s, skipped %d, failed %d.\n",
					sum.Collected, billing.FormatAmount(sum.Amount), sum.Skipped, sum.Failed)
				if sum.Failed > 0 {
					return fmt.Errorf("%d collection(s) failed", sum.Failed)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&since, "since", "", "first period to collect (YYYY-MM)")
	return cmd
}

func (c *cli) newRolloverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollover",
		Short: "Close ended billing periods and open the next ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *bootstrap.App) error {
				closed, err := a.Scheduler.RunRollover(ctx)
				if err != nil {
					return fmt.Errorf("rollover: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Closed %d billing period(s).\n", closed)
				return nil
			})
		},
	}
}
