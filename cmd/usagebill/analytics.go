package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vistara-apps/usagebill/bootstrap"
	"github.com/vistara-apps/usagebill/domain/billing"
	"github.com/vistara-apps/usagebill/domain/portfolio"
	"github.com/vistara-apps/usagebill/domain/subscription"
)

func (c *cli) newAnalyticsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Revenue and overage analytics",
	}

	var since string
	revenue := &cobra.Command{
		Use:   "revenue",
		Short: "Revenue per billing period",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseMonth(since)
			if err != nil {
				return err
			}
			return c.withApp(cmd, func(ctx context.Context, a *bootstrap.App) error {
				periods, err := a.Analytics.Revenue(ctx, from)
				if err != nil {
					return fmt.Errorf("revenue: %w", err)
				}
				if len(periods) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No revenue recorded.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "PERIOD\tBASE\tOVERAGE\tTOTAL\tGROWTH %")
				for _, p := range periods {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.PeriodStart.Format("2006-01"),
						billing.FormatAmount(p.Base), billing.FormatAmount(p.Overage), billing.FormatAmount(p.Total),
						p.GrowthPercent)
				}
				return w.Flush()
			})
		},
	}
	revenue.Flags().StringVar(&since, "since", "", "first period to include (YYYY-MM)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "report",
			Short: "Portfolio and per-plan overage analytics",
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withApp(cmd, func(ctx context.Context, a *bootstrap.App) error {
					r, err := a.Analytics.Report(ctx)
					if err != nil {
						return fmt.Errorf("analytics: %w", err)
					}
					out := cmd.OutOrStdout()
					fmt.Fprintf(out, "Generated:           %s\n", r.GeneratedAt.Format(time.RFC3339))
					fmt.Fprintf(out, "Pending collection:  %s\n\n", billing.FormatAmount(r.PendingCollection))

					w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
					fmt.Fprintln(w, "PLAN\tSUBSCRIBERS\tOVERAGE\tRATE %\tAVG CHARGE\tIMPACT %\tBASE\tOVERAGE REV\tMONTHLY\tRISK")
					printAnalyticsRow(w, "(all)", r.Portfolio)
					for _, pa := range r.ByPlan {
						printAnalyticsRow(w, pa.PlanID, pa)
					}
					if err := w.Flush(); err != nil {
						return err
					}

					printStatusCounts(cmd, r.Portfolio)
					return nil
				})
			},
		},
		revenue,
	)
	return cmd
}

func printAnalyticsRow(w *tabwriter.Writer, label string, a portfolio.Analytics) {
	avg := "n/a"
	if a.AverageOverageCharge.Valid {
		avg = billing.FormatRate(a.AverageOverageCharge.Value)
	}
	fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
		label, a.SubscriberCount, a.OverageCount, a.OverageRatePercent, avg, a.RevenueImpactPercent,
		billing.FormatAmount(a.TotalBaseRevenue), billing.FormatAmount(a.TotalOverageRevenue),
		billing.FormatAmount(a.MonthlyRevenue), a.Risk)
}

func printStatusCounts(cmd *cobra.Command, a portfolio.Analytics) {
	if len(a.StatusCounts) == 0 {
		return
	}
	fmt.Fprintln(cmd.OutOrStdout(), "\nStatus counts:")
	for _, s := range subscription.AllStatuses {
		fmt.Fprintf(cmd.OutOrStdout(), "  %-22s %d\n", s, a.StatusCounts[s])
	}
}

func parseMonth(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since must be YYYY-MM: %w", err)
	}
	return t, nil
}
