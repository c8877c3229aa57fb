package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vistara-apps/usagebill/app"
	"github.com/vistara-apps/usagebill/bootstrap"
	"github.com/vistara-apps/usagebill/domain/billing"
	"github.com/vistara-apps/usagebill/domain/subscription"
	"github.com/vistara-apps/usagebill/ports"
)

func (c *cli) newSubscriptionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscriptions",
		Aliases: []string{"subs"},
		Short:   "Manage subscriptions and record usage",
		Long: `Manage subscriptions.

Examples:
  usagebill subscriptions list --plan=starter
  usagebill subscriptions create --customer=cus_1 --plan=starter
  usagebill subscriptions reading sub_123 1250
  usagebill subscriptions show sub_123
  usagebill subscriptions lifecycle sub_123 paused`,
	}

	cmd.AddCommand(
		c.newSubsListCmd(),
		&cobra.Command{
			Use:   "show <subscription-id>",
			Short: "Show usage, status and the current invoice",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withApp(cmd, func(ctx context.Context, a *bootstrap.App) error {
					v, err := a.Billing.Get(ctx, args[0])
					if err != nil {
						return fmt.Errorf("subscription %s: %w", args[0], err)
					}
					printView(cmd, v)
					return nil
				})
			},
		},
		c.newSubsCreateCmd(),
		c.newSubsReadingCmd(),
		&cobra.Command{
			Use:   "lifecycle <subscription-id> <running|paused|canceled>",
			Short: "Pause, resume or cancel a subscription",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				to := subscription.Lifecycle(args[1])
				if !to.IsValid() {
					return fmt.Errorf("unknown lifecycle %q", args[1])
				}
				return c.withApp(cmd, func(ctx context.Context, a *bootstrap.App) error {
					v, err := a.Billing.SetLifecycle(ctx, args[0], to)
					if err != nil {
						return fmt.Errorf("set lifecycle: %w", err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Subscription %s is %s.\n", v.Subscription.ID, v.Status)
					return nil
				})
			},
		},
	)
	return cmd
}

func (c *cli) newSubsListCmd() *cobra.Command {
	var filter ports.SubscriptionFilter
	var lifecycle string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if lifecycle != "" {
				filter.Lifecycle = subscription.Lifecycle(lifecycle)
				if !filter.Lifecycle.IsValid() {
					return fmt.Errorf("unknown lifecycle %q", lifecycle)
				}
			}
			return c.withApp(cmd, func(ctx context.Context, a *bootstrap.App) error {
				views, err := a.Billing.List(ctx, filter)
				if err != nil {
					return fmt.Errorf("list subscriptions: %w", err)
				}
				if len(views) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No subscriptions found.")
					return nil
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tCUSTOMER\tPLAN\tUSAGE\tSTATUS\tOVERAGE")
				for _, v := range views {
					fmt.Fprintf(w, "%s\t%s\t%s v%d\t%d/%d\t%s\t%s\n",
						v.Subscription.ID, v.Subscription.CustomerID,
						v.Plan.ID, v.Plan.Version,
						v.Snapshot.CurrentUsage, v.Snapshot.UsageLimit,
						v.Status, billing.FormatAmount(v.Charge.OverageCharge))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&filter.PlanID, "plan", "", "only subscriptions on this plan")
	cmd.Flags().StringVar(&lifecycle, "lifecycle", "", "running, paused or canceled")
	return cmd
}

func (c *cli) newSubsCreateCmd() *cobra.Command {
	var req app.SubscribeRequest

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Subscribe a customer to a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.CustomerID == "" || req.PlanID == "" {
				return fmt.Errorf("--customer and --plan are required")
			}
			return c.withApp(cmd, func(ctx context.Context, a *bootstrap.App) error {
				v, err := a.Billing.Subscribe(ctx, req)
				if err != nil {
					return fmt.Errorf("subscribe: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Subscription %s created on %s v%d.\n",
					v.Subscription.ID, v.Plan.ID, v.Plan.Version)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&req.CustomerID, "customer", "", "customer ID (required)")
	cmd.Flags().StringVar(&req.PlanID, "plan", "", "plan ID (required)")
	return cmd
}

func (c *cli) newSubsReadingCmd() *cobra.Command {
	var period string

	cmd := &cobra.Command{
		Use:   "reading <subscription-id> <usage>",
		Short: "Record a cumulative usage reading for the current period",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			usage, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("usage must be a whole number, got %q", args[1])
			}
			req := app.ReadingRequest{SubscriptionID: args[0], Usage: usage}
			if period != "" {
				start, err := time.Parse("2006-01", period)
				if err != nil {
					return fmt.Errorf("--period must be YYYY-MM: %w", err)
				}
				req.PeriodStart = start
			}

			return c.withApp(cmd, func(ctx context.Context, a *bootstrap.App) error {
				v, err := a.Billing.RecordReading(ctx, req)
				if err != nil {
					return fmt.Errorf("record reading: %w", err)
				}
				printView(cmd, v)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&period, "period", "", "billing period the reading belongs to (YYYY-MM)")
	return cmd
}

func printView(cmd *cobra.Command, v app.View) {
	out := cmd.OutOrStdout()
	s := v.Subscription
	fmt.Fprintf(out, "ID:            %s\n", s.ID)
	fmt.Fprintf(out, "Customer:      %s\n", s.CustomerID)
	fmt.Fprintf(out, "Plan:          %s v%d\n", v.Plan.ID, v.Plan.Version)
	fmt.Fprintf(out, "Period:        %s to %s\n", s.Period.Start.Format("2006-01-02"), s.Period.End.Format("2006-01-02"))
	fmt.Fprintf(out, "Status:        %s\n", v.Status)
	fmt.Fprintf(out, "Usage:         %d/%d (%.1f%%)\n", v.Snapshot.CurrentUsage, v.Snapshot.UsageLimit, v.Snapshot.UsagePercent)
	fmt.Fprintf(out, "Alert:         %s\n", v.Snapshot.Level)
	if v.Snapshot.IsOverage {
		fmt.Fprintf(out, "Overage:       %d units at %s = %s\n",
			v.Charge.OverageUnits, billing.FormatRate(v.Charge.BilledUnitRate), billing.FormatAmount(v.Charge.OverageCharge))
	}

	fmt.Fprintf(out, "\nInvoice (%s):\n", v.Invoice.Status)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, item := range v.Invoice.Items {
		fmt.Fprintf(w, "  %s\t%d\t%s\n", item.Description, item.Quantity, billing.FormatAmount(item.Amount))
	}
	fmt.Fprintf(w, "  Total\t\t%s %s\n", billing.FormatAmount(v.Invoice.Total), v.Invoice.Currency)
	w.Flush()
}
