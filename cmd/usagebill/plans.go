package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/vistara-apps/usagebill/bootstrap"
	"github.com/vistara-apps/usagebill/domain/billing"
	"github.com/vistara-apps/usagebill/domain/plan"
	"github.com/vistara-apps/usagebill/domain/pricing"
)

func (c *cli) newPlansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Manage the plan registry",
		Long: `Manage billing plans.

Plans define the base price, included usage and overage pricing of a
subscription. Editing the terms of a plan creates a new version; existing
subscriptions keep the version they signed up on.

Examples:
  usagebill plans list
  usagebill plans get starter
  usagebill plans create --id=starter --name="Starter" --base-price=2999 --limit=1000 --unit-price=10 --margin=20
  usagebill plans edit starter --limit=2000
  usagebill plans archive starter
  usagebill plans remove starter`,
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List all plans",
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withApp(cmd, func(ctx context.Context, a *bootstrap.App) error {
					plans, err := a.Plans.List(ctx)
					if err != nil {
						return fmt.Errorf("list plans: %w", err)
					}
					if len(plans) == 0 {
						fmt.Fprintln(cmd.OutOrStdout(), "No plans found.")
						return nil
					}

					w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
					fmt.Fprintln(w, "ID\tVERSION\tNAME\tSTATUS\tBASE\tLIMIT\tOVERAGE/UNIT")
					for _, p := range plans {
						fmt.Fprintf(w, "%s\tv%d\t%s\t%s\t%s\t%d\t%s\n",
							p.ID, p.Version, p.Name, p.Status,
							billing.FormatAmount(p.BasePrice), p.UsageLimit, billedRate(p))
					}
					return w.Flush()
				})
			},
		},
		&cobra.Command{
			Use:   "get <plan-id>",
			Short: "Get plan details",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withApp(cmd, func(ctx context.Context, a *bootstrap.App) error {
					p, err := a.Plans.Get(ctx, args[0])
					if err != nil {
						return fmt.Errorf("plan %s: %w", args[0], err)
					}
					printPlan(cmd, p)
					return nil
				})
			},
		},
		c.newPlansCreateCmd(),
		c.newPlansEditCmd(),
		c.newPlanStatusCmd("publish", "published", "Offer a plan to new subscriptions"),
		c.newPlanStatusCmd("archive", "archived", "Stop offering a plan"),
		&cobra.Command{
			Use:   "remove <plan-id>",
			Short: "Delete a plan, or archive it if subscriptions reference it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withApp(cmd, func(ctx context.Context, a *bootstrap.App) error {
					deleted, err := a.Plans.Remove(ctx, args[0])
					if err != nil {
						return fmt.Errorf("remove plan: %w", err)
					}
					if deleted {
						fmt.Fprintf(cmd.OutOrStdout(), "Plan %s deleted.\n", args[0])
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "Plan %s is in use and was archived.\n", args[0])
					}
					return nil
				})
			},
		},
	)
	return cmd
}

func (c *cli) newPlansCreateCmd() *cobra.Command {
	var (
		p         plan.Plan
		status    string
		features  string
		unitPrice string
		marginPct string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			if p.ID == "" {
				return fmt.Errorf("--id is required")
			}
			if p.Name == "" {
				p.Name = p.ID
			}
			p.Status = plan.Status(status)
			p.Features = splitList(features)

			var err error
			if p.OverageUnitPrice, err = parseDecimal("unit-price", unitPrice); err != nil {
				return err
			}
			if p.OverageMarginPercent, err = parseDecimal("margin", marginPct); err != nil {
				return err
			}

			return c.withApp(cmd, func(ctx context.Context, a *bootstrap.App) error {
				created, err := a.Plans.Create(ctx, p)
				if err != nil {
					return fmt.Errorf("create plan: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Plan %s created (v%d).\n", created.ID, created.Version)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&p.ID, "id", "", "plan ID (required)")
	cmd.Flags().StringVar(&p.Name, "name", "", "display name")
	cmd.Flags().StringVar(&p.Description, "description", "", "description")
	cmd.Flags().StringVar(&features, "features", "", "comma-separated feature list")
	cmd.Flags().StringVar(&status, "status", string(plan.StatusActive), "draft or active")
	cmd.Flags().Int64Var(&p.BasePrice, "base-price", 0, "base price per period in cents")
	cmd.Flags().Int64Var(&p.UsageLimit, "limit", 0, "units included per period")
	cmd.Flags().StringVar(&unitPrice, "unit-price", "0", "overage price per unit in cents")
	cmd.Flags().StringVar(&marginPct, "margin", "0", "overage margin percent")
	return cmd
}

func (c *cli) newPlansEditCmd() *cobra.Command {
	var (
		name, description, features string
		basePrice, limit            int64
		unitPrice, marginPct        string
	)

	cmd := &cobra.Command{
		Use:   "edit <plan-id>",
		Short: "Edit a plan, creating a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var edit plan.Edit
			flags := cmd.Flags()
			if flags.Changed("name") {
				edit.Name = &name
			}
			if flags.Changed("description") {
				edit.Description = &description
			}
			if flags.Changed("features") {
				edit.Features = splitList(features)
			}
			if flags.Changed("base-price") {
				edit.BasePrice = &basePrice
			}
			if flags.Changed("limit") {
				edit.UsageLimit = &limit
			}
			if flags.Changed("unit-price") {
				d, err := parseDecimal("unit-price", unitPrice)
				if err != nil {
					return err
				}
				edit.OverageUnitPrice = &d
			}
			if flags.Changed("margin") {
				d, err := parseDecimal("margin", marginPct)
				if err != nil {
					return err
				}
				edit.OverageMarginPercent = &d
			}

			return c.withApp(cmd, func(ctx context.Context, a *bootstrap.App) error {
				updated, err := a.Plans.Edit(ctx, args[0], edit)
				if err != nil {
					return fmt.Errorf("edit plan: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Plan %s is now v%d.\n", updated.ID, updated.Version)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&features, "features", "", "comma-separated feature list")
	cmd.Flags().Int64Var(&basePrice, "base-price", 0, "base price per period in cents")
	cmd.Flags().Int64Var(&limit, "limit", 0, "units included per period")
	cmd.Flags().StringVar(&unitPrice, "unit-price", "", "overage price per unit in cents")
	cmd.Flags().StringVar(&marginPct, "margin", "", "overage margin percent")
	return cmd
}

func (c *cli) newPlanStatusCmd(use, done, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <plan-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *bootstrap.App) error {
				var err error
				if use == "publish" {
					err = a.Plans.Publish(ctx, args[0])
				} else {
					err = a.Plans.Archive(ctx, args[0])
				}
				if err != nil {
					return fmt.Errorf("%s plan: %w", use, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Plan %s %s.\n", args[0], done)
				return nil
			})
		},
	}
}

func printPlan(cmd *cobra.Command, p plan.Plan) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:            %s\n", p.ID)
	fmt.Fprintf(out, "Version:       %d\n", p.Version)
	fmt.Fprintf(out, "Name:          %s\n", p.Name)
	if p.Description != "" {
		fmt.Fprintf(out, "Description:   %s\n", p.Description)
	}
	if len(p.Features) > 0 {
		fmt.Fprintf(out, "Features:      %s\n", strings.Join(p.Features, ", "))
	}
	fmt.Fprintf(out, "Status:        %s\n", p.Status)
	fmt.Fprintf(out, "Base Price:    %s/period\n", billing.FormatAmount(p.BasePrice))
	fmt.Fprintf(out, "Usage Limit:   %d units\n", p.UsageLimit)
	fmt.Fprintf(out, "Unit Price:    %s\n", billing.FormatRate(p.OverageUnitPrice))
	fmt.Fprintf(out, "Margin:        %s%%\n", p.OverageMarginPercent)
	fmt.Fprintf(out, "Billed Rate:   %s/unit\n", billedRate(p))
	fmt.Fprintf(out, "Updated:       %s\n", p.UpdatedAt.Format("2006-01-02 15:04:05"))
}

func billedRate(p plan.Plan) string {
	rate, err := pricing.BilledUnitRate(p)
	if err != nil {
		return "invalid"
	}
	return billing.FormatRate(rate)
}

func parseDecimal(flag, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("--%s: %q is not a number", flag, s)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
