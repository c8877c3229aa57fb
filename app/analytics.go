package app

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/vistara-apps/usagebill/domain/portfolio"
	"github.com/vistara-apps/usagebill/ports"
	"golang.org/x/sync/errgroup"
)

// DefaultAggregationConcurrency bounds the per-plan fan-out.
const DefaultAggregationConcurrency = 4

// Report is the analytics over the whole portfolio at one instant.
type Report struct {
	Portfolio         portfolio.Analytics
	ByPlan            []portfolio.Analytics // ordered by plan ID
	PendingCollection int64
	GeneratedAt       time.Time
}

// AnalyticsService computes revenue analytics.
type AnalyticsService struct {
	billing     *BillingService
	subs        ports.SubscriptionStore
	clock       ports.Clock
	observer    ports.BillingObserver
	logger      zerolog.Logger
	concurrency int
}

// NewAnalyticsService creates a new analytics service.
func NewAnalyticsService(billing *BillingService, subs ports.SubscriptionStore, clock ports.Clock,
	observer ports.BillingObserver, logger zerolog.Logger, concurrency int) *AnalyticsService {
	if observer == nil {
		observer = ports.NopObserver{}
	}
	if concurrency <= 0 {
		concurrency = DefaultAggregationConcurrency
	}
	return &AnalyticsService{
		billing:     billing,
		subs:        subs,
		clock:       clock,
		observer:    observer,
		logger:      logger,
		concurrency: concurrency,
	}
}

// Report aggregates every subscription's open period.
func (s *AnalyticsService) Report(ctx context.Context) (Report, error) {
	entries, err := s.billing.Entries(ctx, ports.SubscriptionFilter{})
	if err != nil {
		return Report{}, err
	}

	total, err := portfolio.Aggregate(entries)
	if err != nil {
		return Report{}, err
	}
	byPlan, err := s.aggregateByPlan(ctx, entries)
	if err != nil {
		return Report{}, err
	}
	pending, err := portfolio.PendingCollection(entries)
	if err != nil {
		return Report{}, err
	}

	s.observer.PortfolioComputed(total)
	s.logger.Debug().
		Int("subscriptions", len(entries)).
		Int("plans", len(byPlan)).
		Int64("monthly_revenue", total.MonthlyRevenue).
		Msg("analytics computed")

	return Report{
		Portfolio:         total,
		ByPlan:            byPlan,
		PendingCollection: pending,
		GeneratedAt:       s.clock.Now(),
	}, nil
}

// aggregateByPlan aggregates each plan group concurrently. Groups are
// read-only and each result has its own slot, so no locking is needed.
func (s *AnalyticsService) aggregateByPlan(ctx context.Context, entries []portfolio.Entry) ([]portfolio.Analytics, error) {
	groups := portfolio.GroupByPlan(entries)
	planIDs := lo.Keys(groups)
	slices.Sort(planIDs)

	results := make([]portfolio.Analytics, len(planIDs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, id := range planIDs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			a, err := portfolio.AggregateGroup(id, groups[id])
			if err != nil {
				return fmt.Errorf("aggregate plan %s: %w", id, err)
			}
			results[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Revenue returns one revenue point per billing period that started at or
// after since, including the open period.
func (s *AnalyticsService) Revenue(ctx context.Context, since time.Time) ([]portfolio.PeriodRevenue, error) {
	closed, err := s.subs.History(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("load period history: %w", err)
	}
	entries := make([]portfolio.Entry, 0, len(closed))
	for _, sub := range closed {
		v, err := s.billing.view(ctx, sub)
		if err != nil {
			return nil, err
		}
		entries = append(entries, v.Entry())
	}

	current, err := s.billing.Entries(ctx, ports.SubscriptionFilter{})
	if err != nil {
		return nil, err
	}
	entries = append(entries, lo.Filter(current, func(e portfolio.Entry, _ int) bool {
		return !e.Subscription.Period.Start.Before(since)
	})...)

	return portfolio.RevenueSeries(entries)
}
