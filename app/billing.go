// Package app provides application services that orchestrate domain logic.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/vistara-apps/usagebill/domain/billing"
	"github.com/vistara-apps/usagebill/domain/metering"
	"github.com/vistara-apps/usagebill/domain/plan"
	"github.com/vistara-apps/usagebill/domain/portfolio"
	"github.com/vistara-apps/usagebill/domain/pricing"
	"github.com/vistara-apps/usagebill/domain/subscription"
	"github.com/vistara-apps/usagebill/ports"
)

// Service-level errors that are not engine validation failures.
var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrPlanNotOffered = errors.New("plan not offered")
)

// View is the billing picture of one subscription in its open period.
type View struct {
	Subscription subscription.Subscription
	Plan         plan.Plan
	Snapshot     metering.Snapshot
	Charge       pricing.Charge
	Status       subscription.Status
	Invoice      billing.Invoice
}

// Entry converts the view for portfolio aggregation.
func (v View) Entry() portfolio.Entry {
	return portfolio.Entry{
		Subscription: v.Subscription,
		Plan:         v.Plan,
		Snapshot:     v.Snapshot,
		Charge:       v.Charge,
	}
}

// BillingDeps contains dependencies for BillingService.
type BillingDeps struct {
	Plans         ports.PlanStore
	Subscriptions ports.SubscriptionStore
	Clock         ports.Clock
	IDGen         ports.IDGenerator
	Observer      ports.BillingObserver
	Logger        zerolog.Logger
}

// BillingConfig contains configuration for BillingService.
type BillingConfig struct {
	Currency   string
	Thresholds metering.Thresholds
}

// DynamicConfig contains hot-reloadable configuration.
type DynamicConfig struct {
	Thresholds metering.Thresholds
}

// BillingService meters subscriptions, prices their overage and keeps their
// lifecycle.
type BillingService struct {
	plans    ports.PlanStore
	subs     ports.SubscriptionStore
	clock    ports.Clock
	idGen    ports.IDGenerator
	observer ports.BillingObserver
	logger   zerolog.Logger

	currency string

	dynamicCfg atomic.Pointer[DynamicConfig]
}

// NewBillingService creates a new billing service.
func NewBillingService(deps BillingDeps, cfg BillingConfig) *BillingService {
	s := &BillingService{
		plans:    deps.Plans,
		subs:     deps.Subscriptions,
		clock:    deps.Clock,
		idGen:    deps.IDGen,
		observer: deps.Observer,
		logger:   deps.Logger,
		currency: cfg.Currency,
	}
	if s.observer == nil {
		s.observer = ports.NopObserver{}
	}
	if s.currency == "" {
		s.currency = "usd"
	}
	th := cfg.Thresholds
	if th.NearLimitPercent.IsZero() && th.CriticalPercent.IsZero() {
		th = metering.DefaultThresholds()
	}
	s.dynamicCfg.Store(&DynamicConfig{Thresholds: th})
	return s
}

// UpdateConfig swaps the hot-reloadable configuration.
func (s *BillingService) UpdateConfig(cfg DynamicConfig) error {
	if err := cfg.Thresholds.Validate(); err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}
	s.dynamicCfg.Store(&cfg)
	s.logger.Info().
		Str("near_limit_percent", cfg.Thresholds.NearLimitPercent.String()).
		Str("critical_percent", cfg.Thresholds.CriticalPercent.String()).
		Msg("billing thresholds updated")
	return nil
}

// Thresholds returns the warning bands in effect.
func (s *BillingService) Thresholds() metering.Thresholds {
	return s.dynamicCfg.Load().Thresholds
}

// Currency returns the billing currency.
func (s *BillingService) Currency() string {
	return s.currency
}

// Evaluate runs the engine pipeline for sub priced under p.
func (s *BillingService) Evaluate(sub subscription.Subscription, p plan.Plan) (View, error) {
	snap, err := metering.ComputeSnapshotWith(p, sub.CurrentUsage, s.Thresholds())
	if err != nil {
		return View{}, fmt.Errorf("subscription %s: %w", sub.ID, err)
	}
	charge, err := pricing.FromSnapshot(p, snap)
	if err != nil {
		return View{}, fmt.Errorf("subscription %s: %w", sub.ID, err)
	}
	status, err := subscription.DeriveStatus(sub.Lifecycle, snap)
	if err != nil {
		return View{}, fmt.Errorf("subscription %s: %w", sub.ID, err)
	}

	s.observer.SnapshotComputed(p.ID, snap.Level)

	return View{
		Subscription: sub,
		Plan:         p,
		Snapshot:     snap,
		Charge:       charge,
		Status:       status,
		Invoice:      billing.ComposeInvoice(sub, p, status, charge, s.currency, s.clock.Now()),
	}, nil
}

// pinnedPlan loads the plan version a subscription is billed under.
func (s *BillingService) pinnedPlan(ctx context.Context, sub subscription.Subscription) (plan.Plan, error) {
	p, err := s.plans.GetVersion(ctx, sub.PlanID, sub.PlanVersion)
	if err != nil {
		return plan.Plan{}, fmt.Errorf("load plan %s@%d: %w", sub.PlanID, sub.PlanVersion, err)
	}
	return p, nil
}

func (s *BillingService) view(ctx context.Context, sub subscription.Subscription) (View, error) {
	p, err := s.pinnedPlan(ctx, sub)
	if err != nil {
		return View{}, err
	}
	return s.Evaluate(sub, p)
}

// Get returns the billing view of one subscription.
func (s *BillingService) Get(ctx context.Context, id string) (View, error) {
	sub, err := s.subs.Get(ctx, id)
	if err != nil {
		return View{}, fmt.Errorf("load subscription %s: %w", id, err)
	}
	return s.view(ctx, sub)
}

// List returns the billing views of all matching subscriptions.
func (s *BillingService) List(ctx context.Context, filter ports.SubscriptionFilter) ([]View, error) {
	subs, err := s.subs.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	views := make([]View, 0, len(subs))
	for _, sub := range subs {
		v, err := s.view(ctx, sub)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// Entries returns the portfolio entries of all matching subscriptions.
func (s *BillingService) Entries(ctx context.Context, filter ports.SubscriptionFilter) ([]portfolio.Entry, error) {
	views, err := s.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return lo.Map(views, func(v View, _ int) portfolio.Entry { return v.Entry() }), nil
}

// SubscribeRequest opens a subscription on the latest version of a plan.
type SubscribeRequest struct {
	CustomerID string
	PlanID     string
}

// Subscribe creates a running subscription with zero usage in the current period.
func (s *BillingService) Subscribe(ctx context.Context, req SubscribeRequest) (View, error) {
	if strings.TrimSpace(req.CustomerID) == "" {
		return View{}, fmt.Errorf("%w: customer id is required", ErrInvalidInput)
	}
	p, err := s.plans.Get(ctx, req.PlanID)
	if err != nil {
		return View{}, fmt.Errorf("load plan %s: %w", req.PlanID, err)
	}
	if !plan.IsOffered(p) {
		return View{}, fmt.Errorf("%w: plan %s is %s", ErrPlanNotOffered, p.ID, p.Status)
	}

	now := s.clock.Now()
	sub := subscription.Subscription{
		ID:          s.idGen.New(),
		PlanID:      p.ID,
		PlanVersion: p.Version,
		CustomerID:  req.CustomerID,
		Period:      subscription.PeriodFor(now),
		Lifecycle:   subscription.LifecycleRunning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.subs.Create(ctx, sub); err != nil {
		return View{}, fmt.Errorf("create subscription: %w", err)
	}

	s.logger.Info().
		Str("subscription_id", sub.ID).
		Str("customer_id", sub.CustomerID).
		Str("plan_id", p.ID).
		Int("plan_version", p.Version).
		Msg("subscription created")

	return s.Evaluate(sub, p)
}

// ReadingRequest carries a cumulative usage reading.
// A zero PeriodStart targets the subscription's open period.
type ReadingRequest struct {
	SubscriptionID string
	Usage          int64
	PeriodStart    time.Time
}

// RecordReading replaces the usage of the open period with the reading and
// returns the re-evaluated view.
func (s *BillingService) RecordReading(ctx context.Context, req ReadingRequest) (View, error) {
	v, err := s.recordReading(ctx, req)
	s.observer.ReadingRecorded(err)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("subscription_id", req.SubscriptionID).
			Int64("usage", req.Usage).
			Msg("usage reading rejected")
	}
	return v, err
}

func (s *BillingService) recordReading(ctx context.Context, req ReadingRequest) (View, error) {
	sub, err := s.subs.Get(ctx, req.SubscriptionID)
	if err != nil {
		return View{}, fmt.Errorf("load subscription %s: %w", req.SubscriptionID, err)
	}

	now := s.clock.Now()
	if rolled, ok, err := s.rollover(ctx, sub, now); err != nil {
		return View{}, err
	} else if ok {
		sub = rolled
	}

	period := sub.Period
	if !req.PeriodStart.IsZero() {
		period = subscription.PeriodFor(req.PeriodStart)
	}

	updated, err := subscription.ApplyReading(sub, subscription.Reading{
		SubscriptionID: sub.ID,
		Period:         period,
		Usage:          req.Usage,
		ObservedAt:     now,
	})
	if err != nil {
		return View{}, err
	}
	if err := s.subs.RecordUsage(ctx, sub.ID, period, updated.CurrentUsage, now); err != nil {
		return View{}, fmt.Errorf("record usage for %s: %w", sub.ID, err)
	}

	v, err := s.view(ctx, updated)
	if err != nil {
		return View{}, err
	}
	if v.Snapshot.IsOverage && sub.CurrentUsage <= v.Snapshot.UsageLimit {
		s.logger.Info().
			Str("subscription_id", sub.ID).
			Int64("overage_units", v.Snapshot.OverageUnits).
			Int64("overage_charge", v.Charge.OverageCharge).
			Msg("subscription entered overage")
	}
	return v, nil
}

// SetLifecycle moves a subscription to the given lifecycle state.
func (s *BillingService) SetLifecycle(ctx context.Context, id string, to subscription.Lifecycle) (View, error) {
	sub, err := s.subs.Get(ctx, id)
	if err != nil {
		return View{}, fmt.Errorf("load subscription %s: %w", id, err)
	}
	updated, err := subscription.SetLifecycle(sub, to, s.clock.Now())
	if err != nil {
		return View{}, err
	}
	if updated.Lifecycle != sub.Lifecycle {
		if err := s.subs.Update(ctx, updated); err != nil {
			return View{}, fmt.Errorf("update subscription %s: %w", id, err)
		}
		s.logger.Info().
			Str("subscription_id", id).
			Str("from", string(sub.Lifecycle)).
			Str("to", string(to)).
			Msg("subscription lifecycle changed")
	}
	return s.view(ctx, updated)
}

// rollover closes sub's period if at has passed its end.
func (s *BillingService) rollover(ctx context.Context, sub subscription.Subscription, at time.Time) (subscription.Subscription, bool, error) {
	next, ok := subscription.Rollover(sub, at)
	if !ok {
		return sub, false, nil
	}
	if err := s.subs.ClosePeriod(ctx, sub, next); err != nil {
		return sub, false, fmt.Errorf("close period of %s: %w", sub.ID, err)
	}
	s.observer.PeriodClosed()
	s.logger.Info().
		Str("subscription_id", sub.ID).
		Time("closed_period_start", sub.Period.Start).
		Time("open_period_start", next.Period.Start).
		Int64("closed_usage", sub.CurrentUsage).
		Msg("billing period closed")
	return next, true, nil
}

// RolloverAll closes every period that has ended and returns how many were
// closed.
func (s *BillingService) RolloverAll(ctx context.Context) (int, error) {
	subs, err := s.subs.List(ctx, ports.SubscriptionFilter{})
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}
	now := s.clock.Now()
	closed := 0
	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return closed, err
		}
		_, ok, err := s.rollover(ctx, sub, now)
		if errors.Is(err, ports.ErrConflict) {
			// Changed after List; retry once against the current record.
			fresh, gerr := s.subs.Get(ctx, sub.ID)
			if gerr != nil {
				return closed, fmt.Errorf("reload subscription %s: %w", sub.ID, gerr)
			}
			_, ok, err = s.rollover(ctx, fresh, now)
			if errors.Is(err, ports.ErrConflict) {
				s.logger.Warn().Str("subscription_id", sub.ID).Msg("rollover skipped, subscription changed concurrently")
				continue
			}
		}
		if err != nil {
			return closed, err
		}
		if ok {
			closed++
		}
	}
	return closed, nil
}
