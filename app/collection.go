package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vistara-apps/usagebill/domain/subscription"
	"github.com/vistara-apps/usagebill/ports"
)

// CollectionDeps contains dependencies for CollectionService.
type CollectionDeps struct {
	Billing       *BillingService
	Subscriptions ports.SubscriptionStore
	Collections   ports.CollectionStore
	Collector     ports.PaymentCollector
	Clock         ports.Clock
	Observer      ports.BillingObserver
	Logger        zerolog.Logger
}

// CollectionSummary reports the outcome of a collection run.
type CollectionSummary struct {
	Collected int
	Skipped   int // already collected
	Failed    int
	Amount    int64 // minor units collected in this run
}

// CollectionService bills the overage of closed periods through the
// configured payment collector. Each period is charged at most once.
type CollectionService struct {
	billing     *BillingService
	subs        ports.SubscriptionStore
	collections ports.CollectionStore
	collector   ports.PaymentCollector
	clock       ports.Clock
	observer    ports.BillingObserver
	logger      zerolog.Logger
}

// NewCollectionService creates a new collection service.
func NewCollectionService(deps CollectionDeps) *CollectionService {
	s := &CollectionService{
		billing:     deps.Billing,
		subs:        deps.Subscriptions,
		collections: deps.Collections,
		collector:   deps.Collector,
		clock:       deps.Clock,
		observer:    deps.Observer,
		logger:      deps.Logger,
	}
	if s.observer == nil {
		s.observer = ports.NopObserver{}
	}
	return s
}

// CollectClosed charges every closed period that started at or after since
// and ended in running-overage. Failures are counted and logged; the run
// continues with the next period.
func (s *CollectionService) CollectClosed(ctx context.Context, since time.Time) (CollectionSummary, error) {
	closed, err := s.subs.History(ctx, since)
	if err != nil {
		return CollectionSummary{}, fmt.Errorf("load period history: %w", err)
	}

	var sum CollectionSummary
	for _, sub := range closed {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		v, err := s.billing.view(ctx, sub)
		if err != nil {
			return sum, err
		}
		if v.Status != subscription.StatusRunningOverage || v.Charge.OverageCharge == 0 {
			continue
		}

		collected, err := s.collect(ctx, v)
		switch {
		case err != nil:
			sum.Failed++
			s.logger.Error().Err(err).
				Str("subscription_id", sub.ID).
				Time("period_start", sub.Period.Start).
				Int64("amount", v.Charge.OverageCharge).
				Msg("overage collection failed")
		case collected:
			sum.Collected++
			sum.Amount += v.Charge.OverageCharge
		default:
			sum.Skipped++
		}
	}

	s.logger.Info().
		Int("collected", sum.Collected).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Int64("amount", sum.Amount).
		Str("provider", s.collector.Name()).
		Msg("collection run finished")
	return sum, nil
}

// collect charges one period. It returns false if the period had already
// been collected.
func (s *CollectionService) collect(ctx context.Context, v View) (bool, error) {
	req := ports.CollectionRequest{
		SubscriptionID: v.Subscription.ID,
		CustomerID:     v.Subscription.CustomerID,
		PlanID:         v.Plan.ID,
		PeriodStart:    v.Subscription.Period.Start,
		PeriodEnd:      v.Subscription.Period.End,
		Units:          v.Charge.OverageUnits,
		Amount:         v.Charge.OverageCharge,
		Currency:       s.billing.Currency(),
	}
	if item, ok := v.Invoice.OverageItem(); ok {
		req.Description = v.Plan.Name + " " + item.Description
	}
	key := req.IdempotencyKey()

	if _, err := s.collections.Get(ctx, key); err == nil {
		return false, nil
	} else if !errors.Is(err, ports.ErrNotFound) {
		return false, fmt.Errorf("check collection %s: %w", key, err)
	}

	receipt, err := s.collector.Collect(ctx, req)
	s.observer.Collected(s.collector.Name(), req.PlanID, req.Currency, req.Amount, err)
	if err != nil {
		return false, fmt.Errorf("collect %s: %w", key, err)
	}

	err = s.collections.Save(ctx, ports.Collection{
		Key:            key,
		SubscriptionID: req.SubscriptionID,
		Provider:       receipt.Provider,
		Reference:      receipt.Reference,
		Amount:         receipt.Amount,
		Currency:       receipt.Currency,
		CollectedAt:    s.clock.Now(),
	})
	if errors.Is(err, ports.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("record collection %s: %w", key, err)
	}

	s.logger.Info().
		Str("subscription_id", req.SubscriptionID).
		Str("reference", receipt.Reference).
		Int64("amount", receipt.Amount).
		Msg("overage collected")
	return true, nil
}

// Collections lists the recorded collections of a subscription.
func (s *CollectionService) Collections(ctx context.Context, subscriptionID string) ([]ports.Collection, error) {
	return s.collections.List(ctx, subscriptionID)
}
