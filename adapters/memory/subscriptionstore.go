package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vistara-apps/usagebill/domain/subscription"
	"github.com/vistara-apps/usagebill/ports"
)

// SubscriptionStore is an in-memory implementation of ports.SubscriptionStore.
type SubscriptionStore struct {
	mu      sync.RWMutex
	subs    map[string]subscription.Subscription
	history []subscription.Subscription
}

// NewSubscriptionStore creates a new in-memory subscription store.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{subs: make(map[string]subscription.Subscription)}
}

// Get retrieves a subscription by ID.
func (s *SubscriptionStore) Get(ctx context.Context, id string) (subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id]
	if !ok {
		return subscription.Subscription{}, fmt.Errorf("subscription %s: %w", id, ports.ErrNotFound)
	}
	return sub, nil
}

// List returns subscriptions matching filter, ordered by ID.
func (s *SubscriptionStore) List(ctx context.Context, filter ports.SubscriptionFilter) ([]subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []subscription.Subscription
	for _, sub := range s.subs {
		if filter.Matches(sub) {
			out = append(out, sub)
		}
	}
	slices.SortFunc(out, func(a, b subscription.Subscription) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Create stores a new subscription.
func (s *SubscriptionStore) Create(ctx context.Context, sub subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subs[sub.ID]; exists {
		return fmt.Errorf("subscription %s: %w", sub.ID, ports.ErrConflict)
	}
	s.subs[sub.ID] = sub
	return nil
}

// Update replaces a subscription.
func (s *SubscriptionStore) Update(ctx context.Context, sub subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[sub.ID]; !ok {
		return fmt.Errorf("subscription %s: %w", sub.ID, ports.ErrNotFound)
	}
	s.subs[sub.ID] = sub
	return nil
}

// RecordUsage sets current usage, guarded on the open period.
func (s *SubscriptionStore) RecordUsage(ctx context.Context, id string, period subscription.BillingPeriod, usage int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok {
		return fmt.Errorf("subscription %s: %w", id, ports.ErrNotFound)
	}
	if !sub.Period.Equal(period) {
		return fmt.Errorf("subscription %s: period %s is not open: %w", id, period.Start.Format(time.DateOnly), ports.ErrConflict)
	}
	sub.CurrentUsage = usage
	sub.UpdatedAt = at
	s.subs[id] = sub
	return nil
}

// CountByPlan counts subscriptions and closed periods on a plan.
func (s *SubscriptionStore) CountByPlan(ctx context.Context, planID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, sub := range s.subs {
		if sub.PlanID == planID {
			n++
		}
	}
	for _, h := range s.history {
		if h.PlanID == planID {
			n++
		}
	}
	return n, nil
}

// ClosePeriod archives closed and stores next as the live record. The live
// record must still match closed; otherwise ErrConflict is returned.
func (s *SubscriptionStore) ClosePeriod(ctx context.Context, closed, next subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	live, ok := s.subs[next.ID]
	if !ok {
		return fmt.Errorf("subscription %s: %w", next.ID, ports.ErrNotFound)
	}
	if !live.Period.Start.Equal(closed.Period.Start) ||
		live.Lifecycle != closed.Lifecycle ||
		live.CurrentUsage != closed.CurrentUsage {
		return fmt.Errorf("subscription %s changed since it was read: %w", closed.ID, ports.ErrConflict)
	}
	for _, h := range s.history {
		if h.ID == closed.ID && h.Period.Start.Equal(closed.Period.Start) {
			return fmt.Errorf("subscription %s period %s already closed: %w",
				closed.ID, closed.Period.Start.Format(time.DateOnly), ports.ErrConflict)
		}
	}
	s.history = append(s.history, closed)
	s.subs[next.ID] = next
	return nil
}

// History returns closed periods that started at or after since.
func (s *SubscriptionStore) History(ctx context.Context, since time.Time) ([]subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []subscription.Subscription
	for _, h := range s.history {
		if !h.Period.Start.Before(since) {
			out = append(out, h)
		}
	}
	slices.SortFunc(out, func(a, b subscription.Subscription) int {
		if c := a.Period.Start.Compare(b.Period.Start); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Ensure interface compliance.
var _ ports.SubscriptionStore = (*SubscriptionStore)(nil)
