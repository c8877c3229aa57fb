// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/vistara-apps/usagebill/domain/metering"
	"github.com/vistara-apps/usagebill/domain/plan"
	"github.com/vistara-apps/usagebill/domain/portfolio"
	"github.com/vistara-apps/usagebill/domain/subscription"
)

// Storage outcomes shared by every store adapter.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// PlanStore is the plan registry. Every version of a plan is kept so that
// subscriptions pinned to an older version can still be priced.
type PlanStore interface {
	// List returns the latest version of every plan, archived included.
	List(ctx context.Context) ([]plan.Plan, error)

	// Get returns the latest version of a plan.
	Get(ctx context.Context, id string) (plan.Plan, error)

	// GetVersion returns one specific version of a plan.
	GetVersion(ctx context.Context, id string, version int) (plan.Plan, error)

	// Save stores p as a new version. Returns ErrConflict if the
	// (ID, Version) pair already exists.
	Save(ctx context.Context, p plan.Plan) error

	// SetStatus changes the registry status of every version of a plan.
	SetStatus(ctx context.Context, id string, status plan.Status, at time.Time) error

	// Delete removes all versions of a plan.
	Delete(ctx context.Context, id string) error
}

// SubscriptionFilter narrows a subscription listing. Zero fields match all.
type SubscriptionFilter struct {
	PlanID    string
	Lifecycle subscription.Lifecycle
}

// Matches reports whether s passes the filter.
func (f SubscriptionFilter) Matches(s subscription.Subscription) bool {
	if f.PlanID != "" && s.PlanID != f.PlanID {
		return false
	}
	if f.Lifecycle != "" && s.Lifecycle != f.Lifecycle {
		return false
	}
	return true
}

// SubscriptionStore persists subscriptions and their usage.
type SubscriptionStore interface {
	// Get retrieves a subscription by ID.
	Get(ctx context.Context, id string) (subscription.Subscription, error)

	// List returns subscriptions matching the filter, ordered by ID.
	List(ctx context.Context, filter SubscriptionFilter) ([]subscription.Subscription, error)

	// Create stores a new subscription. Returns ErrConflict on duplicate ID.
	Create(ctx context.Context, s subscription.Subscription) error

	// Update replaces a subscription.
	Update(ctx context.Context, s subscription.Subscription) error

	// RecordUsage sets the usage of the open period. Returns ErrConflict if
	// period is no longer the subscription's open period.
	RecordUsage(ctx context.Context, id string, period subscription.BillingPeriod, usage int64, at time.Time) error

	// CountByPlan counts every record that pins a plan: subscriptions in
	// any lifecycle plus closed periods.
	CountByPlan(ctx context.Context, planID string) (int, error)

	// ClosePeriod stores closed as a closed period record and replaces the
	// live record with next, atomically. Returns ErrConflict if the live
	// record's period, lifecycle or usage no longer match closed.
	ClosePeriod(ctx context.Context, closed, next subscription.Subscription) error

	// History returns closed period records whose period started at or after since.
	History(ctx context.Context, since time.Time) ([]subscription.Subscription, error)
}

// Collection is a recorded overage collection.
type Collection struct {
	Key            string
	SubscriptionID string
	Provider       string
	Reference      string
	Amount         int64
	Currency       string
	CollectedAt    time.Time
}

// CollectionStore records collections so a period is never charged twice.
type CollectionStore interface {
	// Get returns the collection recorded under key.
	Get(ctx context.Context, key string) (Collection, error)

	// Save records a collection. Returns ErrConflict if key exists.
	Save(ctx context.Context, c Collection) error

	// List returns collections for a subscription, newest first.
	List(ctx context.Context, subscriptionID string) ([]Collection, error)
}

// -----------------------------------------------------------------------------
// Payment Ports
// -----------------------------------------------------------------------------

// CollectionRequest asks a payment provider to bill an overage charge.
type CollectionRequest struct {
	SubscriptionID string
	CustomerID     string
	PlanID         string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Units          int64
	Amount         int64 // minor units
	Currency       string
	Description    string
}

// IdempotencyKey identifies the charge for one subscription period.
func (r CollectionRequest) IdempotencyKey() string {
	return "overage:" + r.SubscriptionID + ":" + r.PeriodStart.UTC().Format("20060102")
}

// CollectionReceipt is the provider's acknowledgement of a collection.
type CollectionReceipt struct {
	Provider  string
	Reference string
	Amount    int64
	Currency  string
}

// PaymentCollector bills overage charges with an external provider.
type PaymentCollector interface {
	// Name returns the provider name.
	Name() string

	// Collect bills req.Amount to the customer. Implementations must be
	// idempotent on req.IdempotencyKey().
	Collect(ctx context.Context, req CollectionRequest) (CollectionReceipt, error)
}

// -----------------------------------------------------------------------------
// Instrumentation Ports
// -----------------------------------------------------------------------------

// BillingObserver receives engine events for instrumentation.
// Implementations must be safe for concurrent use.
type BillingObserver interface {
	SnapshotComputed(planID string, level metering.Level)
	ReadingRecorded(err error)
	PeriodClosed()
	Collected(provider, planID, currency string, amount int64, err error)
	PortfolioComputed(a portfolio.Analytics)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) SnapshotComputed(string, metering.Level) {}
func (NopObserver) ReadingRecorded(error) {}
func (NopObserver) PeriodClosed() {}
func (NopObserver) Collected(string, string, string, int64, error) {}
func (NopObserver) PortfolioComputed(portfolio.Analytics) {}
