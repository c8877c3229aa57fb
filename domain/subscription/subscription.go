// Package subscription provides the subscription value type and its state machine.
// All functions are deterministic with no side effects.
package subscription

import (
	"fmt"
	"time"

	"github.com/vistara-apps/usagebill/domain/billingerr"
	"github.com/vistara-apps/usagebill/domain/metering"
)

// Lifecycle is the externally controlled state of a subscription.
type Lifecycle string

const (
	LifecycleRunning  Lifecycle = "running"
	LifecyclePaused   Lifecycle = "paused"
	LifecycleCanceled Lifecycle = "canceled"
)

// IsValid returns true if the lifecycle flag is recognized.
func (l Lifecycle) IsValid() bool {
	switch l {
	case LifecycleRunning, LifecyclePaused, LifecycleCanceled:
		return true
	}
	return false
}

// Status is the derived billing status of a subscription.
type Status string

const (
	StatusRunningWithinLimit Status = "running-within-limit"
	StatusRunningOverage     Status = "running-overage"
	StatusPaused             Status = "paused"
	StatusCanceled           Status = "canceled"
)

// AllStatuses lists every derived status in display order.
var AllStatuses = []Status{
	StatusRunningWithinLimit,
	StatusRunningOverage,
	StatusPaused,
	StatusCanceled,
}

// Billable returns true if the subscription accrues charges in this status.
func (s Status) Billable() bool {
	return s == StatusRunningWithinLimit || s == StatusRunningOverage
}

// BillingPeriod is a half-open time range [Start, End).
type BillingPeriod struct {
	Start time.Time
	End   time.Time
}

// PeriodFor returns the calendar-month period containing t.
// This is a PURE function.
func PeriodFor(t time.Time) BillingPeriod {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return BillingPeriod{Start: start, End: start.AddDate(0, 1, 0)}
}

// Contains reports whether t falls inside the period.
func (p BillingPeriod) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Validate checks that the period is non-empty.
func (p BillingPeriod) Validate() error {
	if p.Start.IsZero() || p.End.IsZero() {
		return fmt.Errorf("%w: billing period bounds are required", billingerr.ErrInvalidUsageReading)
	}
	if !p.End.After(p.Start) {
		return fmt.Errorf("%w: billing period end %s is not after start %s",
			billingerr.ErrInvalidUsageReading, p.End.Format(time.RFC3339), p.Start.Format(time.RFC3339))
	}
	return nil
}

// Next returns the calendar-month period that follows p.
func (p BillingPeriod) Next() BillingPeriod {
	return PeriodFor(p.End)
}

// Equal reports whether both periods cover the same instants.
func (p BillingPeriod) Equal(o BillingPeriod) bool {
	return p.Start.Equal(o.Start) && p.End.Equal(o.End)
}

// Subscription binds a customer to a pinned plan version (value type).
type Subscription struct {
	ID           string
	PlanID       string
	PlanVersion  int
	CustomerID   string
	CurrentUsage int64 // units consumed in Period
	Period       BillingPeriod
	Lifecycle    Lifecycle
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Reading is a usage measurement for one subscription and period.
// Usage is the cumulative total for the period, not an increment.
type Reading struct {
	SubscriptionID string
	Period         BillingPeriod
	Usage          int64
	ObservedAt     time.Time
}

// DeriveStatus maps a lifecycle flag and a usage snapshot to a status.
// Canceled and paused take precedence over usage.
// This is a PURE function.
func DeriveStatus(flag Lifecycle, snap metering.Snapshot) (Status, error) {
	switch flag {
	case LifecycleCanceled:
		return StatusCanceled, nil
	case LifecyclePaused:
		return StatusPaused, nil
	case LifecycleRunning:
		if snap.IsOverage {
			return StatusRunningOverage, nil
		}
		return StatusRunningWithinLimit, nil
	default:
		return "", fmt.Errorf("%w: unknown lifecycle %q", billingerr.ErrInvalidSubscriptionState, flag)
	}
}

// Transition checks whether a lifecycle change is allowed.
// Running and paused may switch freely or cancel; canceled is terminal.
// Moving to the current state is a no-op.
// This is a PURE function.
func Transition(from, to Lifecycle) error {
	if !from.IsValid() {
		return fmt.Errorf("%w: unknown lifecycle %q", billingerr.ErrInvalidSubscriptionState, from)
	}
	if !to.IsValid() {
		return fmt.Errorf("%w: unknown lifecycle %q", billingerr.ErrInvalidSubscriptionState, to)
	}
	if from == to {
		return nil
	}
	if from == LifecycleCanceled {
		return fmt.Errorf("%w: cannot move canceled subscription to %s", billingerr.ErrInvalidSubscriptionState, to)
	}
	return nil
}

// SetLifecycle returns sub moved to the given lifecycle.
// This is a PURE function.
func SetLifecycle(sub Subscription, to Lifecycle, at time.Time) (Subscription, error) {
	if err := Transition(sub.Lifecycle, to); err != nil {
		return Subscription{}, fmt.Errorf("subscription %s: %w", sub.ID, err)
	}
	if sub.Lifecycle == to {
		return sub, nil
	}
	sub.Lifecycle = to
	sub.UpdatedAt = at
	return sub, nil
}

// ApplyReading returns sub with its usage replaced by the reading.
// The reading must target this subscription and its open period.
// This is a PURE function.
func ApplyReading(sub Subscription, r Reading) (Subscription, error) {
	if r.Usage < 0 {
		return Subscription{}, fmt.Errorf("%w: usage must be non-negative, got %d", billingerr.ErrInvalidUsageReading, r.Usage)
	}
	if r.SubscriptionID != sub.ID {
		return Subscription{}, fmt.Errorf("%w: reading for %q applied to subscription %q",
			billingerr.ErrInvalidUsageReading, r.SubscriptionID, sub.ID)
	}
	if !r.Period.Equal(sub.Period) {
		return Subscription{}, fmt.Errorf("%w: reading period %s..%s does not match open period %s..%s",
			billingerr.ErrInvalidUsageReading,
			r.Period.Start.Format(time.RFC3339), r.Period.End.Format(time.RFC3339),
			sub.Period.Start.Format(time.RFC3339), sub.Period.End.Format(time.RFC3339))
	}
	if sub.Lifecycle == LifecycleCanceled {
		return Subscription{}, fmt.Errorf("%w: subscription %s is canceled", billingerr.ErrInvalidSubscriptionState, sub.ID)
	}
	sub.CurrentUsage = r.Usage
	if !r.ObservedAt.IsZero() {
		sub.UpdatedAt = r.ObservedAt
	}
	return sub, nil
}

// Rollover closes the open period once at has reached its end and opens the
// following one with zero usage. The second return is false if the period is
// still open.
// This is a PURE function.
func Rollover(sub Subscription, at time.Time) (Subscription, bool) {
	if at.Before(sub.Period.End) || sub.Lifecycle == LifecycleCanceled {
		return sub, false
	}
	next := sub.Period.Next()
	for !at.Before(next.End) {
		next = next.Next()
	}
	sub.Period = next
	sub.CurrentUsage = 0
	sub.UpdatedAt = at
	return sub, true
}
