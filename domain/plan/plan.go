// Package plan provides plan value types and pure functions.
package plan

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vistara-apps/usagebill/domain/billingerr"
)

// Status is the registry state of a plan.
type Status string

const (
	StatusDraft    Status = "draft"    // Configured but not offered
	StatusActive   Status = "active"   // Offered and billable
	StatusArchived Status = "archived" // Retired; kept because subscriptions reference it
)

// IsValid returns true if the status is a known plan status.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusArchived:
		return true
	}
	return false
}

// MinMarginPercent is the exclusive lower bound of OverageMarginPercent.
// A margin of -100% or less would bill overage at zero or negative rates.
var MinMarginPercent = decimal.NewFromInt(-100)

// Plan represents a pricing tier (immutable value type).
// Pricing fields never change in place; edits produce a new Version.
type Plan struct {
	ID          string
	Version     int
	Name        string
	Description string
	Features    []string
	Status      Status

	BasePrice            int64           // minor units per billing period
	UsageLimit           int64           // units included per billing period
	OverageUnitPrice     decimal.Decimal // minor units per unit beyond UsageLimit
	OverageMarginPercent decimal.Decimal // markup on OverageUnitPrice, > -100

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the pricing invariants of a plan.
// This is a PURE function.
func Validate(p Plan) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: plan id is required", billingerr.ErrInvalidPlanConfiguration)
	}
	if p.Version < 1 {
		return fmt.Errorf("%w: plan %s: version must be >= 1, got %d", billingerr.ErrInvalidPlanConfiguration, p.ID, p.Version)
	}
	if p.BasePrice < 0 {
		return fmt.Errorf("%w: plan %s: base price must be non-negative, got %d", billingerr.ErrInvalidPlanConfiguration, p.ID, p.BasePrice)
	}
	if err := ValidateLimit(p); err != nil {
		return err
	}
	if err := ValidateOveragePricing(p); err != nil {
		return err
	}
	if p.Status != "" && !p.Status.IsValid() {
		return fmt.Errorf("%w: plan %s: unknown status %q", billingerr.ErrInvalidPlanConfiguration, p.ID, p.Status)
	}
	return nil
}

// ValidateLimit checks that the usage limit is positive.
// This is a PURE function.
func ValidateLimit(p Plan) error {
	if p.UsageLimit <= 0 {
		return fmt.Errorf("%w: plan %s: usage limit must be positive, got %d", billingerr.ErrInvalidPlanConfiguration, p.ID, p.UsageLimit)
	}
	return nil
}

// ValidateOveragePricing checks the unit price and margin used for overage billing.
// This is a PURE function.
func ValidateOveragePricing(p Plan) error {
	if p.OverageUnitPrice.IsNegative() {
		return fmt.Errorf("%w: plan %s: overage unit price must be non-negative, got %s",
			billingerr.ErrInvalidPlanConfiguration, p.ID, p.OverageUnitPrice)
	}
	if p.OverageMarginPercent.LessThanOrEqual(MinMarginPercent) {
		return fmt.Errorf("%w: plan %s: overage margin must be greater than -100%%, got %s%%",
			billingerr.ErrInvalidPlanConfiguration, p.ID, p.OverageMarginPercent)
	}
	return nil
}

// Edit describes a change to a plan. Nil fields keep the current value.
type Edit struct {
	Name                 *string
	Description          *string
	Features             []string
	BasePrice            *int64
	UsageLimit           *int64
	OverageUnitPrice     *decimal.Decimal
	OverageMarginPercent *decimal.Decimal
}

// NextVersion returns the replacement record for p with edit applied.
// The input is not modified. The result must pass Validate.
// This is a PURE function.
func NextVersion(p Plan, edit Edit, at time.Time) (Plan, error) {
	next := p
	next.Version = p.Version + 1
	next.UpdatedAt = at
	next.Features = append([]string(nil), p.Features...)

	if edit.Name != nil {
		next.Name = *edit.Name
	}
	if edit.Description != nil {
		next.Description = *edit.Description
	}
	if edit.Features != nil {
		next.Features = append([]string(nil), edit.Features...)
	}
	if edit.BasePrice != nil {
		next.BasePrice = *edit.BasePrice
	}
	if edit.UsageLimit != nil {
		next.UsageLimit = *edit.UsageLimit
	}
	if edit.OverageUnitPrice != nil {
		next.OverageUnitPrice = *edit.OverageUnitPrice
	}
	if edit.OverageMarginPercent != nil {
		next.OverageMarginPercent = *edit.OverageMarginPercent
	}

	if err := Validate(next); err != nil {
		return Plan{}, err
	}
	return next, nil
}

// CanDelete reports whether a plan may be physically removed from the registry.
// refs is the number of subscriptions, canceled ones included, and closed
// periods that pin any version of the plan.
// This is a PURE function.
func CanDelete(p Plan, refs int) bool {
	return refs == 0
}

// FindPlan finds a plan by ID in a list.
// This is a PURE function.
func FindPlan(plans []Plan, id string) (Plan, bool) {
	for _, p := range plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// IsOffered reports whether new subscriptions may be created on p.
func IsOffered(p Plan) bool {
	return p.Status == StatusActive
}
