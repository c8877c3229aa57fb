// Package pricing computes overage charges for a plan.
// All functions are deterministic with no side effects.
package pricing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"github.com/vistara-apps/usagebill/domain/billingerr"
	"github.com/vistara-apps/usagebill/domain/metering"
	"github.com/vistara-apps/usagebill/domain/plan"
)

var (
	hundred  = decimal.NewFromInt(100)
	maxMinor = decimal.NewFromInt(math.MaxInt64)
)

// Charge is the priced overage of one subscription (value type).
type Charge struct {
	OverageUnits   int64
	BilledUnitRate decimal.Decimal // minor units per unit, margin applied
	Exact          decimal.Decimal // unrounded charge in minor units
	OverageCharge  int64           // minor units, banker's rounded
}

// IsZero reports whether no overage is billed.
func (c Charge) IsZero() bool {
	return c.OverageCharge == 0 && c.Exact.IsZero()
}

// BilledUnitRate returns OverageUnitPrice * (1 + OverageMarginPercent/100).
// This is a PURE function.
func BilledUnitRate(p plan.Plan) (decimal.Decimal, error) {
	if err := plan.ValidateOveragePricing(p); err != nil {
		return decimal.Zero, err
	}
	return billedRate(p), nil
}

func billedRate(p plan.Plan) decimal.Decimal {
	return p.OverageUnitPrice.Mul(hundred.Add(p.OverageMarginPercent)).Shift(-2)
}

// ComputeCharge prices overageUnits under p's overage terms.
// The product is carried exactly and rounded half-to-even once, at the end.
// Zero units always yield a zero charge without consulting the margin.
// This is a PURE function.
func ComputeCharge(p plan.Plan, overageUnits int64) (Charge, error) {
	if overageUnits < 0 {
		return Charge{}, fmt.Errorf("%w: overage units must be non-negative, got %d", billingerr.ErrInvalidUsageReading, overageUnits)
	}
	if overageUnits == 0 {
		return Charge{}, nil
	}

	rate, err := BilledUnitRate(p)
	if err != nil {
		return Charge{}, err
	}

	exact := decimal.NewFromInt(overageUnits).Mul(rate)
	rounded := exact.RoundBank(0)
	if rounded.GreaterThan(maxMinor) {
		return Charge{}, fmt.Errorf("%w: charge for %d units exceeds representable amount", billingerr.ErrInvalidUsageReading, overageUnits)
	}

	return Charge{
		OverageUnits:   overageUnits,
		BilledUnitRate: rate,
		Exact:          exact,
		OverageCharge:  rounded.IntPart(),
	}, nil
}

// FromSnapshot prices the overage recorded in snap.
// This is a PURE function.
func FromSnapshot(p plan.Plan, snap metering.Snapshot) (Charge, error) {
	return ComputeCharge(p, snap.OverageUnits)
}
