// Package metering turns a plan and a raw usage reading into a usage snapshot.
// All functions are deterministic with no side effects.
package metering

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"github.com/vistara-apps/usagebill/domain/billingerr"
	"github.com/vistara-apps/usagebill/domain/plan"
)

// Default warning bands, in percent of the usage limit.
const (
	DefaultNearLimitPercent = 80
	DefaultCriticalPercent  = 95
)

var hundred = decimal.NewFromInt(100)

// Thresholds holds the percent bands used to classify usage (value type).
type Thresholds struct {
	NearLimitPercent decimal.Decimal
	CriticalPercent  decimal.Decimal
}

// DefaultThresholds returns the standard 80% / 95% bands.
func DefaultThresholds() Thresholds {
	return Thresholds{
		NearLimitPercent: decimal.NewFromInt(DefaultNearLimitPercent),
		CriticalPercent:  decimal.NewFromInt(DefaultCriticalPercent),
	}
}

// Validate checks that 0 < near <= critical <= 100.
func (t Thresholds) Validate() error {
	if !t.NearLimitPercent.IsPositive() {
		return fmt.Errorf("near-limit percent must be positive, got %s", t.NearLimitPercent)
	}
	if t.CriticalPercent.LessThan(t.NearLimitPercent) {
		return fmt.Errorf("critical percent %s is below near-limit percent %s", t.CriticalPercent, t.NearLimitPercent)
	}
	if t.CriticalPercent.GreaterThan(hundred) {
		return fmt.Errorf("critical percent must be <= 100, got %s", t.CriticalPercent)
	}
	return nil
}

// Level indicates how close to or over the limit a subscription is.
type Level int

const (
	LevelNone        Level = iota // below near-limit band
	LevelApproaching              // >= near-limit band
	LevelCritical                 // >= critical band
	LevelExceeded                 // over the limit
)

// String returns the string representation of a level.
func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelApproaching:
		return "approaching"
	case LevelCritical:
		return "critical"
	case LevelExceeded:
		return "exceeded"
	default:
		return "unknown"
	}
}

// Snapshot is the derived usage state of one subscription (value type).
type Snapshot struct {
	CurrentUsage int64
	UsageLimit   int64
	UsagePercent float64 // clamped to [0, 100]
	RawPercent   float64 // unclamped, may exceed 100
	OverageUnits int64
	IsNearLimit  bool
	IsOverage    bool
	Level        Level
}

// ComputeSnapshot derives a snapshot using the default thresholds.
// This is a PURE function.
func ComputeSnapshot(p plan.Plan, currentUsage int64) (Snapshot, error) {
	return ComputeSnapshotWith(p, currentUsage, DefaultThresholds())
}

// ComputeSnapshotWith derives a snapshot using the given thresholds.
// Band comparisons are done in exact decimal arithmetic so a reading at
// exactly the threshold always lands inside the band.
// This is a PURE function.
func ComputeSnapshotWith(p plan.Plan, currentUsage int64, th Thresholds) (Snapshot, error) {
	if err := plan.ValidateLimit(p); err != nil {
		return Snapshot{}, err
	}
	if currentUsage < 0 {
		return Snapshot{}, fmt.Errorf("%w: usage must be non-negative, got %d", billingerr.ErrInvalidUsageReading, currentUsage)
	}

	limit := p.UsageLimit
	raw := float64(currentUsage) * 100 / float64(limit)

	snap := Snapshot{
		CurrentUsage: currentUsage,
		UsageLimit:   limit,
		RawPercent:   raw,
		UsagePercent: math.Min(raw, 100),
	}
	if currentUsage > limit {
		snap.OverageUnits = currentUsage - limit
		snap.IsOverage = true
	}

	// usage*100 compared against band*limit avoids a lossy division.
	scaled := decimal.NewFromInt(currentUsage).Mul(hundred)
	limitDec := decimal.NewFromInt(limit)
	atNear := scaled.GreaterThanOrEqual(th.NearLimitPercent.Mul(limitDec))
	atCritical := scaled.GreaterThanOrEqual(th.CriticalPercent.Mul(limitDec))

	snap.IsNearLimit = atNear && currentUsage < limit

	switch {
	case snap.IsOverage:
		snap.Level = LevelExceeded
	case atCritical:
		snap.Level = LevelCritical
	case atNear:
		snap.Level = LevelApproaching
	default:
		snap.Level = LevelNone
	}

	return snap, nil
}

// ReadingFromFloat converts a numeric reading received at a boundary (JSON
// numbers decode as float64) into a unit count.
// This is a PURE function.
func ReadingFromFloat(v float64) (int64, error) {
	switch {
	case math.IsNaN(v):
		return 0, fmt.Errorf("%w: reading is NaN", billingerr.ErrInvalidUsageReading)
	case math.IsInf(v, 0):
		return 0, fmt.Errorf("%w: reading is infinite", billingerr.ErrInvalidUsageReading)
	case v < 0:
		return 0, fmt.Errorf("%w: reading must be non-negative, got %v", billingerr.ErrInvalidUsageReading, v)
	case v != math.Trunc(v):
		return 0, fmt.Errorf("%w: reading must be a whole number of units, got %v", billingerr.ErrInvalidUsageReading, v)
	case v >= math.MaxInt64:
		return 0, fmt.Errorf("%w: reading out of range: %v", billingerr.ErrInvalidUsageReading, v)
	}
	return int64(v), nil
}

// Trend returns the change in raw percent between two snapshots, in
// percentage points. Positive means usage grew relative to the limit.
// This is a PURE function.
func Trend(previous, current Snapshot) float64 {
	return current.RawPercent - previous.RawPercent
}
