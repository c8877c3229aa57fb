// Package portfolio folds many priced subscriptions into revenue analytics.
// All functions are read-only with respect to their inputs.
package portfolio

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/vistara-apps/usagebill/domain/metering"
	"github.com/vistara-apps/usagebill/domain/plan"
	"github.com/vistara-apps/usagebill/domain/pricing"
	"github.com/vistara-apps/usagebill/domain/subscription"
)

// RatePrecision is the number of decimal places kept for rates and averages.
const RatePrecision = 4

var hundred = decimal.NewFromInt(100)

// Optional is a decimal that may be absent.
// Valid=false means the group had no data to average over.
type Optional struct {
	Value decimal.Decimal
	Valid bool
}

// Some wraps a present value.
func Some(v decimal.Decimal) Optional {
	return Optional{Value: v, Valid: true}
}

// NoData is the absent value.
var NoData = Optional{}

// String renders the value or "n/a".
func (o Optional) String() string {
	if !o.Valid {
		return "n/a"
	}
	return o.Value.String()
}

// MarshalJSON encodes absent values as null.
func (o Optional) MarshalJSON() ([]byte, error) {
	if !o.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// UnmarshalJSON accepts null or a decimal.
func (o *Optional) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*o = NoData
		return nil
	}
	var v decimal.Decimal
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

// Risk classifies a plan by how many of its subscribers run over the limit.
type Risk string

const (
	RiskNone   Risk = "none"
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// Risk band boundaries on the overage rate, exclusive.
var (
	HighRiskPercent   = decimal.NewFromInt(20)
	MediumRiskPercent = decimal.NewFromInt(10)
)

// RiskBand maps an overage rate to a risk band.
// This is a PURE function.
func RiskBand(rate Optional) Risk {
	switch {
	case !rate.Valid:
		return RiskNone
	case rate.Value.GreaterThan(HighRiskPercent):
		return RiskHigh
	case rate.Value.GreaterThan(MediumRiskPercent):
		return RiskMedium
	default:
		return RiskLow
	}
}

// Entry is one priced subscription ready for aggregation.
type Entry struct {
	Subscription subscription.Subscription
	Plan         plan.Plan
	Snapshot     metering.Snapshot
	Charge       pricing.Charge
}

// Analytics is the aggregate over a group of subscriptions (value type).
// All money fields are minor units.
//
// TotalBaseRevenue covers every non-canceled subscriber while
// BillableBaseRevenue leaves out paused ones. MonthlyRevenue is always
// BillableBaseRevenue + TotalOverageRevenue.
type Analytics struct {
	PlanID               string
	SubscriberCount      int
	OverageCount         int
	OverageRatePercent   Optional
	AverageOverageCharge Optional
	// RevenueImpactPercent is AverageOverageCharge as a percentage of the
	// average base price.
	RevenueImpactPercent Optional
	TotalBaseRevenue     int64
	BillableBaseRevenue  int64
	TotalOverageRevenue  int64
	MonthlyRevenue       int64
	StatusCounts         map[subscription.Status]int
	Risk                 Risk
}

// Aggregate folds entries into portfolio-wide analytics.
// This is a PURE function.
func Aggregate(entries []Entry) (Analytics, error) {
	return AggregateGroup("", entries)
}

// AggregateGroup folds entries that share planID. An empty planID marks the
// whole portfolio.
// Canceled subscriptions are counted in StatusCounts only. Overage is
// counted for running subscriptions only, since paused subscriptions are
// never in overage.
// This is a PURE function.
func AggregateGroup(planID string, entries []Entry) (Analytics, error) {
	a := Analytics{
		PlanID:       planID,
		StatusCounts: make(map[subscription.Status]int, len(subscription.AllStatuses)),
	}

	for _, e := range entries {
		status, err := subscription.DeriveStatus(e.Subscription.Lifecycle, e.Snapshot)
		if err != nil {
			return Analytics{}, err
		}
		a.StatusCounts[status]++

		if status == subscription.StatusCanceled {
			continue
		}
		a.SubscriberCount++
		a.TotalBaseRevenue += e.Plan.BasePrice

		if status.Billable() {
			a.BillableBaseRevenue += e.Plan.BasePrice
		}
		if status == subscription.StatusRunningOverage {
			a.OverageCount++
			a.TotalOverageRevenue += e.Charge.OverageCharge
		}
	}
	a.MonthlyRevenue = a.BillableBaseRevenue + a.TotalOverageRevenue

	if a.SubscriberCount > 0 {
		rate := decimal.NewFromInt(int64(a.OverageCount)).Mul(hundred).
			DivRound(decimal.NewFromInt(int64(a.SubscriberCount)), RatePrecision)
		a.OverageRatePercent = Some(rate)
	}
	if a.OverageCount > 0 {
		avg := decimal.NewFromInt(a.TotalOverageRevenue).
			DivRound(decimal.NewFromInt(int64(a.OverageCount)), RatePrecision)
		a.AverageOverageCharge = Some(avg)
	}
	if a.OverageCount > 0 && a.TotalBaseRevenue > 0 {
		// avg overage / avg base, from the unrounded totals
		impact := decimal.NewFromInt(a.TotalOverageRevenue).
			Mul(decimal.NewFromInt(int64(a.SubscriberCount))).
			Mul(hundred).
			DivRound(decimal.NewFromInt(a.TotalBaseRevenue).Mul(decimal.NewFromInt(int64(a.OverageCount))), RatePrecision)
		a.RevenueImpactPercent = Some(impact)
	}
	a.Risk = RiskBand(a.OverageRatePercent)

	return a, nil
}

// GroupByPlan splits entries by Subscription.PlanID, preserving input order
// within each group.
// This is a PURE function.
func GroupByPlan(entries []Entry) map[string][]Entry {
	return lo.GroupBy(entries, func(e Entry) string {
		return e.Subscription.PlanID
	})
}

// AggregateByPlan aggregates each plan group independently.
// This is a PURE function.
func AggregateByPlan(entries []Entry) (map[string]Analytics, error) {
	groups := GroupByPlan(entries)
	out := make(map[string]Analytics, len(groups))
	for planID, group := range groups {
		a, err := AggregateGroup(planID, group)
		if err != nil {
			return nil, err
		}
		out[planID] = a
	}
	return out, nil
}

// PendingCollection sums the overage charges that are billable but not yet
// collected, i.e. those of running subscriptions in overage.
// This is a PURE function.
func PendingCollection(entries []Entry) (int64, error) {
	var total int64
	for _, e := range entries {
		status, err := subscription.DeriveStatus(e.Subscription.Lifecycle, e.Snapshot)
		if err != nil {
			return 0, err
		}
		if status == subscription.StatusRunningOverage {
			total += e.Charge.OverageCharge
		}
	}
	return total, nil
}

// PeriodRevenue is the revenue of one billing period.
type PeriodRevenue struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	Base        int64
	Overage     int64
	Total       int64
	// GrowthPercent is the change in Total against the previous point of
	// the series. Absent for the first point or when the previous Total
	// was zero.
	GrowthPercent Optional
}

// RevenueSeries folds entries from several billing periods into one revenue
// point per period, oldest first. Base counts billable subscriptions and
// overage counts running subscriptions in overage.
// This is a PURE function.
func RevenueSeries(entries []Entry) ([]PeriodRevenue, error) {
	byStart := make(map[int64]*PeriodRevenue)
	for _, e := range entries {
		status, err := subscription.DeriveStatus(e.Subscription.Lifecycle, e.Snapshot)
		if err != nil {
			return nil, err
		}
		key := e.Subscription.Period.Start.UnixNano()
		pt, ok := byStart[key]
		if !ok {
			pt = &PeriodRevenue{PeriodStart: e.Subscription.Period.Start, PeriodEnd: e.Subscription.Period.End}
			byStart[key] = pt
		}
		if status.Billable() {
			pt.Base += e.Plan.BasePrice
		}
		if status == subscription.StatusRunningOverage {
			pt.Overage += e.Charge.OverageCharge
		}
	}

	series := lo.MapToSlice(byStart, func(_ int64, pt *PeriodRevenue) PeriodRevenue {
		pt.Total = pt.Base + pt.Overage
		return *pt
	})
	slices.SortFunc(series, func(a, b PeriodRevenue) int {
		return a.PeriodStart.Compare(b.PeriodStart)
	})
	for i := 1; i < len(series); i++ {
		series[i].GrowthPercent = Growth(series[i-1].Total, series[i].Total)
	}
	return series, nil
}

// Growth is the percentage change from prev to cur, absent when prev is zero.
// This is a PURE function.
func Growth(prev, cur int64) Optional {
	if prev == 0 {
		return NoData
	}
	d := decimal.NewFromInt(cur).Sub(decimal.NewFromInt(prev)).Mul(hundred).
		DivRound(decimal.NewFromInt(prev), RatePrecision)
	return Some(d)
}
