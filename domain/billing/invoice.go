// Package billing composes invoices from priced subscriptions.
package billing

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vistara-apps/usagebill/domain/plan"
	"github.com/vistara-apps/usagebill/domain/pricing"
	"github.com/vistara-apps/usagebill/domain/subscription"
)

// InvoiceStatus represents the state of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusDraft InvoiceStatus = "draft" // Open period, amounts may still change
	InvoiceStatusVoid  InvoiceStatus = "void"  // Nothing billable
)

// Invoice is the bill for one subscription period (value type).
// Amounts are minor units.
type Invoice struct {
	SubscriptionID string
	CustomerID     string
	PlanID         string
	PlanVersion    int
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Items          []InvoiceItem
	Subtotal       int64
	Total          int64
	Currency       string
	Status         InvoiceStatus
	CreatedAt      time.Time
}

// InvoiceItem represents a line item on an invoice (value type).
type InvoiceItem struct {
	Description string
	Quantity    int64
	UnitPrice   decimal.Decimal // minor units, may be fractional
	Amount      int64           // minor units
}

// OverageItem returns the overage line, if any.
func (inv Invoice) OverageItem() (InvoiceItem, bool) {
	if len(inv.Items) < 2 {
		return InvoiceItem{}, false
	}
	return inv.Items[1], true
}

// ComposeInvoice builds the invoice for sub's open period.
// Billable statuses get a base line and, when charge is non-zero, an overage
// line. Paused and canceled subscriptions get a void invoice with no items.
// This is a PURE function.
func ComposeInvoice(
	sub subscription.Subscription,
	p plan.Plan,
	status subscription.Status,
	charge pricing.Charge,
	currency string,
	at time.Time,
) Invoice {
	inv := Invoice{
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		PlanID:         p.ID,
		PlanVersion:    p.Version,
		PeriodStart:    sub.Period.Start,
		PeriodEnd:      sub.Period.End,
		Currency:       currency,
		Status:         InvoiceStatusVoid,
		CreatedAt:      at,
	}
	if !status.Billable() {
		return inv
	}

	inv.Status = InvoiceStatusDraft
	inv.Items = append(inv.Items, InvoiceItem{
		Description: p.Name + " - Monthly subscription",
		Quantity:    1,
		UnitPrice:   decimal.NewFromInt(p.BasePrice),
		Amount:      p.BasePrice,
	})
	inv.Subtotal = p.BasePrice

	if charge.OverageUnits > 0 {
		inv.Items = append(inv.Items, InvoiceItem{
			Description: "Overage (" + formatNumber(charge.OverageUnits) + " units)",
			Quantity:    charge.OverageUnits,
			UnitPrice:   charge.BilledUnitRate,
			Amount:      charge.OverageCharge,
		})
		inv.Subtotal += charge.OverageCharge
	}

	inv.Total = inv.Subtotal
	return inv
}

// FormatAmount formats minor units as a dollar string.
// This is a PURE function.
func FormatAmount(cents int64) string {
	sign, mag := split(cents)
	dollars := mag / 100
	remainder := mag % 100
	if remainder == 0 {
		return sign + "$" + groupDigits(dollars)
	}
	return sign + "$" + groupDigits(dollars) + fmt.Sprintf(".%02d", remainder)
}

// FormatRate formats a fractional minor-unit rate, e.g. "$0.12" or "$0.008".
func FormatRate(minor decimal.Decimal) string {
	dollars := minor.Shift(-2)
	if dollars.Equal(dollars.Round(2)) {
		return "$" + dollars.StringFixed(2)
	}
	return "$" + dollars.String()
}

// formatNumber adds comma separators.
func formatNumber(n int64) string {
	sign, mag := split(n)
	return sign + groupDigits(mag)
}

// split returns the sign prefix and magnitude of n. The magnitude is
// unsigned so that math.MinInt64 has one.
func split(n int64) (string, uint64) {
	if n < 0 {
		return "-", uint64(-(n + 1)) + 1
	}
	return "", uint64(n)
}

func groupDigits(n uint64) string {
	if n < 1000 {
		return strconv.FormatUint(n, 10)
	}
	return groupDigits(n/1000) + "," + fmt.Sprintf("%03d", n%1000)
}
