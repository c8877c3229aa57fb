package billing_test

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vistara-apps/usagebill/domain/billing"
	"github.com/vistara-apps/usagebill/domain/plan"
	"github.com/vistara-apps/usagebill/domain/pricing"
	"github.com/vistara-apps/usagebill/domain/subscription"
)

var (
	testPlan = plan.Plan{
		ID:                   "starter",
		Version:              2,
		Name:                 "Starter",
		BasePrice:            2999,
		UsageLimit:           1000,
		OverageUnitPrice:     decimal.NewFromInt(10),
		OverageMarginPercent: decimal.NewFromInt(20),
	}
	testSub = subscription.Subscription{
		ID:          "sub_1",
		PlanID:      "starter",
		PlanVersion: 2,
		CustomerID:  "cust_1",
		Period:      subscription.PeriodFor(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)),
	}
	now = time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
)

func TestComposeInvoice_NoOverage(t *testing.T) {
	inv := billing.ComposeInvoice(testSub, testPlan, subscription.StatusRunningWithinLimit, pricing.Charge{}, "usd", now)

	if inv.Status != billing.InvoiceStatusDraft {
		t.Errorf("Status = %s, want draft", inv.Status)
	}
	if len(inv.Items) != 1 {
		t.Fatalf("Items = %d, want 1", len(inv.Items))
	}
	if inv.Items[0].Description != "Starter - Monthly subscription" {
		t.Errorf("Description = %q", inv.Items[0].Description)
	}
	if inv.Total != 2999 {
		t.Errorf("Total = %d, want 2999", inv.Total)
	}
	if _, ok := inv.OverageItem(); ok {
		t.Error("expected no overage item")
	}
	if inv.PlanVersion != 2 || inv.Currency != "usd" {
		t.Errorf("unexpected header: %+v", inv)
	}
	if !inv.PeriodStart.Equal(testSub.Period.Start) || !inv.PeriodEnd.Equal(testSub.Period.End) {
		t.Errorf("period = %v..%v", inv.PeriodStart, inv.PeriodEnd)
	}
}

func TestComposeInvoice_WithOverage(t *testing.T) {
	charge, err := pricing.ComputeCharge(testPlan, 1250)
	if err != nil {
		t.Fatalf("ComputeCharge: %v", err)
	}

	inv := billing.ComposeInvoice(testSub, testPlan, subscription.StatusRunningOverage, charge, "usd", now)

	item, ok := inv.OverageItem()
	if !ok {
		t.Fatal("expected overage item")
	}
	if item.Description != "Overage (1,250 units)" {
		t.Errorf("Description = %q", item.Description)
	}
	if item.Quantity != 1250 {
		t.Errorf("Quantity = %d, want 1250", item.Quantity)
	}
	if !item.UnitPrice.Equal(decimal.NewFromInt(12)) {
		t.Errorf("UnitPrice = %s, want 12", item.UnitPrice)
	}
	if item.Amount != 15000 {
		t.Errorf("Amount = %d, want 15000", item.Amount)
	}
	if inv.Subtotal != 17999 || inv.Total != 17999 {
		t.Errorf("Subtotal/Total = %d/%d, want 17999", inv.Subtotal, inv.Total)
	}
}

func TestComposeInvoice_NotBillable(t *testing.T) {
	charge, _ := pricing.ComputeCharge(testPlan, 500)

	for _, status := range []subscription.Status{subscription.StatusPaused, subscription.StatusCanceled} {
		t.Run(string(status), func(t *testing.T) {
			inv := billing.ComposeInvoice(testSub, testPlan, status, charge, "usd", now)
			if inv.Status != billing.InvoiceStatusVoid {
				t.Errorf("Status = %s, want void", inv.Status)
			}
			if len(inv.Items) != 0 || inv.Total != 0 {
				t.Errorf("expected empty invoice, got %+v", inv)
			}
			if inv.SubscriptionID != "sub_1" {
				t.Errorf("SubscriptionID = %q", inv.SubscriptionID)
			}
		})
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		cents int64
		want  string
	}{
		{0, "$0"},
		{100, "$1"},
		{2999, "$29.99"},
		{10000, "$100"},
		{100000, "$1,000"},
		{999999, "$9,999.99"},
		{1234567, "$12,345.67"},
		{100000000, "$1,000,000"},
		{50, "$0.50"},
		{5, "$0.05"},
		{-2999, "-$29.99"},
		{-100000, "-$1,000"},
		{math.MaxInt64, "$92,233,720,368,547,758.07"},
		{math.MinInt64, "-$92,233,720,368,547,758.08"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := billing.FormatAmount(tt.cents)
			if got != tt.want {
				t.Errorf("FormatAmount(%d) = %q, want %q", tt.cents, got, tt.want)
			}
		})
	}
}

func TestFormatRate(t *testing.T) {
	tests := []struct {
		minor string
		want  string
	}{
		{"12", "$0.12"},
		{"10", "$0.10"},
		{"0.8", "$0.008"},
		{"250", "$2.50"},
		{"1.5", "$0.015"},
	}

	for _, tt := range tests {
		t.Run(tt.minor, func(t *testing.T) {
			got := billing.FormatRate(decimal.RequireFromString(tt.minor))
			if got != tt.want {
				t.Errorf("FormatRate(%s) = %q, want %q", tt.minor, got, tt.want)
			}
		})
	}
}
