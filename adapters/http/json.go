package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vistara-apps/usagebill/app"
	"github.com/vistara-apps/usagebill/domain/billing"
	"github.com/vistara-apps/usagebill/domain/billingerr"
	"github.com/vistara-apps/usagebill/domain/plan"
	"github.com/vistara-apps/usagebill/domain/portfolio"
	"github.com/vistara-apps/usagebill/domain/pricing"
	"github.com/vistara-apps/usagebill/ports"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable code and a human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// errorStatus maps a service error to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, billingerr.ErrInvalidPlanConfiguration):
		return http.StatusUnprocessableEntity, billingerr.CodeInvalidPlanConfiguration
	case errors.Is(err, billingerr.ErrInvalidUsageReading):
		return http.StatusUnprocessableEntity, billingerr.CodeInvalidUsageReading
	case errors.Is(err, billingerr.ErrInvalidSubscriptionState):
		return http.StatusConflict, billingerr.CodeInvalidSubscriptionState
	case errors.Is(err, ports.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ports.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, app.ErrPlanNotOffered):
		return http.StatusConflict, "plan_not_offered"
	case errors.Is(err, app.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

// -----------------------------------------------------------------------------
// Plans
// -----------------------------------------------------------------------------

// PlanResponse represents a plan in API responses.
type PlanResponse struct {
	ID                   string           `json:"id"`
	Version              int              `json:"version"`
	Name                 string           `json:"name"`
	Description          string           `json:"description,omitempty"`
	Features             []string         `json:"features"`
	Status               string           `json:"status"`
	BasePrice            int64            `json:"base_price"`
	UsageLimit           int64            `json:"usage_limit"`
	OverageUnitPrice     decimal.Decimal  `json:"overage_unit_price"`
	OverageMarginPercent decimal.Decimal  `json:"overage_margin_percent"`
	BilledUnitRate       *decimal.Decimal `json:"billed_unit_rate,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

func planResponse(p plan.Plan) PlanResponse {
	resp := PlanResponse{
		ID:                   p.ID,
		Version:              p.Version,
		Name:                 p.Name,
		Description:          p.Description,
		Features:             p.Features,
		Status:               string(p.Status),
		BasePrice:            p.BasePrice,
		UsageLimit:           p.UsageLimit,
		OverageUnitPrice:     p.OverageUnitPrice,
		OverageMarginPercent: p.OverageMarginPercent,
		CreatedAt:            p.CreatedAt,
		UpdatedAt:            p.UpdatedAt,
	}
	if resp.Features == nil {
		resp.Features = []string{}
	}
	if rate, err := pricing.BilledUnitRate(p); err == nil {
		resp.BilledUnitRate = &rate
	}
	return resp
}

// CreatePlanRequest represents a request to create a plan.
type CreatePlanRequest struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Description          string          `json:"description"`
	Features             []string        `json:"features"`
	Status               string          `json:"status"`
	BasePrice            int64           `json:"base_price"`
	UsageLimit           int64           `json:"usage_limit"`
	OverageUnitPrice     decimal.Decimal `json:"overage_unit_price"`
	OverageMarginPercent decimal.Decimal `json:"overage_margin_percent"`
}

func (req CreatePlanRequest) toPlan() plan.Plan {
	return plan.Plan{
		ID:                   req.ID,
		Name:                 req.Name,
		Description:          req.Description,
		Features:             req.Features,
		Status:               plan.Status(req.Status),
		BasePrice:            req.BasePrice,
		UsageLimit:           req.UsageLimit,
		OverageUnitPrice:     req.OverageUnitPrice,
		OverageMarginPercent: req.OverageMarginPercent,
	}
}

// EditPlanRequest represents a request to version a plan. Omitted fields
// keep their current value.
type EditPlanRequest struct {
	Name                 *string          `json:"name,omitempty"`
	Description          *string          `json:"description,omitempty"`
	Features             []string         `json:"features,omitempty"`
	BasePrice            *int64           `json:"base_price,omitempty"`
	UsageLimit           *int64           `json:"usage_limit,omitempty"`
	OverageUnitPrice     *decimal.Decimal `json:"overage_unit_price,omitempty"`
	OverageMarginPercent *decimal.Decimal `json:"overage_margin_percent,omitempty"`
}

func (req EditPlanRequest) edit() plan.Edit {
	return plan.Edit{
		Name:                 req.Name,
		Description:          req.Description,
		Features:             req.Features,
		BasePrice:            req.BasePrice,
		UsageLimit:           req.UsageLimit,
		OverageUnitPrice:     req.OverageUnitPrice,
		OverageMarginPercent: req.OverageMarginPercent,
	}
}

// -----------------------------------------------------------------------------
// Subscriptions
// -----------------------------------------------------------------------------

// PeriodResponse is a half-open billing period.
type PeriodResponse struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// UsageResponse is the usage snapshot of a subscription.
type UsageResponse struct {
	CurrentUsage int64   `json:"current_usage"`
	UsageLimit   int64   `json:"usage_limit"`
	UsagePercent float64 `json:"usage_percent"`
	RawPercent   float64 `json:"raw_percent"`
	OverageUnits int64   `json:"overage_units"`
	IsNearLimit  bool    `json:"is_near_limit"`
	IsOverage    bool    `json:"is_overage"`
	Level        string  `json:"level"`
}

// ChargeResponse is the priced overage of a subscription.
type ChargeResponse struct {
	OverageUnits   int64           `json:"overage_units"`
	BilledUnitRate decimal.Decimal `json:"billed_unit_rate"`
	OverageCharge  int64           `json:"overage_charge"`
}

// InvoiceItemResponse is one invoice line.
type InvoiceItemResponse struct {
	Description string          `json:"description"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Amount      int64           `json:"amount"`
}

// InvoiceResponse is the draft invoice of the open period.
type InvoiceResponse struct {
	Status   string                `json:"status"`
	Currency string                `json:"currency"`
	Items    []InvoiceItemResponse `json:"items"`
	Subtotal int64                 `json:"subtotal"`
	Total    int64                 `json:"total"`
}

// SubscriptionResponse is the billing view of a subscription.
type SubscriptionResponse struct {
	ID          string          `json:"id"`
	CustomerID  string          `json:"customer_id"`
	PlanID      string          `json:"plan_id"`
	PlanVersion int             `json:"plan_version"`
	Lifecycle   string          `json:"lifecycle"`
	Status      string          `json:"status"`
	Period      PeriodResponse  `json:"period"`
	Usage       UsageResponse   `json:"usage"`
	Charge      ChargeResponse  `json:"charge"`
	Invoice     InvoiceResponse `json:"invoice"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func subscriptionResponse(v app.View) SubscriptionResponse {
	sub, snap := v.Subscription, v.Snapshot
	return SubscriptionResponse{
		ID:          sub.ID,
		CustomerID:  sub.CustomerID,
		PlanID:      sub.PlanID,
		PlanVersion: sub.PlanVersion,
		Lifecycle:   string(sub.Lifecycle),
		Status:      string(v.Status),
		Period:      PeriodResponse{Start: sub.Period.Start, End: sub.Period.End},
		Usage: UsageResponse{
			CurrentUsage: snap.CurrentUsage,
			UsageLimit:   snap.UsageLimit,
			UsagePercent: snap.UsagePercent,
			RawPercent:   snap.RawPercent,
			OverageUnits: snap.OverageUnits,
			IsNearLimit:  snap.IsNearLimit,
			IsOverage:    snap.IsOverage,
			Level:        snap.Level.String(),
		},
		Charge: ChargeResponse{
			OverageUnits:   v.Charge.OverageUnits,
			BilledUnitRate: v.Charge.BilledUnitRate,
			OverageCharge:  v.Charge.OverageCharge,
		},
		Invoice:   invoiceResponse(v.Invoice),
		CreatedAt: sub.CreatedAt,
		UpdatedAt: sub.UpdatedAt,
	}
}

func invoiceResponse(inv billing.Invoice) InvoiceResponse {
	items := make([]InvoiceItemResponse, len(inv.Items))
	for i, it := range inv.Items {
		items[i] = InvoiceItemResponse{
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Amount:      it.Amount,
		}
	}
	return InvoiceResponse{
		Status:   string(inv.Status),
		Currency: inv.Currency,
		Items:    items,
		Subtotal: inv.Subtotal,
		Total:    inv.Total,
	}
}

// CreateSubscriptionRequest opens a subscription.
type CreateSubscriptionRequest struct {
	CustomerID string `json:"customer_id"`
	PlanID     string `json:"plan_id"`
}

// ReadingRequest carries a cumulative usage reading. Usage is decoded as a
// JSON number and must be a non-negative whole number.
type ReadingRequest struct {
	Usage       *float64   `json:"usage"`
	PeriodStart *time.Time `json:"period_start,omitempty"`
}

// LifecycleRequest changes the lifecycle of a subscription.
type LifecycleRequest struct {
	Lifecycle string `json:"lifecycle"`
}

// CollectionResponse is a recorded overage collection.
type CollectionResponse struct {
	Key         string    `json:"key"`
	Provider    string    `json:"provider"`
	Reference   string    `json:"reference"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	CollectedAt time.Time `json:"collected_at"`
}

// -----------------------------------------------------------------------------
// Analytics
// -----------------------------------------------------------------------------

// AnalyticsResponse is the aggregate of a subscription group.
type AnalyticsResponse struct {
	PlanID               string             `json:"plan_id,omitempty"`
	SubscriberCount      int                `json:"subscriber_count"`
	OverageCount         int                `json:"overage_count"`
	OverageRatePercent   portfolio.Optional `json:"overage_rate_percent"`
	AverageOverageCharge portfolio.Optional `json:"average_overage_charge"`
	RevenueImpactPercent portfolio.Optional `json:"revenue_impact_percent"`
	TotalBaseRevenue     int64              `json:"total_base_revenue"`
	BillableBaseRevenue  int64              `json:"billable_base_revenue"`
	TotalOverageRevenue  int64              `json:"total_overage_revenue"`
	MonthlyRevenue       int64              `json:"monthly_revenue"`
	StatusCounts         map[string]int     `json:"status_counts"`
	Risk                 string             `json:"risk"`
}

func analyticsResponse(a portfolio.Analytics) AnalyticsResponse {
	counts := make(map[string]int, len(a.StatusCounts))
	for status, n := range a.StatusCounts {
		counts[string(status)] = n
	}
	return AnalyticsResponse{
		PlanID:               a.PlanID,
		SubscriberCount:      a.SubscriberCount,
		OverageCount:         a.OverageCount,
		OverageRatePercent:   a.OverageRatePercent,
		AverageOverageCharge: a.AverageOverageCharge,
		RevenueImpactPercent: a.RevenueImpactPercent,
		TotalBaseRevenue:     a.TotalBaseRevenue,
		BillableBaseRevenue:  a.BillableBaseRevenue,
		TotalOverageRevenue:  a.TotalOverageRevenue,
		MonthlyRevenue:       a.MonthlyRevenue,
		StatusCounts:         counts,
		Risk:                 string(a.Risk),
	}
}

// ReportResponse is the analytics report.
type ReportResponse struct {
	Portfolio         AnalyticsResponse   `json:"portfolio"`
	ByPlan            []AnalyticsResponse `json:"by_plan"`
	PendingCollection int64               `json:"pending_collection"`
	GeneratedAt       time.Time           `json:"generated_at"`
}

// RevenuePointResponse is the revenue of one billing period.
type RevenuePointResponse struct {
	PeriodStart   time.Time          `json:"period_start"`
	PeriodEnd     time.Time          `json:"period_end"`
	Base          int64              `json:"base"`
	Overage       int64              `json:"overage"`
	Total         int64              `json:"total"`
	GrowthPercent portfolio.Optional `json:"growth_percent"`
}

// CollectionRunResponse summarizes a collection run.
type CollectionRunResponse struct {
	Collected int   `json:"collected"`
	Skipped   int   `json:"skipped"`
	Failed    int   `json:"failed"`
	Amount    int64 `json:"amount"`
}
