package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"github.com/vistara-apps/usagebill/app"
	"github.com/vistara-apps/usagebill/domain/metering"
	"github.com/vistara-apps/usagebill/domain/plan"
	"github.com/vistara-apps/usagebill/domain/portfolio"
	"github.com/vistara-apps/usagebill/domain/subscription"
	"github.com/vistara-apps/usagebill/ports"
)

const maxBodyBytes = 1 << 20

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// -----------------------------------------------------------------------------
// Plans
// -----------------------------------------------------------------------------

// ListPlans returns the latest version of every plan.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plans": lo.Map(plans, func(p plan.Plan, _ int) PlanResponse { return planResponse(p) }),
		"total": len(plans),
	})
}

// GetPlan returns the latest version of one plan.
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	p, err := h.plans.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, planResponse(p))
}

// CreatePlan registers a new plan.
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req CreatePlanRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.plans.Create(r.Context(), req.toPlan())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, planResponse(p))
}

// EditPlan stores a new version of a plan.
func (h *Handler) EditPlan(w http.ResponseWriter, r *http.Request) {
	var req EditPlanRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.plans.Edit(r.Context(), chi.URLParam(r, "id"), req.edit())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, planResponse(p))
}

// RemovePlan deletes an unreferenced plan or archives a referenced one.
func (h *Handler) RemovePlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := h.plans.Remove(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if deleted {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	p, err := h.plans.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, planResponse(p))
}

// PublishPlan makes a plan available to new subscriptions.
func (h *Handler) PublishPlan(w http.ResponseWriter, r *http.Request) {
	h.changePlanStatus(w, r, h.plans.Publish)
}

// ArchivePlan withdraws a plan from sale.
func (h *Handler) ArchivePlan(w http.ResponseWriter, r *http.Request) {
	h.changePlanStatus(w, r, h.plans.Archive)
}

func (h *Handler) changePlanStatus(w http.ResponseWriter, r *http.Request, change func(ctx context.Context, id string) error) {
	id := chi.URLParam(r, "id")
	if err := change(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.GetPlan(w, r)
}

// -----------------------------------------------------------------------------
// Subscriptions
// -----------------------------------------------------------------------------

// ListSubscriptions returns billing views, optionally filtered by
// ?plan_id= and ?lifecycle=.
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ports.SubscriptionFilter{
		PlanID:    q.Get("plan_id"),
		Lifecycle: subscription.Lifecycle(q.Get("lifecycle")),
	}
	if filter.Lifecycle != "" && !filter.Lifecycle.IsValid() {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("unknown lifecycle %q", filter.Lifecycle))
		return
	}

	views, err := h.billing.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subscriptions": lo.Map(views, func(v app.View, _ int) SubscriptionResponse { return subscriptionResponse(v) }),
		"total":         len(views),
	})
}

// GetSubscription returns the billing view of one subscription.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	v, err := h.billing.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse(v))
}

// CreateSubscription opens a subscription on a plan.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req CreateSubscriptionRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := h.billing.Subscribe(r.Context(), app.SubscribeRequest{CustomerID: req.CustomerID, PlanID: req.PlanID})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, subscriptionResponse(v))
}

// RecordReading replaces the usage of the open period.
func (h *Handler) RecordReading(w http.ResponseWriter, r *http.Request) {
	var req ReadingRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Usage == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "usage is required")
		return
	}
	units, err := metering.ReadingFromFloat(*req.Usage)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	in := app.ReadingRequest{SubscriptionID: chi.URLParam(r, "id"), Usage: units}
	if req.PeriodStart != nil {
		in.PeriodStart = req.PeriodStart.UTC()
	}
	v, err := h.billing.RecordReading(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse(v))
}

// SetLifecycle pauses, resumes or cancels a subscription.
func (h *Handler) SetLifecycle(w http.ResponseWriter, r *http.Request) {
	var req LifecycleRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := h.billing.SetLifecycle(r.Context(), chi.URLParam(r, "id"), subscription.Lifecycle(req.Lifecycle))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse(v))
}

// ListCollections returns the recorded collections of a subscription.
func (h *Handler) ListCollections(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.billing.Get(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	cols, err := h.collections.Collections(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"collections": lo.Map(cols, func(c ports.Collection, _ int) CollectionResponse {
			return CollectionResponse{
				Key:         c.Key,
				Provider:    c.Provider,
				Reference:   c.Reference,
				Amount:      c.Amount,
				Currency:    c.Currency,
				CollectedAt: c.CollectedAt,
			}
		}),
	})
}

// -----------------------------------------------------------------------------
// Analytics
// -----------------------------------------------------------------------------

// Analytics returns the portfolio and per-plan analytics.
func (h *Handler) Analytics(w http.ResponseWriter, r *http.Request) {
	rep, err := h.analytics.Report(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReportResponse{
		Portfolio:         analyticsResponse(rep.Portfolio),
		ByPlan:            lo.Map(rep.ByPlan, func(a portfolio.Analytics, _ int) AnalyticsResponse { return analyticsResponse(a) }),
		PendingCollection: rep.PendingCollection,
		GeneratedAt:       rep.GeneratedAt,
	})
}

// parseSince reads ?since=YYYY-MM-DD. A missing value means all history.
func parseSince(r *http.Request) (time.Time, error) {
	s := r.URL.Query().Get("since")
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: since must be YYYY-MM-DD", app.ErrInvalidInput)
	}
	return t, nil
}

// Revenue returns one revenue point per billing period.
func (h *Handler) Revenue(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	series, err := h.analytics.Revenue(r.Context(), since)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"periods": lo.Map(series, func(p portfolio.PeriodRevenue, _ int) RevenuePointResponse {
			return RevenuePointResponse(p)
		}),
	})
}

// RunCollection collects the overage of closed periods since ?since=.
func (h *Handler) RunCollection(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sum, err := h.collections.CollectClosed(r.Context(), since)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CollectionRunResponse(sum))
}
