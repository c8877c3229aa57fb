// Package http provides the JSON API of the billing engine.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/vistara-apps/usagebill/adapters/metrics"
	"github.com/vistara-apps/usagebill/app"
)

// Handler serves the billing API.
type Handler struct {
	plans       *app.PlanService
	billing     *app.BillingService
	analytics   *app.AnalyticsService
	collections *app.CollectionService
	logger      zerolog.Logger
}

// Services groups the application services the API exposes.
type Services struct {
	Plans       *app.PlanService
	Billing     *app.BillingService
	Analytics   *app.AnalyticsService
	Collections *app.CollectionService
}

// NewHandler creates a new API handler.
func NewHandler(svc Services, logger zerolog.Logger) *Handler {
	return &Handler{
		plans:       svc.Plans,
		billing:     svc.Billing,
		analytics:   svc.Analytics,
		collections: svc.Collections,
		logger:      logger,
	}
}

// HealthChecker reports whether a dependency can serve traffic.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	db HealthChecker
}

// NewHealthHandler creates a new health handler. db may be nil.
func NewHealthHandler(db HealthChecker) *HealthHandler {
	return &HealthHandler{db: db}
}

// Liveness returns a simple liveness check.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness checks that the store is reachable.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// VersionResponse represents the version endpoint response.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// VersionHandler returns a handler reporting the build version.
func VersionHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, VersionResponse{Version: version, Service: "usagebill"})
	}
}

// RouterConfig holds optional configuration for the router.
type RouterConfig struct {
	Version        string
	Metrics        *metrics.Collector
	MetricsHandler http.Handler  // served at /metrics; defaults to promhttp.Handler() when Metrics is set
	RequestTimeout time.Duration // default 30s
}

// NewRouter creates the main HTTP router.
func NewRouter(h *Handler, health *HealthHandler, logger zerolog.Logger, cfg RouterConfig) chi.Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics))
	}

	r.Get("/health", health.Liveness)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Get("/version", VersionHandler(cfg.Version))

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	} else if cfg.Metrics != nil {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/plans", func(r chi.Router) {
			r.Get("/", h.ListPlans)
			r.Post("/", h.CreatePlan)
			r.Get("/{id}", h.GetPlan)
			r.Patch("/{id}", h.EditPlan)
			r.Delete("/{id}", h.RemovePlan)
			r.Post("/{id}/publish", h.PublishPlan)
			r.Post("/{id}/archive", h.ArchivePlan)
		})
		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", h.ListSubscriptions)
			r.Post("/", h.CreateSubscription)
			r.Get("/{id}", h.GetSubscription)
			r.Post("/{id}/readings", h.RecordReading)
			r.Post("/{id}/lifecycle", h.SetLifecycle)
			r.Get("/{id}/collections", h.ListCollections)
		})
		r.Get("/analytics", h.Analytics)
		r.Get("/analytics/revenue", h.Revenue)
		r.Post("/collections/run", h.RunCollection)
	})

	return r
}

func isInternalPath(path string) bool {
	return strings.HasPrefix(path, "/health") || path == "/metrics" || path == "/version"
}

// NewMetricsMiddleware creates middleware that records request metrics.
// Routes are labelled by their chi pattern to keep cardinality bounded.
func NewMetricsMiddleware(m *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isInternalPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.RequestsTotal.WithLabelValues(r.Method, route, metrics.StatusClass(ww.Status())).Inc()
			m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// NewLoggingMiddleware creates a new logging middleware.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if isInternalPath(r.URL.Path) {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
