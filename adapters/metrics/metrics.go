// Package metrics provides Prometheus metrics collection for the billing engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vistara-apps/usagebill/domain/billingerr"
	"github.com/vistara-apps/usagebill/domain/metering"
	"github.com/vistara-apps/usagebill/domain/portfolio"
	"github.com/vistara-apps/usagebill/ports"
)

const namespace = "usagebill"

// Collector holds all Prometheus metrics for the billing engine.
type Collector struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Metering metrics
	ReadingsTotal  *prometheus.CounterVec
	SnapshotLevels *prometheus.CounterVec
	OverageCharged *prometheus.CounterVec
	Rollovers      prometheus.Counter

	// Collection metrics
	CollectionsTotal *prometheus.CounterVec
	CollectedMinor   *prometheus.CounterVec

	// Portfolio metrics, refreshed whenever analytics are computed
	MonthlyRevenue     prometheus.Gauge
	OverageRatePercent prometheus.Gauge

	// Plan cache metrics
	PlanCacheLookups *prometheus.CounterVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a collector registered with the default Prometheus registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "route"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),
		ReadingsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_readings_total",
				Help:      "Usage readings received, by outcome",
			},
			[]string{"outcome"},
		),
		SnapshotLevels: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_snapshots_total",
				Help:      "Usage snapshots computed, by plan and level",
			},
			[]string{"plan_id", "level"},
		),
		OverageCharged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "overage_charged_minor_total",
				Help:      "Overage charges collected, in minor currency units",
			},
			[]string{"plan_id"},
		),
		Rollovers: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "period_rollovers_total",
				Help:      "Billing periods closed by rollover",
			},
		),
		CollectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collections_total",
				Help:      "Overage collection attempts, by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		CollectedMinor: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collected_minor_total",
				Help:      "Amount collected from payment providers, in minor units",
			},
			[]string{"currency"},
		),
		MonthlyRevenue: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "portfolio_monthly_revenue_minor",
				Help:      "Monthly revenue of the portfolio at last computation, in minor units",
			},
		),
		OverageRatePercent: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "portfolio_overage_rate_percent",
				Help:      "Share of active subscriptions in overage at last computation",
			},
		),
		PlanCacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plan_cache_lookups_total",
				Help:      "Plan cache lookups, by result",
			},
			[]string{"result"},
		),
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// ObservePlanCache records a plan cache lookup. It matches cache.Observer.
func (c *Collector) ObservePlanCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.PlanCacheLookups.WithLabelValues(result).Inc()
}

// ObserveReading records a usage reading outcome. Accepted readings are
// labelled "accepted"; rejected ones carry the engine error code.
func (c *Collector) ObserveReading(err error) {
	outcome := "accepted"
	if err != nil {
		outcome = billingerr.Kind(err)
	}
	c.ReadingsTotal.WithLabelValues(outcome).Inc()
}

// ObserveConfigReload records a config reload attempt.
func (c *Collector) ObserveConfigReload(err error, at time.Time) {
	if err != nil {
		c.ConfigReloadErrors.Inc()
		return
	}
	c.ConfigReloads.Inc()
	c.ConfigLastReload.Set(float64(at.Unix()))
}

// StatusClass reduces an HTTP status code to its class label, e.g. "2xx".
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}

// SnapshotComputed implements ports.BillingObserver.
func (c *Collector) SnapshotComputed(planID string, level metering.Level) {
	c.SnapshotLevels.WithLabelValues(planID, level.String()).Inc()
}

// ReadingRecorded implements ports.BillingObserver.
func (c *Collector) ReadingRecorded(err error) {
	c.ObserveReading(err)
}

// PeriodClosed implements ports.BillingObserver.
func (c *Collector) PeriodClosed() {
	c.Rollovers.Inc()
}

// Collected implements ports.BillingObserver.
func (c *Collector) Collected(provider, planID, currency string, amount int64, err error) {
	if err != nil {
		c.CollectionsTotal.WithLabelValues(provider, "failed").Inc()
		return
	}
	c.CollectionsTotal.WithLabelValues(provider, "collected").Inc()
	c.CollectedMinor.WithLabelValues(currency).Add(float64(amount))
	c.OverageCharged.WithLabelValues(planID).Add(float64(amount))
}

// PortfolioComputed implements ports.BillingObserver.
func (c *Collector) PortfolioComputed(a portfolio.Analytics) {
	c.MonthlyRevenue.Set(float64(a.MonthlyRevenue))
	if a.OverageRatePercent.Valid {
		c.OverageRatePercent.Set(a.OverageRatePercent.Value.InexactFloat64())
	} else {
		c.OverageRatePercent.Set(0)
	}
}

var _ ports.BillingObserver = (*Collector)(nil)
