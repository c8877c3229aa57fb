// Package bootstrap wires all dependencies and starts the application.
// Configuration comes from a YAML file when one exists and from USAGEBILL_*
// environment variables otherwise.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/vistara-apps/usagebill/adapters/cache"
	"github.com/vistara-apps/usagebill/adapters/clock"
	apihttp "github.com/vistara-apps/usagebill/adapters/http"
	"github.com/vistara-apps/usagebill/adapters/idgen"
	"github.com/vistara-apps/usagebill/adapters/memory"
	"github.com/vistara-apps/usagebill/adapters/metrics"
	"github.com/vistara-apps/usagebill/adapters/payment"
	"github.com/vistara-apps/usagebill/adapters/sqlite"
	"github.com/vistara-apps/usagebill/app"
	"github.com/vistara-apps/usagebill/config"
	"github.com/vistara-apps/usagebill/ports"
)

// Options customizes application initialization.
type Options struct {
	// ConfigPath is the YAML file to load and watch. A missing file falls
	// back to environment configuration.
	ConfigPath string

	// Version is reported by /version.
	Version string

	// LogOutput defaults to stdout.
	LogOutput io.Writer

	// Registry receives the metrics. Nil uses the Prometheus default registry.
	Registry *prometheus.Registry

	// Clock and Collector override the configured adapters, for tests.
	Clock     ports.Clock
	Collector ports.PaymentCollector
}

// App represents the running application.
type App struct {
	Logger     zerolog.Logger
	Config     *config.Holder
	DB         *sqlite.DB // nil with the memory driver
	HTTPServer *http.Server
	Metrics    *metrics.Collector // nil when metrics are disabled
	Scheduler  *Scheduler

	Plans       *app.PlanService
	Billing     *app.BillingService
	Analytics   *app.AnalyticsService
	Collections *app.CollectionService

	clock ports.Clock
}

// New loads configuration and wires every component.
func New(opts Options) (*App, error) {
	cfg, err := config.LoadWithFallback(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	out := opts.LogOutput
	if out == nil {
		out = os.Stdout
	}
	logger := NewLogger(cfg.Logging, out)

	holder := config.NewStaticHolder(cfg, logger)
	if opts.ConfigPath != "" {
		if _, err := os.Stat(opts.ConfigPath); err == nil {
			if holder, err = config.NewHolder(opts.ConfigPath, logger); err != nil {
				return nil, err
			}
		}
	}
	return build(holder, logger, opts)
}

func build(holder *config.Holder, logger zerolog.Logger, opts Options) (*App, error) {
	cfg := holder.Get()
	logger.Info().Str("version", opts.Version).Msg("initializing usagebill")

	a := &App{
		Logger: logger,
		Config: holder,
		clock:  opts.Clock,
	}
	if a.clock == nil {
		a.clock = clock.Real{}
	}

	var observer ports.BillingObserver = ports.NopObserver{}
	if cfg.Metrics.IsEnabled() {
		if opts.Registry != nil {
			a.Metrics = metrics.NewWithRegistry(opts.Registry)
		} else {
			a.Metrics = metrics.New()
		}
		observer = a.Metrics
		a.Config.SetObserver(a.Metrics.ObserveConfigReload)
		logger.Info().Msg("prometheus metrics enabled")
	}

	stores, err := a.initStores(cfg)
	if err != nil {
		return nil, fmt.Errorf("init stores: %w", err)
	}

	collector := opts.Collector
	if collector == nil {
		collector, err = payment.NewCollector(payment.Config{
			Provider: cfg.Payment.Provider,
			Stripe: payment.StripeConfig{
				SecretKey: cfg.Payment.Stripe.SecretKey,
				APIURL:    cfg.Payment.Stripe.APIURL,
				Timeout:   cfg.Payment.Stripe.Timeout,
			},
		})
		if err != nil {
			a.closeDB()
			return nil, fmt.Errorf("init payment collector: %w", err)
		}
	}
	logger.Info().Str("provider", collector.Name()).Msg("payment collector ready")

	a.Plans = app.NewPlanService(stores.plans, stores.subs, a.clock, logger)
	a.Billing = app.NewBillingService(app.BillingDeps{
		Plans:         stores.plans,
		Subscriptions: stores.subs,
		Clock:         a.clock,
		IDGen:         idgen.UUID{Prefix: "sub_"},
		Observer:      observer,
		Logger:        logger,
	}, app.BillingConfig{
		Currency:   cfg.Billing.Currency,
		Thresholds: cfg.Thresholds(),
	})
	a.Analytics = app.NewAnalyticsService(a.Billing, stores.subs, a.clock, observer, logger, cfg.Analytics.Concurrency)
	a.Collections = app.NewCollectionService(app.CollectionDeps{
		Billing:       a.Billing,
		Subscriptions: stores.subs,
		Collections:   stores.collections,
		Collector:     collector,
		Clock:         a.clock,
		Observer:      observer,
		Logger:        logger,
	})

	ctx := context.Background()
	if err := a.seedPlans(ctx, cfg); err != nil {
		a.closeDB()
		return nil, err
	}

	a.Scheduler = NewScheduler(a.Billing, a.Collections, a.clock, logger)
	if err := a.Scheduler.Apply(cfg.Schedule); err != nil {
		a.closeDB()
		return nil, fmt.Errorf("init scheduler: %w", err)
	}

	a.initHTTPServer(cfg, opts)
	a.Config.OnChange(a.applyConfig)

	return a, nil
}

type stores struct {
	plans       ports.PlanStore
	subs        ports.SubscriptionStore
	collections ports.CollectionStore
}

func (a *App) initStores(cfg *config.Config) (stores, error) {
	var s stores
	switch cfg.Database.Driver {
	case "memory":
		s = stores{
			plans:       memory.NewPlanStore(),
			subs:        memory.NewSubscriptionStore(),
			collections: memory.NewCollectionStore(),
		}
		a.Logger.Warn().Msg("using in-memory stores, data is lost on exit")

	default:
		db, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			return stores{}, err
		}
		if err := db.Migrate(context.Background()); err != nil {
			db.Close()
			return stores{}, fmt.Errorf("migrate: %w", err)
		}
		a.DB = db
		s = stores{
			plans:       sqlite.NewPlanStore(db),
			subs:        sqlite.NewSubscriptionStore(db),
			collections: sqlite.NewCollectionStore(db),
		}
		a.Logger.Info().Str("path", cfg.Database.Path).Msg("database ready")
	}

	if cfg.Cache.IsEnabled() {
		var observe cache.Observer
		if a.Metrics != nil {
			observe = a.Metrics.ObservePlanCache
		}
		cached, err := cache.NewPlanStore(s.plans, cache.Config{
			Size:      cfg.Cache.Size,
			LatestTTL: cfg.Cache.LatestTTL,
		}, observe)
		if err != nil {
			a.closeDB()
			return stores{}, err
		}
		s.plans = cached
	}
	return s, nil
}

func (a *App) seedPlans(ctx context.Context, cfg *config.Config) error {
	if len(cfg.Plans) == 0 {
		return nil
	}
	res, err := a.Plans.Seed(ctx, cfg.Catalog())
	if err != nil {
		return fmt.Errorf("seed plans: %w", err)
	}
	a.Logger.Info().
		Int("created", res.Created).
		Int("versioned", res.Versioned).
		Int("unchanged", res.Unchanged).
		Msg("plan catalog synced")
	return nil
}

func (a *App) initHTTPServer(cfg *config.Config, opts Options) {
	var health *apihttp.HealthHandler
	if a.DB != nil {
		health = apihttp.NewHealthHandler(a.DB)
	} else {
		health = apihttp.NewHealthHandler(nil)
	}

	routerCfg := apihttp.RouterConfig{
		Version:        opts.Version,
		Metrics:        a.Metrics,
		RequestTimeout: cfg.Server.RequestTimeout,
	}
	if a.Metrics != nil && opts.Registry != nil {
		routerCfg.MetricsHandler = promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})
	}

	h := apihttp.NewHandler(apihttp.Services{
		Plans:       a.Plans,
		Billing:     a.Billing,
		Analytics:   a.Analytics,
		Collections: a.Collections,
	}, a.Logger)

	a.HTTPServer = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      apihttp.NewRouter(h, health, a.Logger, routerCfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

// applyConfig pushes the reloadable parts of a new configuration into the
// running services.
func (a *App) applyConfig(cfg *config.Config) {
	SetLogLevel(cfg.Logging.Level)

	if err := a.Billing.UpdateConfig(app.DynamicConfig{Thresholds: cfg.Thresholds()}); err != nil {
		a.Logger.Error().Err(err).Msg("thresholds not applied")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.seedPlans(ctx, cfg); err != nil {
		a.Logger.Error().Err(err).Msg("plan catalog not applied")
	}

	if err := a.Scheduler.Apply(cfg.Schedule); err != nil {
		a.Logger.Error().Err(err).Msg("schedule not applied")
	}
}

// Run starts the HTTP server, the scheduler and config watching, and blocks
// until SIGINT or SIGTERM.
func (a *App) Run() error {
	if a.Config.Path() != "" {
		if err := a.Config.WatchFile(); err != nil {
			a.Logger.Warn().Err(err).Msg("config file watching disabled")
		}
		a.Config.WatchSignals()
	}
	a.Scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().
			Str("addr", a.HTTPServer.Addr).
			Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		a.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application.
func (a *App) Shutdown() error {
	timeout := a.Config.Get().Server.ShutdownTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.Config.Stop()

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	if a.Scheduler != nil {
		if err := a.Scheduler.Stop(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("scheduler stop error")
		}
	}

	a.closeDB()

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

func (a *App) closeDB() {
	if a.DB == nil {
		return
	}
	if err := a.DB.Close(); err != nil {
		a.Logger.Error().Err(err).Msg("database close error")
	}
	a.DB = nil
}
