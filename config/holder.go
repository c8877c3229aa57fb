package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadObserver is told about every reload attempt.
type ReloadObserver func(err error, at time.Time)

// Holder provides thread-safe access to configuration with hot reload support.
type Holder struct {
	mu       sync.RWMutex
	config   *Config
	path     string
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	observe  ReloadObserver
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHolder creates a new config holder and loads the initial configuration.
func NewHolder(path string, logger zerolog.Logger) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}

	return &Holder{
		config:  cfg,
		path:    absPath,
		logger:  logger,
		observe: func(error, time.Time) {},
		stopCh:  make(chan struct{}),
	}, nil
}

// NewStaticHolder wraps a configuration that has no backing file.
// Reload and WatchFile fail on a static holder.
func NewStaticHolder(cfg *Config, logger zerolog.Logger) *Holder {
	return &Holder{
		config:  cfg,
		logger:  logger,
		observe: func(error, time.Time) {},
		stopCh:  make(chan struct{}),
	}
}

// Path returns the watched file, or "" for a static holder.
func (h *Holder) Path() string {
	return h.path
}

// Get returns the current configuration (thread-safe).
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// SetObserver registers the reload observer, typically the metrics collector.
func (h *Holder) SetObserver(fn ReloadObserver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fn == nil {
		fn = func(error, time.Time) {}
	}
	h.observe = fn
}

// Reload reloads the configuration from disk.
// Returns error if loading fails (keeps old config).
func (h *Holder) Reload() error {
	if h.path == "" {
		return fmt.Errorf("reload config: no config file")
	}
	h.logger.Info().Str("path", h.path).Msg("reloading configuration")

	newCfg, err := Load(h.path)

	h.mu.RLock()
	observe := h.observe
	h.mu.RUnlock()
	observe(err, time.Now())

	if err != nil {
		h.logger.Error().Err(err).Msg("config reload failed, keeping old config")
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.Lock()
	oldCfg := h.config
	h.config = newCfg
	listeners := slices.Clone(h.onChange)
	h.mu.Unlock()

	h.logChanges(oldCfg, newCfg)

	for _, fn := range listeners {
		fn(newCfg)
	}

	h.logger.Info().Msg("configuration reloaded successfully")
	return nil
}

// OnChange registers a callback to be called when config changes.
func (h *Holder) OnChange(fn func(*Config)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// WatchFile starts watching the config file for changes.
// Changes trigger automatic reload.
func (h *Holder) WatchFile() error {
	if h.path == "" {
		return fmt.Errorf("watch config: no config file")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	h.watcher = watcher

	// Watch the directory (more reliable for editors that do atomic saves)
	dir := filepath.Dir(h.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	go h.watchLoop()

	h.logger.Info().Str("path", h.path).Msg("watching config file for changes")
	return nil
}

// WatchSignals starts listening for SIGHUP to trigger reload.
func (h *Holder) WatchSignals() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		for {
			select {
			case <-sigCh:
				h.logger.Info().Msg("received SIGHUP, reloading config")
				if err := h.Reload(); err != nil {
					h.logger.Error().Err(err).Msg("SIGHUP reload failed")
				}
			case <-h.stopCh:
				signal.Stop(sigCh)
				return
			}
		}
	}()

	h.logger.Info().Msg("listening for SIGHUP to reload config")
}

// Stop stops watching for file changes and signals. It is safe to call
// more than once.
func (h *Holder) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		if h.watcher != nil {
			h.watcher.Close()
		}
	})
}

func (h *Holder) watchLoop() {
	filename := filepath.Base(h.path)

	for {
		select {
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != filename {
				continue
			}

			// React to write or create (atomic save = create)
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				h.logger.Debug().
					Str("event", event.Op.String()).
					Str("file", event.Name).
					Msg("config file changed")

				if err := h.Reload(); err != nil {
					h.logger.Error().Err(err).Msg("file watch reload failed")
				}
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Msg("file watcher error")

		case <-h.stopCh:
			return
		}
	}
}

func (h *Holder) logChanges(old, new *Config) {
	if old.Logging.Level != new.Logging.Level {
		h.logger.Info().
			Str("old", old.Logging.Level).
			Str("new", new.Logging.Level).
			Msg("log level changed")
	}

	if !old.Billing.NearLimitPercent.Equal(new.Billing.NearLimitPercent.Decimal) ||
		!old.Billing.CriticalPercent.Equal(new.Billing.CriticalPercent.Decimal) {
		h.logger.Info().
			Str("near_limit", new.Billing.NearLimitPercent.String()).
			Str("critical", new.Billing.CriticalPercent.String()).
			Msg("usage thresholds changed")
	}

	if len(old.Plans) != len(new.Plans) {
		h.logger.Info().
			Int("old", len(old.Plans)).
			Int("new", len(new.Plans)).
			Msg("plans count changed")
	}

	if old.Schedule != new.Schedule {
		h.logger.Info().
			Str("rollover", new.Schedule.Rollover).
			Str("collection", new.Schedule.Collection).
			Msg("schedule changed")
	}

	for _, field := range changedStaticFields(old, new) {
		h.logger.Warn().Str("field", field).Msg("config field changed but requires restart")
	}
}

func changedStaticFields(old, new *Config) []string {
	var changed []string
	if old.Server.Host != new.Server.Host {
		changed = append(changed, "server.host")
	}
	if old.Server.Port != new.Server.Port {
		changed = append(changed, "server.port")
	}
	if old.Database != new.Database {
		changed = append(changed, "database")
	}
	if old.Billing.Currency != new.Billing.Currency {
		changed = append(changed, "billing.currency")
	}
	if old.Payment.Provider != new.Payment.Provider || old.Payment.Stripe != new.Payment.Stripe {
		changed = append(changed, "payment")
	}
	return changed
}

// ReloadableFields returns which fields can be changed without restart.
func ReloadableFields() []string {
	return []string{
		"plans",
		"billing.near_limit_percent",
		"billing.critical_percent",
		"logging.level",
		"schedule.rollover",
		"schedule.collection",
		"schedule.collection_lookback_months",
	}
}

// NonReloadableFields returns which fields require a restart.
func NonReloadableFields() []string {
	return []string{
		"server.host",
		"server.port",
		"database",
		"billing.currency",
		"payment",
		"cache",
		"analytics.concurrency",
	}
}
