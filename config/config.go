// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/vistara-apps/usagebill/domain/metering"
	"github.com/vistara-apps/usagebill/domain/plan"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Billing   BillingConfig   `yaml:"billing"`
	Plans     []PlanConfig    `yaml:"plans"`
	Cache     CacheConfig     `yaml:"cache"`
	Payment   PaymentConfig   `yaml:"payment"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Analytics AnalyticsConfig `yaml:"analytics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// DatabaseConfig configures the plan and subscription stores.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`   // sqlite file
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled *bool `yaml:"enabled"` // default true
}

// IsEnabled reports whether /metrics is served.
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// BillingConfig configures invoicing and the usage warning bands.
type BillingConfig struct {
	Currency         string  `yaml:"currency"`
	NearLimitPercent Decimal `yaml:"near_limit_percent"`
	CriticalPercent  Decimal `yaml:"critical_percent"`
}

// PlanConfig is a catalog entry seeded into the plan registry at startup
// and on reload.
type PlanConfig struct {
	ID                   string   `yaml:"id"`
	Name                 string   `yaml:"name"`
	Description          string   `yaml:"description"`
	Features             []string `yaml:"features"`
	Status               string   `yaml:"status"`
	BasePrice            int64    `yaml:"base_price"`  // minor units
	UsageLimit           int64    `yaml:"usage_limit"` // units per period
	OverageUnitPrice     Decimal  `yaml:"overage_unit_price"`
	OverageMarginPercent Decimal  `yaml:"overage_margin_percent"`
}

// CacheConfig configures the plan version cache.
type CacheConfig struct {
	Enabled   *bool         `yaml:"enabled"` // default true
	Size      int           `yaml:"size"`
	LatestTTL time.Duration `yaml:"latest_ttl"`
}

// IsEnabled reports whether the plan cache wraps the plan store.
func (c CacheConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// PaymentConfig selects the overage collector.
type PaymentConfig struct {
	Provider string       `yaml:"provider"` // "stripe", "dummy", "none"
	Stripe   StripeConfig `yaml:"stripe"`
}

// StripeConfig configures the Stripe collector.
type StripeConfig struct {
	SecretKey string        `yaml:"secret_key"`
	APIURL    string        `yaml:"api_url,omitempty"`
	Timeout   time.Duration `yaml:"timeout"`
}

// ScheduleConfig holds cron specs for background jobs. An empty spec
// disables the job.
type ScheduleConfig struct {
	Rollover           string `yaml:"rollover"`
	Collection         string `yaml:"collection"`
	CollectionLookback int    `yaml:"collection_lookback_months"`
}

// AnalyticsConfig configures report generation.
type AnalyticsConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// Decimal is a decimal value read from a YAML scalar, quoted or not.
type Decimal struct {
	decimal.Decimal
	Set bool
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Decimal) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", value.Line)
	}
	v, err := decimal.NewFromString(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: invalid decimal %q", value.Line, value.Value)
	}
	*d = Decimal{Decimal: v, Set: true}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Decimal) MarshalYAML() (any, error) {
	return d.String(), nil
}

// NewDecimal returns a set Decimal.
func NewDecimal(v decimal.Decimal) Decimal {
	return Decimal{Decimal: v, Set: true}
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds a configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
//
// Environment variables:
//
//	USAGEBILL_SERVER_HOST            - Server host (default: 0.0.0.0)
//	USAGEBILL_SERVER_PORT            - Server port (default: 8080)
//	USAGEBILL_DATABASE_DRIVER        - sqlite or memory (default: sqlite)
//	USAGEBILL_DATABASE_PATH          - SQLite file (default: usagebill.db)
//	USAGEBILL_LOG_LEVEL              - debug, info, warn, error (default: info)
//	USAGEBILL_LOG_FORMAT             - json or console (default: json)
//	USAGEBILL_METRICS_ENABLED        - Serve /metrics (default: true)
//	USAGEBILL_BILLING_CURRENCY       - Invoice currency (default: usd)
//	USAGEBILL_NEAR_LIMIT_PERCENT     - Near-limit band (default: 80)
//	USAGEBILL_CRITICAL_PERCENT       - Critical band (default: 95)
//	USAGEBILL_PAYMENT_PROVIDER       - stripe, dummy or none (default: none)
//	USAGEBILL_STRIPE_SECRET_KEY      - Stripe secret key
//	USAGEBILL_SCHEDULE_ROLLOVER      - Cron spec for period rollover
//	USAGEBILL_SCHEDULE_COLLECTION    - Cron spec for overage collection
//	USAGEBILL_ANALYTICS_CONCURRENCY  - Per-plan aggregation workers (default: 4)
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadWithFallback loads path when it exists and falls back to the
// environment otherwise.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies USAGEBILL_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := os.Getenv("USAGEBILL_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("USAGEBILL_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("USAGEBILL_SERVER_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.RequestTimeout = d
		}
	}

	// Database configuration
	if v := os.Getenv("USAGEBILL_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("USAGEBILL_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// Logging configuration
	if v := os.Getenv("USAGEBILL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("USAGEBILL_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("USAGEBILL_METRICS_ENABLED"); v != "" {
		enabled := parseBool(v)
		cfg.Metrics.Enabled = &enabled
	}

	// Billing configuration
	if v := os.Getenv("USAGEBILL_BILLING_CURRENCY"); v != "" {
		cfg.Billing.Currency = v
	}
	if v := os.Getenv("USAGEBILL_NEAR_LIMIT_PERCENT"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			cfg.Billing.NearLimitPercent = NewDecimal(d)
		}
	}
	if v := os.Getenv("USAGEBILL_CRITICAL_PERCENT"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			cfg.Billing.CriticalPercent = NewDecimal(d)
		}
	}

	// Payment configuration
	if v := os.Getenv("USAGEBILL_PAYMENT_PROVIDER"); v != "" {
		cfg.Payment.Provider = v
	}
	if v := os.Getenv("USAGEBILL_STRIPE_SECRET_KEY"); v != "" {
		cfg.Payment.Stripe.SecretKey = v
	}

	// Schedule configuration
	if v, ok := os.LookupEnv("USAGEBILL_SCHEDULE_ROLLOVER"); ok {
		cfg.Schedule.Rollover = v
	}
	if v, ok := os.LookupEnv("USAGEBILL_SCHEDULE_COLLECTION"); ok {
		cfg.Schedule.Collection = v
	}

	if v := os.Getenv("USAGEBILL_ANALYTICS_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Analytics.Concurrency = n
		}
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" {
		cfg.Database.Path = "usagebill.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Billing.Currency == "" {
		cfg.Billing.Currency = "usd"
	}
	cfg.Billing.Currency = strings.ToLower(cfg.Billing.Currency)
	if !cfg.Billing.NearLimitPercent.Set {
		cfg.Billing.NearLimitPercent = NewDecimal(decimal.NewFromInt(metering.DefaultNearLimitPercent))
	}
	if !cfg.Billing.CriticalPercent.Set {
		cfg.Billing.CriticalPercent = NewDecimal(decimal.NewFromInt(metering.DefaultCriticalPercent))
	}

	for i := range cfg.Plans {
		if cfg.Plans[i].Status == "" {
			cfg.Plans[i].Status = string(plan.StatusActive)
		}
	}

	if cfg.Cache.Size == 0 {
		cfg.Cache.Size = 256
	}
	if cfg.Cache.LatestTTL == 0 {
		cfg.Cache.LatestTTL = 30 * time.Second
	}

	if cfg.Payment.Provider == "" {
		cfg.Payment.Provider = "none"
	}
	if cfg.Payment.Stripe.Timeout == 0 {
		cfg.Payment.Stripe.Timeout = 30 * time.Second
	}

	if cfg.Schedule.CollectionLookback == 0 {
		cfg.Schedule.CollectionLookback = 3
	}

	if cfg.Analytics.Concurrency == 0 {
		cfg.Analytics.Concurrency = 4
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			return fmt.Errorf("database.path is required when database.driver is 'sqlite'")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be 'sqlite' or 'memory', got %q", cfg.Database.Driver)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	if len(cfg.Billing.Currency) != 3 {
		return fmt.Errorf("billing.currency must be a three-letter code, got %q", cfg.Billing.Currency)
	}
	if err := cfg.Thresholds().Validate(); err != nil {
		return fmt.Errorf("billing: %w", err)
	}

	seen := make(map[string]bool, len(cfg.Plans))
	for i, pc := range cfg.Plans {
		if pc.ID == "" {
			return fmt.Errorf("plans[%d].id is required", i)
		}
		if seen[pc.ID] {
			return fmt.Errorf("plans[%d].id %q is duplicated", i, pc.ID)
		}
		seen[pc.ID] = true
		if err := plan.Validate(pc.Plan()); err != nil {
			return fmt.Errorf("plans[%d]: %w", i, err)
		}
	}

	if cfg.Cache.Size < 0 {
		return fmt.Errorf("cache.size must not be negative")
	}

	switch cfg.Payment.Provider {
	case "stripe":
		if cfg.Payment.Stripe.SecretKey == "" {
			return fmt.Errorf("payment.stripe.secret_key is required when payment.provider is 'stripe'")
		}
	case "dummy", "none":
	default:
		return fmt.Errorf("payment.provider must be one of: stripe, dummy, none, got %q", cfg.Payment.Provider)
	}

	for name, spec := range map[string]string{
		"schedule.rollover":   cfg.Schedule.Rollover,
		"schedule.collection": cfg.Schedule.Collection,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s: invalid cron spec %q: %w", name, spec, err)
		}
	}
	if cfg.Schedule.CollectionLookback < 1 {
		return fmt.Errorf("schedule.collection_lookback_months must be at least 1")
	}

	if cfg.Analytics.Concurrency < 1 {
		return fmt.Errorf("analytics.concurrency must be at least 1")
	}

	return nil
}

// Thresholds returns the configured usage warning bands.
func (c *Config) Thresholds() metering.Thresholds {
	return metering.Thresholds{
		NearLimitPercent: c.Billing.NearLimitPercent.Decimal,
		CriticalPercent:  c.Billing.CriticalPercent.Decimal,
	}
}

// Catalog returns the configured plans as version 1 registry entries.
func (c *Config) Catalog() []plan.Plan {
	plans := make([]plan.Plan, len(c.Plans))
	for i, pc := range c.Plans {
		plans[i] = pc.Plan()
	}
	return plans
}

// Plan converts a catalog entry to a plan.
func (pc PlanConfig) Plan() plan.Plan {
	return plan.Plan{
		ID:                   pc.ID,
		Version:              1,
		Name:                 pc.Name,
		Description:          pc.Description,
		Features:             append([]string(nil), pc.Features...),
		Status:               plan.Status(pc.Status),
		BasePrice:            pc.BasePrice,
		UsageLimit:           pc.UsageLimit,
		OverageUnitPrice:     pc.OverageUnitPrice.Decimal,
		OverageMarginPercent: pc.OverageMarginPercent.Decimal,
	}
}
