package bootstrap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/vistara-apps/usagebill/app"
	"github.com/vistara-apps/usagebill/config"
	"github.com/vistara-apps/usagebill/domain/subscription"
	"github.com/vistara-apps/usagebill/ports"
)

// jobTimeout bounds a single scheduled run.
const jobTimeout = 10 * time.Minute

// Scheduler runs period rollover and overage collection on cron schedules.
// Schedules can be replaced while running.
type Scheduler struct {
	billing     *app.BillingService
	collections *app.CollectionService
	clock       ports.Clock
	logger      zerolog.Logger
	cron        *cron.Cron

	mu       sync.Mutex
	entries  []cron.EntryID
	current  config.ScheduleConfig
	applied  bool
	lookback int
	started  bool
	stopOnce sync.Once
}

// NewScheduler creates a stopped scheduler with no jobs.
func NewScheduler(billing *app.BillingService, collections *app.CollectionService, clock ports.Clock, logger zerolog.Logger) *Scheduler {
	cl := cronLogger{logger: logger}
	return &Scheduler{
		billing:     billing,
		collections: collections,
		clock:       clock,
		logger:      logger,
		lookback:    1,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// Apply replaces the scheduled jobs. An empty spec disables its job.
func (s *Scheduler) Apply(cfg config.ScheduleConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.applied && cfg == s.current {
		return nil
	}

	var added []cron.EntryID
	add := func(name, spec string, job func(context.Context)) error {
		if spec == "" {
			return nil
		}
		id, err := s.cron.AddFunc(spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			job(ctx)
		})
		if err != nil {
			return fmt.Errorf("schedule %s %q: %w", name, spec, err)
		}
		added = append(added, id)
		return nil
	}

	if err := add("rollover", cfg.Rollover, func(ctx context.Context) { s.RunRollover(ctx) }); err != nil {
		s.remove(added)
		return err
	}
	if err := add("collection", cfg.Collection, func(ctx context.Context) { s.RunCollection(ctx) }); err != nil {
		s.remove(added)
		return err
	}

	s.remove(s.entries)
	s.entries = added
	s.current = cfg
	s.applied = true
	if cfg.CollectionLookback > 0 {
		s.lookback = cfg.CollectionLookback
	}

	s.logger.Info().
		Str("rollover", cfg.Rollover).
		Str("collection", cfg.Collection).
		Int("jobs", len(added)).
		Msg("schedule applied")
	return nil
}

func (s *Scheduler) remove(ids []cron.EntryID) {
	for _, id := range ids {
		s.cron.Remove(id)
	}
}

// Jobs returns the number of scheduled jobs.
func (s *Scheduler) Jobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		done := s.cron.Stop()
		select {
		case <-done.Done():
		case <-ctx.Done():
			err = fmt.Errorf("waiting for scheduled jobs: %w", ctx.Err())
		}
	})
	return err
}

// CollectionSince returns the start of the oldest period a collection run
// covers.
func (s *Scheduler) CollectionSince() time.Time {
	s.mu.Lock()
	lookback := s.lookback
	s.mu.Unlock()
	return subscription.PeriodFor(s.clock.Now()).Start.AddDate(0, -lookback, 0)
}

// RunRollover closes every ended billing period now.
func (s *Scheduler) RunRollover(ctx context.Context) (int, error) {
	start := time.Now()
	closed, err := s.billing.RolloverAll(ctx)
	if err != nil {
		s.logger.Error().Err(err).Int("closed", closed).Msg("rollover failed")
		return closed, err
	}
	s.logger.Info().
		Int("closed", closed).
		Dur("duration", time.Since(start)).
		Msg("rollover complete")
	return closed, nil
}

// RunCollection collects the overage of closed periods within the lookback
// window now.
func (s *Scheduler) RunCollection(ctx context.Context) (app.CollectionSummary, error) {
	since := s.CollectionSince()
	sum, err := s.collections.CollectClosed(ctx, since)
	if err != nil {
		s.logger.Error().Err(err).Time("since", since).Msg("collection failed")
		return sum, err
	}
	s.logger.Info().
		Time("since", since).
		Int("collected", sum.Collected).
		Int("skipped", sum.Skipped).
		Int("failed", sum.Failed).
		Int64("amount", sum.Amount).
		Msg("collection complete")
	return sum, nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
