package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/vistara-apps/usagebill/domain/plan"
	"github.com/vistara-apps/usagebill/ports"
)

// PlanService manages the plan registry.
type PlanService struct {
	plans  ports.PlanStore
	subs   ports.SubscriptionStore
	clock  ports.Clock
	logger zerolog.Logger
}

// NewPlanService creates a new plan service.
func NewPlanService(plans ports.PlanStore, subs ports.SubscriptionStore, clock ports.Clock, logger zerolog.Logger) *PlanService {
	return &PlanService{plans: plans, subs: subs, clock: clock, logger: logger}
}

// List returns the latest version of every plan.
func (s *PlanService) List(ctx context.Context) ([]plan.Plan, error) {
	return s.plans.List(ctx)
}

// Get returns the latest version of a plan.
func (s *PlanService) Get(ctx context.Context, id string) (plan.Plan, error) {
	return s.plans.Get(ctx, id)
}

// Create registers a new plan as version 1. Status defaults to active.
func (s *PlanService) Create(ctx context.Context, p plan.Plan) (plan.Plan, error) {
	if _, err := s.plans.Get(ctx, p.ID); err == nil {
		return plan.Plan{}, fmt.Errorf("plan %s: %w", p.ID, ports.ErrConflict)
	} else if !errors.Is(err, ports.ErrNotFound) {
		return plan.Plan{}, fmt.Errorf("load plan %s: %w", p.ID, err)
	}

	now := s.clock.Now()
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = plan.StatusActive
	}
	if err := plan.Validate(p); err != nil {
		return plan.Plan{}, err
	}
	if err := s.plans.Save(ctx, p); err != nil {
		return plan.Plan{}, fmt.Errorf("save plan %s: %w", p.ID, err)
	}

	s.logger.Info().Str("plan_id", p.ID).Msg("plan created")
	return p, nil
}

// Edit stores a new version of a plan. Subscriptions stay pinned to the
// version they were created on.
func (s *PlanService) Edit(ctx context.Context, id string, edit plan.Edit) (plan.Plan, error) {
	current, err := s.plans.Get(ctx, id)
	if err != nil {
		return plan.Plan{}, fmt.Errorf("load plan %s: %w", id, err)
	}
	next, err := plan.NextVersion(current, edit, s.clock.Now())
	if err != nil {
		return plan.Plan{}, err
	}
	if err := s.plans.Save(ctx, next); err != nil {
		return plan.Plan{}, fmt.Errorf("save plan %s@%d: %w", id, next.Version, err)
	}

	s.logger.Info().Str("plan_id", id).Int("version", next.Version).Msg("plan edited")
	return next, nil
}

// Publish makes a plan available to new subscriptions.
func (s *PlanService) Publish(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, plan.StatusActive)
}

// Archive withdraws a plan from sale. Existing subscriptions keep billing.
func (s *PlanService) Archive(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, plan.StatusArchived)
}

func (s *PlanService) setStatus(ctx context.Context, id string, status plan.Status) error {
	if err := s.plans.SetStatus(ctx, id, status, s.clock.Now()); err != nil {
		return fmt.Errorf("set plan %s %s: %w", id, status, err)
	}
	s.logger.Info().Str("plan_id", id).Str("status", string(status)).Msg("plan status changed")
	return nil
}

// Remove deletes a plan that no subscription or closed period has ever
// referenced and archives it otherwise. It reports whether the plan was
// deleted.
func (s *PlanService) Remove(ctx context.Context, id string) (bool, error) {
	p, err := s.plans.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("load plan %s: %w", id, err)
	}
	refs, err := s.subs.CountByPlan(ctx, id)
	if err != nil {
		return false, fmt.Errorf("count subscriptions on %s: %w", id, err)
	}
	if !plan.CanDelete(p, refs) {
		s.logger.Info().Str("plan_id", id).Int("references", refs).Msg("plan in use, archiving instead of deleting")
		return false, s.Archive(ctx, id)
	}
	if err := s.plans.Delete(ctx, id); err != nil {
		return false, fmt.Errorf("delete plan %s: %w", id, err)
	}
	s.logger.Info().Str("plan_id", id).Msg("plan deleted")
	return true, nil
}

// SeedResult summarizes a catalog sync.
type SeedResult struct {
	Created   int
	Versioned int
	Unchanged int
}

// Seed brings the registry in line with a configured catalog. Missing plans
// are created; plans whose terms differ get a new version.
func (s *PlanService) Seed(ctx context.Context, catalog []plan.Plan) (SeedResult, error) {
	var res SeedResult
	for _, want := range catalog {
		current, err := s.plans.Get(ctx, want.ID)
		switch {
		case errors.Is(err, ports.ErrNotFound):
			if _, err := s.Create(ctx, want); err != nil {
				return res, err
			}
			res.Created++
			continue
		case err != nil:
			return res, fmt.Errorf("load plan %s: %w", want.ID, err)
		}

		if sameTerms(current, want) {
			res.Unchanged++
			continue
		}
		if _, err := s.Edit(ctx, want.ID, editTo(want)); err != nil {
			return res, err
		}
		res.Versioned++
	}
	return res, nil
}

func sameTerms(a, b plan.Plan) bool {
	return a.Name == b.Name &&
		a.Description == b.Description &&
		a.BasePrice == b.BasePrice &&
		a.UsageLimit == b.UsageLimit &&
		a.OverageUnitPrice.Equal(b.OverageUnitPrice) &&
		a.OverageMarginPercent.Equal(b.OverageMarginPercent) &&
		equalStrings(a.Features, b.Features)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func editTo(p plan.Plan) plan.Edit {
	return plan.Edit{
		Name:                 &p.Name,
		Description:          &p.Description,
		Features:             append([]string{}, p.Features...),
		BasePrice:            &p.BasePrice,
		UsageLimit:           &p.UsageLimit,
		OverageUnitPrice:     &p.OverageUnitPrice,
		OverageMarginPercent: &p.OverageMarginPercent,
	}
}
