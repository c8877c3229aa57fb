package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vistara-apps/usagebill/domain/plan"
	"github.com/vistara-apps/usagebill/ports"
)

// PlanStore is an in-memory implementation of ports.PlanStore.
type PlanStore struct {
	mu       sync.RWMutex
	versions map[string][]plan.Plan // by ID, ascending version
}

// NewPlanStore creates a new in-memory plan store.
func NewPlanStore() *PlanStore {
	return &PlanStore{versions: make(map[string][]plan.Plan)}
}

// List returns the latest version of every plan, cheapest first.
func (s *PlanStore) List(ctx context.Context) ([]plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]plan.Plan, 0, len(s.versions))
	for _, vs := range s.versions {
		out = append(out, clonePlan(vs[len(vs)-1]))
	}
	slices.SortFunc(out, func(a, b plan.Plan) int {
		return cmp.Or(cmp.Compare(a.BasePrice, b.BasePrice), strings.Compare(a.ID, b.ID))
	})
	return out, nil
}

// Get returns the latest version of a plan.
func (s *PlanStore) Get(ctx context.Context, id string) (plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vs, ok := s.versions[id]
	if !ok {
		return plan.Plan{}, fmt.Errorf("plan %s: %w", id, ports.ErrNotFound)
	}
	return clonePlan(vs[len(vs)-1]), nil
}

// GetVersion returns one version of a plan.
func (s *PlanStore) GetVersion(ctx context.Context, id string, version int) (plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.versions[id] {
		if p.Version == version {
			return clonePlan(p), nil
		}
	}
	return plan.Plan{}, fmt.Errorf("plan %s v%d: %w", id, version, ports.ErrNotFound)
}

// Save stores p as a new version.
func (s *PlanStore) Save(ctx context.Context, p plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vs := s.versions[p.ID]
	for _, existing := range vs {
		if existing.Version == p.Version {
			return fmt.Errorf("plan %s v%d: %w", p.ID, p.Version, ports.ErrConflict)
		}
	}
	if p.Status == "" {
		p.Status = plan.StatusDraft
	}
	vs = append(vs, clonePlan(p))
	slices.SortFunc(vs, func(a, b plan.Plan) int { return a.Version - b.Version })
	s.versions[p.ID] = vs
	return nil
}

// SetStatus changes the status of every version of a plan.
func (s *PlanStore) SetStatus(ctx context.Context, id string, status plan.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vs, ok := s.versions[id]
	if !ok {
		return fmt.Errorf("plan %s: %w", id, ports.ErrNotFound)
	}
	for i := range vs {
		vs[i].Status = status
		vs[i].UpdatedAt = at
	}
	return nil
}

// Delete removes every version of a plan.
func (s *PlanStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.versions[id]; !ok {
		return fmt.Errorf("plan %s: %w", id, ports.ErrNotFound)
	}
	delete(s.versions, id)
	return nil
}

func clonePlan(p plan.Plan) plan.Plan {
	p.Features = slices.Clone(p.Features)
	return p
}

// Ensure interface compliance.
var _ ports.PlanStore = (*PlanStore)(nil)
