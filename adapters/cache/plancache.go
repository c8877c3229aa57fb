// Package cache provides read-through caching decorators for storage ports.
package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/vistara-apps/usagebill/domain/plan"
	"github.com/vistara-apps/usagebill/ports"
)

// Config controls the plan cache.
type Config struct {
	Size      int           // max cached plan versions
	LatestTTL time.Duration // how long a "latest version" lookup is trusted
}

// DefaultConfig returns sensible cache defaults.
func DefaultConfig() Config {
	return Config{Size: 256, LatestTTL: 30 * time.Second}
}

// Observer is told about every lookup. hit is false on a miss.
type Observer func(hit bool)

// PlanStore wraps a ports.PlanStore with an LRU of plan versions.
// Pinned versions never change pricing, so they are cached without expiry.
// Latest-version lookups expire after LatestTTL and every write through
// this store invalidates the affected plan.
type PlanStore struct {
	next     ports.PlanStore
	versions *lru.Cache[string, plan.Plan]
	latest   *expirable.LRU[string, plan.Plan]
	observe  Observer
}

// NewPlanStore creates a caching decorator around next.
func NewPlanStore(next ports.PlanStore, cfg Config, observe Observer) (*PlanStore, error) {
	if cfg.Size <= 0 {
		cfg.Size = DefaultConfig().Size
	}
	if cfg.LatestTTL <= 0 {
		cfg.LatestTTL = DefaultConfig().LatestTTL
	}
	versions, err := lru.New[string, plan.Plan](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("create plan cache: %w", err)
	}
	if observe == nil {
		observe = func(bool) {}
	}
	return &PlanStore{
		next:     next,
		versions: versions,
		latest:   expirable.NewLRU[string, plan.Plan](cfg.Size, nil, cfg.LatestTTL),
		observe:  observe,
	}, nil
}

func versionKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}

// List is not cached; listings are rare and must reflect new plans.
func (s *PlanStore) List(ctx context.Context) ([]plan.Plan, error) {
	return s.next.List(ctx)
}

// Get returns the latest version of a plan.
func (s *PlanStore) Get(ctx context.Context, id string) (plan.Plan, error) {
	if p, ok := s.latest.Get(id); ok {
		s.observe(true)
		return p, nil
	}
	s.observe(false)

	p, err := s.next.Get(ctx, id)
	if err != nil {
		return plan.Plan{}, err
	}
	s.latest.Add(id, p)
	s.versions.Add(versionKey(p.ID, p.Version), p)
	return p, nil
}

// GetVersion returns one version of a plan.
func (s *PlanStore) GetVersion(ctx context.Context, id string, version int) (plan.Plan, error) {
	key := versionKey(id, version)
	if p, ok := s.versions.Get(key); ok {
		s.observe(true)
		return p, nil
	}
	s.observe(false)

	p, err := s.next.GetVersion(ctx, id, version)
	if err != nil {
		return plan.Plan{}, err
	}
	s.versions.Add(key, p)
	return p, nil
}

// Save stores a new version and drops the cached latest pointer.
func (s *PlanStore) Save(ctx context.Context, p plan.Plan) error {
	if err := s.next.Save(ctx, p); err != nil {
		return err
	}
	s.latest.Remove(p.ID)
	return nil
}

// SetStatus updates every version, so every cached version is dropped.
func (s *PlanStore) SetStatus(ctx context.Context, id string, status plan.Status, at time.Time) error {
	if err := s.next.SetStatus(ctx, id, status, at); err != nil {
		return err
	}
	s.invalidate(id)
	return nil
}

// Delete removes a plan and its cached versions.
func (s *PlanStore) Delete(ctx context.Context, id string) error {
	if err := s.next.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(id)
	return nil
}

// Len returns the number of cached plan versions.
func (s *PlanStore) Len() int {
	return s.versions.Len()
}

func (s *PlanStore) invalidate(id string) {
	s.latest.Remove(id)
	prefix := id + "@"
	for _, key := range s.versions.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.versions.Remove(key)
		}
	}
}

// Ensure interface compliance.
var _ ports.PlanStore = (*PlanStore)(nil)
