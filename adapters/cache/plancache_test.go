package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vistara-apps/usagebill/adapters/cache"
	"github.com/vistara-apps/usagebill/adapters/memory"
	"github.com/vistara-apps/usagebill/domain/plan"
	"github.com/vistara-apps/usagebill/ports"
)

type counter struct {
	hits, misses int
}

func (c *counter) observe(hit bool) {
	if hit {
		c.hits++
	} else {
		c.misses++
	}
}

func seed(t *testing.T, versions ...int) *memory.PlanStore {
	t.Helper()
	store := memory.NewPlanStore()
	for _, v := range versions {
		p := plan.Plan{
			ID: "starter", Version: v, BasePrice: int64(1000 * v), UsageLimit: 1000,
			OverageUnitPrice: decimal.NewFromInt(10), OverageMarginPercent: decimal.Zero,
		}
		if err := store.Save(context.Background(), p); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return store
}

func TestPlanStore_GetVersionCached(t *testing.T) {
	var c counter
	store, err := cache.NewPlanStore(seed(t, 1), cache.DefaultConfig(), c.observe)
	if err != nil {
		t.Fatalf("NewPlanStore: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := store.GetVersion(ctx, "starter", 1)
		if err != nil {
			t.Fatalf("GetVersion: %v", err)
		}
		if p.BasePrice != 1000 {
			t.Errorf("BasePrice = %d, want 1000", p.BasePrice)
		}
	}

	if c.misses != 1 || c.hits != 2 {
		t.Errorf("hits/misses = %d/%d, want 2/1", c.hits, c.misses)
	}
	if store.Len() != 1 {
		t.Errorf("Len = %d, want 1", store.Len())
	}
}

func TestPlanStore_SaveInvalidatesLatest(t *testing.T) {
	backing := seed(t, 1)
	store, _ := cache.NewPlanStore(backing, cache.DefaultConfig(), nil)
	ctx := context.Background()

	p, _ := store.Get(ctx, "starter")
	if p.Version != 1 {
		t.Fatalf("Version = %d, want 1", p.Version)
	}

	next := p
	next.Version = 2
	next.BasePrice = 5000
	if err := store.Save(ctx, next); err != nil {
		t.Fatalf("Save: %v", err)
	}

	p, _ = store.Get(ctx, "starter")
	if p.Version != 2 || p.BasePrice != 5000 {
		t.Errorf("expected fresh v2 after save, got v%d base %d", p.Version, p.BasePrice)
	}
}

func TestPlanStore_LatestExpires(t *testing.T) {
	backing := seed(t, 1)
	store, _ := cache.NewPlanStore(backing, cache.Config{Size: 8, LatestTTL: 20 * time.Millisecond}, nil)
	ctx := context.Background()

	store.Get(ctx, "starter")

	// A write that bypasses the decorator only becomes visible after the TTL.
	backing.Save(ctx, plan.Plan{
		ID: "starter", Version: 2, BasePrice: 1, UsageLimit: 1,
		OverageUnitPrice: decimal.Zero, OverageMarginPercent: decimal.Zero,
	})

	p, _ := store.Get(ctx, "starter")
	if p.Version != 1 {
		t.Errorf("expected cached v1 before expiry, got v%d", p.Version)
	}

	time.Sleep(50 * time.Millisecond)
	p, _ = store.Get(ctx, "starter")
	if p.Version != 2 {
		t.Errorf("expected v2 after expiry, got v%d", p.Version)
	}
}

func TestPlanStore_DeleteAndStatusInvalidate(t *testing.T) {
	store, _ := cache.NewPlanStore(seed(t, 1, 2), cache.DefaultConfig(), nil)
	ctx := context.Background()

	store.GetVersion(ctx, "starter", 1)
	store.GetVersion(ctx, "starter", 2)

	if err := store.SetStatus(ctx, "starter", plan.StatusArchived, time.Now()); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("expected versions purged after status change, Len = %d", store.Len())
	}
	p, _ := store.GetVersion(ctx, "starter", 1)
	if p.Status != plan.StatusArchived {
		t.Errorf("expected archived status, got %s", p.Status)
	}

	if err := store.Delete(ctx, "starter"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.GetVersion(ctx, "starter", 1); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestPlanStore_MissNotCached(t *testing.T) {
	var c counter
	store, _ := cache.NewPlanStore(memory.NewPlanStore(), cache.DefaultConfig(), c.observe)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := store.Get(ctx, "ghost"); !errors.Is(err, ports.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	if c.misses != 2 {
		t.Errorf("misses = %d, want 2", c.misses)
	}
}
