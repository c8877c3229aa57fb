package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vistara-apps/usagebill/adapters/memory"
	"github.com/vistara-apps/usagebill/domain/plan"
	"github.com/vistara-apps/usagebill/domain/subscription"
	"github.com/vistara-apps/usagebill/ports"
)

var march = subscription.PeriodFor(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

func newPlan(id string, version int, base int64) plan.Plan {
	return plan.Plan{
		ID:                   id,
		Version:              version,
		Name:                 id,
		Features:             []string{"API Calls"},
		BasePrice:            base,
		UsageLimit:           1000,
		OverageUnitPrice:     decimal.NewFromInt(10),
		OverageMarginPercent: decimal.NewFromInt(20),
	}
}

func newSub(id, planID string, flag subscription.Lifecycle) subscription.Subscription {
	return subscription.Subscription{
		ID:          id,
		PlanID:      planID,
		PlanVersion: 1,
		CustomerID:  "cust-" + id,
		Period:      march,
		Lifecycle:   flag,
	}
}

// PlanStore tests

func TestPlanStore_Versions(t *testing.T) {
	store := memory.NewPlanStore()
	ctx := context.Background()

	if err := store.Save(ctx, newPlan("starter", 2, 2999)); err != nil {
		t.Fatalf("Save v2 failed: %v", err)
	}
	if err := store.Save(ctx, newPlan("starter", 1, 1999)); err != nil {
		t.Fatalf("Save v1 failed: %v", err)
	}

	latest, err := store.Get(ctx, "starter")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if latest.Version != 2 {
		t.Errorf("expected latest version 2, got %d", latest.Version)
	}
	if latest.Status != plan.StatusDraft {
		t.Errorf("expected default status draft, got %s", latest.Status)
	}

	v1, err := store.GetVersion(ctx, "starter", 1)
	if err != nil {
		t.Fatalf("GetVersion failed: %v", err)
	}
	if v1.BasePrice != 1999 {
		t.Errorf("expected v1 base price 1999, got %d", v1.BasePrice)
	}

	if err := store.Save(ctx, newPlan("starter", 2, 1)); !errors.Is(err, ports.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if _, err := store.GetVersion(ctx, "starter", 7); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPlanStore_ListSortedByPrice(t *testing.T) {
	store := memory.NewPlanStore()
	ctx := context.Background()

	store.Save(ctx, newPlan("pro", 1, 9999))
	store.Save(ctx, newPlan("free", 1, 0))
	store.Save(ctx, newPlan("starter", 1, 2999))

	plans, _ := store.List(ctx)
	want := []string{"free", "starter", "pro"}
	if len(plans) != 3 {
		t.Fatalf("expected 3 plans, got %d", len(plans))
	}
	for i, id := range want {
		if plans[i].ID != id {
			t.Errorf("plans[%d] = %s, want %s", i, plans[i].ID, id)
		}
	}
}

func TestPlanStore_ReturnsCopies(t *testing.T) {
	store := memory.NewPlanStore()
	ctx := context.Background()
	store.Save(ctx, newPlan("starter", 1, 2999))

	p, _ := store.Get(ctx, "starter")
	p.Features[0] = "mutated"

	again, _ := store.Get(ctx, "starter")
	if again.Features[0] != "API Calls" {
		t.Error("store handed out its internal features slice")
	}
}

func TestPlanStore_SetStatusAndDelete(t *testing.T) {
	store := memory.NewPlanStore()
	ctx := context.Background()
	store.Save(ctx, newPlan("starter", 1, 2999))
	store.Save(ctx, newPlan("starter", 2, 2999))

	if err := store.SetStatus(ctx, "starter", plan.StatusArchived, time.Now()); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	v1, _ := store.GetVersion(ctx, "starter", 1)
	if v1.Status != plan.StatusArchived {
		t.Errorf("expected every version archived, v1 is %s", v1.Status)
	}

	if err := store.Delete(ctx, "starter"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "starter"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// SubscriptionStore tests

func TestSubscriptionStore_CRUD(t *testing.T) {
	store := memory.NewSubscriptionStore()
	ctx := context.Background()

	sub := newSub("a", "starter", subscription.LifecycleRunning)
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, sub); !errors.Is(err, ports.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	sub.Lifecycle = subscription.LifecyclePaused
	if err := store.Update(ctx, sub); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ := store.Get(ctx, "a")
	if got.Lifecycle != subscription.LifecyclePaused {
		t.Errorf("expected paused, got %s", got.Lifecycle)
	}

	if err := store.Update(ctx, newSub("missing", "starter", subscription.LifecycleRunning)); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSubscriptionStore_ListAndCount(t *testing.T) {
	store := memory.NewSubscriptionStore()
	ctx := context.Background()

	store.Create(ctx, newSub("c", "starter", subscription.LifecycleCanceled))
	store.Create(ctx, newSub("a", "starter", subscription.LifecycleRunning))
	store.Create(ctx, newSub("b", "pro", subscription.LifecyclePaused))

	all, _ := store.List(ctx, ports.SubscriptionFilter{})
	if len(all) != 3 || all[0].ID != "a" || all[2].ID != "c" {
		t.Errorf("expected a,b,c ordering, got %+v", all)
	}

	starter, _ := store.List(ctx, ports.SubscriptionFilter{PlanID: "starter"})
	if len(starter) != 2 {
		t.Errorf("expected 2 starter subscriptions, got %d", len(starter))
	}

	n, _ := store.CountByPlan(ctx, "starter")
	if n != 2 {
		t.Errorf("expected 2 starter references including the canceled one, got %d", n)
	}
}

func TestSubscriptionStore_RecordUsage(t *testing.T) {
	store := memory.NewSubscriptionStore()
	ctx := context.Background()
	store.Create(ctx, newSub("a", "starter", subscription.LifecycleRunning))

	if err := store.RecordUsage(ctx, "a", march, 1250, time.Now()); err != nil {
		t.Fatalf("RecordUsage failed: %v", err)
	}
	got, _ := store.Get(ctx, "a")
	if got.CurrentUsage != 1250 {
		t.Errorf("expected usage 1250, got %d", got.CurrentUsage)
	}

	if err := store.RecordUsage(ctx, "a", march.Next(), 1, time.Now()); !errors.Is(err, ports.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if err := store.RecordUsage(ctx, "zzz", march, 1, time.Now()); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSubscriptionStore_ClosePeriod(t *testing.T) {
	store := memory.NewSubscriptionStore()
	ctx := context.Background()

	sub := newSub("a", "starter", subscription.LifecycleRunning)
	sub.CurrentUsage = 900
	store.Create(ctx, sub)

	next, _ := subscription.Rollover(sub, march.End)
	if err := store.ClosePeriod(ctx, sub, next); err != nil {
		t.Fatalf("ClosePeriod failed: %v", err)
	}
	if err := store.ClosePeriod(ctx, sub, next); !errors.Is(err, ports.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	history, _ := store.History(ctx, time.Time{})
	if len(history) != 1 || history[0].CurrentUsage != 900 {
		t.Errorf("unexpected history: %+v", history)
	}
	live, _ := store.Get(ctx, "a")
	if live.CurrentUsage != 0 {
		t.Errorf("expected live usage reset, got %d", live.CurrentUsage)
	}
}

func TestSubscriptionStore_ClosePeriodRejectsStaleRecord(t *testing.T) {
	store := memory.NewSubscriptionStore()
	ctx := context.Background()

	stale := newSub("a", "starter", subscription.LifecycleRunning)
	store.Create(ctx, stale)

	paused := stale
	paused.Lifecycle = subscription.LifecyclePaused
	store.Update(ctx, paused)

	next, _ := subscription.Rollover(stale, march.End)
	if err := store.ClosePeriod(ctx, stale, next); !errors.Is(err, ports.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	live, _ := store.Get(ctx, "a")
	if live.Lifecycle != subscription.LifecyclePaused || !live.Period.Equal(march) {
		t.Errorf("live record overwritten: %+v", live)
	}

	next, _ = subscription.Rollover(live, march.End)
	if err := store.ClosePeriod(ctx, live, next); err != nil {
		t.Fatalf("ClosePeriod with current record: %v", err)
	}
	if n, _ := store.CountByPlan(ctx, "starter"); n != 2 {
		t.Errorf("CountByPlan = %d, want 2 (live record + closed period)", n)
	}
}

func TestSubscriptionStore_ConcurrentUsage(t *testing.T) {
	store := memory.NewSubscriptionStore()
	ctx := context.Background()
	store.Create(ctx, newSub("a", "starter", subscription.LifecycleRunning))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			store.RecordUsage(ctx, "a", march, n, time.Now())
			store.Get(ctx, "a")
		}(int64(i))
	}
	wg.Wait()
}

// CollectionStore tests

func TestCollectionStore(t *testing.T) {
	store := memory.NewCollectionStore()
	ctx := context.Background()

	older := ports.Collection{Key: "k1", SubscriptionID: "a", Amount: 100, CollectedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	newer := ports.Collection{Key: "k2", SubscriptionID: "a", Amount: 200, CollectedAt: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}
	store.Save(ctx, older)
	store.Save(ctx, newer)

	if err := store.Save(ctx, older); !errors.Is(err, ports.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	list, _ := store.List(ctx, "a")
	if len(list) != 2 || list[0].Key != "k2" {
		t.Errorf("expected newest first, got %+v", list)
	}

	if _, err := store.Get(ctx, "nope"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
