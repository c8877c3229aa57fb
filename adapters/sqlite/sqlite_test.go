package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vistara-apps/usagebill/adapters/sqlite"
	"github.com/vistara-apps/usagebill/domain/plan"
	"github.com/vistara-apps/usagebill/domain/subscription"
	"github.com/vistara-apps/usagebill/ports"
)

func setupTestDB(t *testing.T) *sqlite.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "usagebill-test.db")
	db, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

var (
	created = time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	march   = subscription.PeriodFor(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
)

func testPlan(id string, version int) plan.Plan {
	return plan.Plan{
		ID:                   id,
		Version:              version,
		Name:                 "Starter",
		Description:          "For small teams",
		Features:             []string{"API Calls", "Email support"},
		Status:               plan.StatusActive,
		BasePrice:            2999,
		UsageLimit:           1000,
		OverageUnitPrice:     decimal.RequireFromString("0.8"),
		OverageMarginPercent: decimal.RequireFromString("12.5"),
		CreatedAt:            created,
		UpdatedAt:            created,
	}
}

func testSubscription(id, planID string) subscription.Subscription {
	return subscription.Subscription{
		ID:           id,
		PlanID:       planID,
		PlanVersion:  1,
		CustomerID:   id + "@example.com",
		CurrentUsage: 10,
		Period:       march,
		Lifecycle:    subscription.LifecycleRunning,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

// -----------------------------------------------------------------------------
// PlanStore Tests
// -----------------------------------------------------------------------------

func TestPlanStore_SaveAndGet(t *testing.T) {
	store := sqlite.NewPlanStore(setupTestDB(t))
	ctx := context.Background()

	p := testPlan("starter", 1)
	if err := store.Save(ctx, p); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, "starter")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if got.Name != p.Name || got.Description != p.Description {
		t.Errorf("got %+v", got)
	}
	if got.BasePrice != 2999 || got.UsageLimit != 1000 {
		t.Errorf("pricing = %d/%d, want 2999/1000", got.BasePrice, got.UsageLimit)
	}
	if !got.OverageUnitPrice.Equal(p.OverageUnitPrice) {
		t.Errorf("OverageUnitPrice = %s, want %s", got.OverageUnitPrice, p.OverageUnitPrice)
	}
	if !got.OverageMarginPercent.Equal(p.OverageMarginPercent) {
		t.Errorf("OverageMarginPercent = %s, want %s", got.OverageMarginPercent, p.OverageMarginPercent)
	}
	if len(got.Features) != 2 || got.Features[1] != "Email support" {
		t.Errorf("Features = %v", got.Features)
	}
	if got.Status != plan.StatusActive {
		t.Errorf("Status = %s, want active", got.Status)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}
}

func TestPlanStore_Versions(t *testing.T) {
	store := sqlite.NewPlanStore(setupTestDB(t))
	ctx := context.Background()

	v1 := testPlan("starter", 1)
	v2 := testPlan("starter", 2)
	v2.UsageLimit = 5000
	for _, p := range []plan.Plan{v1, v2} {
		if err := store.Save(ctx, p); err != nil {
			t.Fatalf("save v%d: %v", p.Version, err)
		}
	}

	latest, err := store.Get(ctx, "starter")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if latest.Version != 2 || latest.UsageLimit != 5000 {
		t.Errorf("latest = v%d limit %d, want v2 limit 5000", latest.Version, latest.UsageLimit)
	}

	old, err := store.GetVersion(ctx, "starter", 1)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if old.UsageLimit != 1000 {
		t.Errorf("v1 limit = %d, want 1000", old.UsageLimit)
	}

	plans, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(plans) != 1 || plans[0].Version != 2 {
		t.Errorf("List should return only the latest version, got %+v", plans)
	}

	if err := store.Save(ctx, v2); !errors.Is(err, ports.ErrConflict) {
		t.Errorf("duplicate version: expected ErrConflict, got %v", err)
	}
}

func TestPlanStore_ListOrder(t *testing.T) {
	store := sqlite.NewPlanStore(setupTestDB(t))
	ctx := context.Background()

	pro := testPlan("pro", 1)
	pro.BasePrice = 9999
	free := testPlan("free", 1)
	free.BasePrice = 0
	for _, p := range []plan.Plan{pro, testPlan("starter", 1), free} {
		if err := store.Save(ctx, p); err != nil {
			t.Fatalf("save %s: %v", p.ID, err)
		}
	}

	plans, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"free", "starter", "pro"}
	if len(plans) != len(want) {
		t.Fatalf("got %d plans, want %d", len(plans), len(want))
	}
	for i, id := range want {
		if plans[i].ID != id {
			t.Errorf("plans[%d] = %s, want %s", i, plans[i].ID, id)
		}
	}
}

func TestPlanStore_SetStatusAndDelete(t *testing.T) {
	store := sqlite.NewPlanStore(setupTestDB(t))
	ctx := context.Background()

	if err := store.Save(ctx, testPlan("starter", 1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SetStatus(ctx, "starter", plan.StatusArchived, created.Add(time.Hour)); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, _ := store.Get(ctx, "starter")
	if got.Status != plan.StatusArchived {
		t.Errorf("Status = %s, want archived", got.Status)
	}

	if err := store.Delete(ctx, "starter"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "starter"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.Delete(ctx, "starter"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
	if err := store.SetStatus(ctx, "missing", plan.StatusActive, created); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("set status on missing plan: expected ErrNotFound, got %v", err)
	}
}

// -----------------------------------------------------------------------------
// SubscriptionStore Tests
// -----------------------------------------------------------------------------

func TestSubscriptionStore_CreateAndGet(t *testing.T) {
	store := sqlite.NewSubscriptionStore(setupTestDB(t))
	ctx := context.Background()

	sub := testSubscription("sub_1", "starter")
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, "sub_1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PlanID != "starter" || got.PlanVersion != 1 || got.CustomerID != sub.CustomerID {
		t.Errorf("got %+v", got)
	}
	if !got.Period.Equal(march) {
		t.Errorf("Period = %v..%v, want %v..%v", got.Period.Start, got.Period.End, march.Start, march.End)
	}
	if got.Lifecycle != subscription.LifecycleRunning {
		t.Errorf("Lifecycle = %s", got.Lifecycle)
	}

	if err := store.Create(ctx, sub); !errors.Is(err, ports.ErrConflict) {
		t.Errorf("duplicate: expected ErrConflict, got %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSubscriptionStore_ListFilter(t *testing.T) {
	store := sqlite.NewSubscriptionStore(setupTestDB(t))
	ctx := context.Background()

	a := testSubscription("a", "starter")
	b := testSubscription("b", "pro")
	c := testSubscription("c", "starter")
	c.Lifecycle = subscription.LifecycleCanceled
	for _, s := range []subscription.Subscription{c, a, b} {
		if err := store.Create(ctx, s); err != nil {
			t.Fatalf("create %s: %v", s.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter ports.SubscriptionFilter
		want   []string
	}{
		{"all", ports.SubscriptionFilter{}, []string{"a", "b", "c"}},
		{"by plan", ports.SubscriptionFilter{PlanID: "starter"}, []string{"a", "c"}},
		{"by lifecycle", ports.SubscriptionFilter{Lifecycle: subscription.LifecycleRunning}, []string{"a", "b"}},
		{"both", ports.SubscriptionFilter{PlanID: "starter", Lifecycle: subscription.LifecycleCanceled}, []string{"c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subs, err := store.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(subs) != len(tt.want) {
				t.Fatalf("got %d subscriptions, want %d", len(subs), len(tt.want))
			}
			for i, id := range tt.want {
				if subs[i].ID != id {
					t.Errorf("subs[%d] = %s, want %s", i, subs[i].ID, id)
				}
			}
		})
	}

	n, err := store.CountByPlan(ctx, "starter")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("CountByPlan = %d, want 2 (canceled subscriptions still pin the plan)", n)
	}
}

func TestSubscriptionStore_RecordUsage(t *testing.T) {
	store := sqlite.NewSubscriptionStore(setupTestDB(t))
	ctx := context.Background()

	if err := store.Create(ctx, testSubscription("sub_1", "starter")); err != nil {
		t.Fatalf("create: %v", err)
	}

	at := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	if err := store.RecordUsage(ctx, "sub_1", march, 1250, at); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	got, _ := store.Get(ctx, "sub_1")
	if got.CurrentUsage != 1250 {
		t.Errorf("CurrentUsage = %d, want 1250", got.CurrentUsage)
	}
	if !got.UpdatedAt.Equal(at) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, at)
	}

	if err := store.RecordUsage(ctx, "sub_1", march.Next(), 5, at); !errors.Is(err, ports.ErrConflict) {
		t.Errorf("stale period: expected ErrConflict, got %v", err)
	}
	if err := store.RecordUsage(ctx, "missing", march, 5, at); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("missing subscription: expected ErrNotFound, got %v", err)
	}
}

func TestSubscriptionStore_ClosePeriodAndHistory(t *testing.T) {
	store := sqlite.NewSubscriptionStore(setupTestDB(t))
	ctx := context.Background()

	sub := testSubscription("sub_1", "starter")
	sub.CurrentUsage = 1800
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("create: %v", err)
	}

	at := march.End.Add(time.Hour)
	next, rolled := subscription.Rollover(sub, at)
	if !rolled {
		t.Fatal("expected rollover")
	}
	if err := store.ClosePeriod(ctx, sub, next); err != nil {
		t.Fatalf("close period: %v", err)
	}

	live, _ := store.Get(ctx, "sub_1")
	if live.CurrentUsage != 0 || !live.Period.Equal(march.Next()) {
		t.Errorf("live record not advanced: %+v", live)
	}

	history, err := store.History(ctx, march.Start)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("got %d history rows, want 1", len(history))
	}
	if history[0].CurrentUsage != 1800 || !history[0].Period.Equal(march) {
		t.Errorf("history row = %+v", history[0])
	}

	if err := store.ClosePeriod(ctx, sub, next); !errors.Is(err, ports.ErrConflict) {
		t.Errorf("closing twice: expected ErrConflict, got %v", err)
	}

	later, _ := store.History(ctx, march.Next().Start)
	if len(later) != 0 {
		t.Errorf("expected no history after april, got %d", len(later))
	}
}

func TestSubscriptionStore_ClosePeriodRejectsStaleRecord(t *testing.T) {
	store := sqlite.NewSubscriptionStore(setupTestDB(t))
	ctx := context.Background()

	stale := testSubscription("sub_1", "starter")
	if err := store.Create(ctx, stale); err != nil {
		t.Fatalf("create: %v", err)
	}

	canceled := stale
	canceled.Lifecycle = subscription.LifecycleCanceled
	if err := store.Update(ctx, canceled); err != nil {
		t.Fatalf("update: %v", err)
	}

	next, _ := subscription.Rollover(stale, march.End.Add(time.Hour))
	if err := store.ClosePeriod(ctx, stale, next); !errors.Is(err, ports.ErrConflict) {
		t.Fatalf("expected ErrConflict for a stale record, got %v", err)
	}

	live, _ := store.Get(ctx, "sub_1")
	if live.Lifecycle != subscription.LifecycleCanceled || !live.Period.Equal(march) {
		t.Errorf("live record overwritten: %+v", live)
	}
	if history, _ := store.History(ctx, time.Time{}); len(history) != 0 {
		t.Errorf("stale close wrote %d history rows", len(history))
	}

	missing := testSubscription("ghost", "starter")
	next, _ = subscription.Rollover(missing, march.End)
	if err := store.ClosePeriod(ctx, missing, next); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSubscriptionStore_CountByPlanIncludesHistory(t *testing.T) {
	store := sqlite.NewSubscriptionStore(setupTestDB(t))
	ctx := context.Background()

	sub := testSubscription("sub_1", "starter")
	store.Create(ctx, sub)
	next, _ := subscription.Rollover(sub, march.End)
	if err := store.ClosePeriod(ctx, sub, next); err != nil {
		t.Fatalf("close period: %v", err)
	}

	tests := []struct {
		plan string
		want int
	}{
		{"starter", 2},
		{"pro", 0},
	}
	for _, tt := range tests {
		t.Run(tt.plan, func(t *testing.T) {
			n, err := store.CountByPlan(ctx, tt.plan)
			if err != nil {
				t.Fatalf("count: %v", err)
			}
			if n != tt.want {
				t.Errorf("CountByPlan(%s) = %d, want %d", tt.plan, n, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// CollectionStore Tests
// -----------------------------------------------------------------------------

func TestCollectionStore(t *testing.T) {
	store := sqlite.NewCollectionStore(setupTestDB(t))
	ctx := context.Background()

	c := ports.Collection{
		Key:            "overage:sub_1:20260301",
		SubscriptionID: "sub_1",
		Provider:       "dummy",
		Reference:      "dummy_ii_1",
		Amount:         3000,
		Currency:       "usd",
		CollectedAt:    time.Date(2026, 4, 1, 0, 5, 0, 0, time.UTC),
	}
	if err := store.Save(ctx, c); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, c); !errors.Is(err, ports.ErrConflict) {
		t.Errorf("duplicate key: expected ErrConflict, got %v", err)
	}

	got, err := store.Get(ctx, c.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Amount != 3000 || got.Reference != "dummy_ii_1" || !got.CollectedAt.Equal(c.CollectedAt) {
		t.Errorf("got %+v", got)
	}

	list, err := store.List(ctx, "sub_1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("got %d collections, want 1", len(list))
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
