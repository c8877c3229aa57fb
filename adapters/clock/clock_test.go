package clock_test

import (
	"testing"
	"time"

	"github.com/vistara-apps/usagebill/adapters/clock"
)

func TestReal_NowIsUTC(t *testing.T) {
	before := time.Now()
	got := clock.Real{}.Now()
	after := time.Now()

	if got.Location() != time.UTC {
		t.Errorf("Now() location = %v, want UTC", got.Location())
	}
	if got.Before(before.Add(-time.Second)) || got.After(after.Add(time.Second)) {
		t.Errorf("Now() = %v, expected between %v and %v", got, before, after)
	}
}

func TestFake(t *testing.T) {
	start := time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC)
	c := clock.NewFake(start)

	if !c.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", c.Now(), start)
	}

	c.Advance(12 * time.Hour)
	if want := start.Add(12 * time.Hour); !c.Now().Equal(want) {
		t.Errorf("after Advance: %v, want %v", c.Now(), want)
	}

	c.Set(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	c.AdvanceMonths(1)
	if want := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC); !c.Now().Equal(want) {
		t.Errorf("after AdvanceMonths: %v, want %v", c.Now(), want)
	}
}

func TestFake_NormalizesZone(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	c := clock.NewFake(time.Date(2026, 5, 1, 1, 0, 0, 0, loc))
	if c.Now().Location() != time.UTC {
		t.Errorf("location = %v, want UTC", c.Now().Location())
	}
	if c.Now().Month() != time.April {
		t.Errorf("month = %v, want April", c.Now().Month())
	}
}
