package clock_test

import (
	"testing"
	"time"

	"github.com/arka-mehta/tierbox/internal/clock"
)

func TestFakeAdvanceAndSet(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fake := clock.NewFake(start)

	if got := fake.Now(); !got.Equal(start) {
		t.Fatalf("Now() = %v, want %v", got, start)
	}

	fake.Advance(time.Hour)
	if got := fake.Now(); !got.Equal(start.Add(time.Hour)) {
		t.Fatalf("Now() after Advance = %v", got)
	}

	later := start.Add(24 * time.Hour)
	fake.Set(later)
	if got := fake.Now(); !got.Equal(later) {
		t.Fatalf("Now() after Set = %v", got)
	}
}

func TestRealTracksSystemClock(t *testing.T) {
	before := time.Now()
	got := clock.Real{}.Now()
	after := time.Now()
	if got.Before(before) || got.After(after) {
		t.Fatalf("Real.Now() = %v outside [%v, %v]", got, before, after)
	}
}
