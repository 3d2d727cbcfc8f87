package connector

import (
	"testing"
	"time"
)

func TestSlideWindowDropsOldFailures(t *testing.T) {
	now := time.Now()
	failures := []time.Time{
		now.Add(-10 * time.Minute),
		now.Add(-4 * time.Minute),
		now.Add(-1 * time.Minute),
	}
	kept := slideWindow(failures, now)
	if len(kept) != 2 {
		t.Fatalf("expected 2 failures within the 5-minute window, got %d", len(kept))
	}
}

func TestSlideWindowKeepsAllWithinWindow(t *testing.T) {
	now := time.Now()
	failures := []time.Time{
		now.Add(-4*time.Minute - 59*time.Second),
		now,
	}
	kept := slideWindow(failures, now)
	if len(kept) != 2 {
		t.Fatalf("expected both failures retained, got %d", len(kept))
	}
}

func TestErrorBudgetExhaustsAfterSixFailuresInWindow(t *testing.T) {
	now := time.Now()
	var failures []time.Time
	for i := 0; i < errorBudgetMax+1; i++ {
		failures = slideWindow(append(failures, now), now)
	}
	if len(failures) <= errorBudgetMax {
		t.Fatalf("expected budget exceeded after %d failures, got %d", errorBudgetMax+1, len(failures))
	}
}
