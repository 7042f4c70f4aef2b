package tables

import (
	"testing"
	"time"
)

func TestRateTableFirstAnnounceNotBlocked(t *testing.T) {
	rt := NewRateTable(func() time.Time { return time.Unix(1000, 0) })
	if rt.Evaluate(destHash(1), time.Second, 3, time.Minute) {
		t.Error("Evaluate() = true for the first announce from a destination")
	}
}

func TestRateTableViolationsAccumulateAndBlock(t *testing.T) {
	now := time.Unix(1000, 0)
	rt := NewRateTable(func() time.Time { return now })
	dst := destHash(1)
	target := 10 * time.Second
	grace := 2
	penalty := time.Minute

	rt.Evaluate(dst, target, grace, penalty) // seed Last

	// Three rapid announces (current_rate < target) push violations past grace.
	for i := 0; i < 3; i++ {
		now = now.Add(time.Second)
		rt.Evaluate(dst, target, grace, penalty)
	}

	now = now.Add(time.Second)
	if !rt.Evaluate(dst, target, grace, penalty) {
		t.Error("Evaluate() = false once rate_violations exceeded grace")
	}
}

func TestRateTableSlowAnnouncesDoNotAccumulate(t *testing.T) {
	now := time.Unix(1000, 0)
	rt := NewRateTable(func() time.Time { return now })
	dst := destHash(1)
	target := time.Second

	rt.Evaluate(dst, target, 2, time.Minute)
	for i := 0; i < 5; i++ {
		now = now.Add(time.Hour)
		if rt.Evaluate(dst, target, 2, time.Minute) {
			t.Error("Evaluate() = true for well-spaced announces")
		}
	}
}

func TestRateTableTimestampsCapped(t *testing.T) {
	now := time.Unix(1000, 0)
	rt := NewRateTable(func() time.Time { return now })
	dst := destHash(1)

	for i := 0; i < MaxRateTimestamps+5; i++ {
		now = now.Add(time.Minute)
		rt.Evaluate(dst, time.Second, 100, time.Minute)
	}
	if got := len(rt.Get(dst).Timestamps); got != MaxRateTimestamps {
		t.Errorf("len(Timestamps) = %d, want %d", got, MaxRateTimestamps)
	}
}
