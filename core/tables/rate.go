package tables

import (
	"sync"
	"time"

	"github.com/quillmesh/transport/core"
)

// MaxRateTimestamps is the cap on an announce-rate entry's sliding window.
const MaxRateTimestamps = 16

// RateEntry tracks per-destination announce rate limiting for an interface
// that declares announce_rate_target.
type RateEntry struct {
	Last           time.Time
	RateViolations int
	BlockedUntil   time.Time
	Timestamps     []time.Time
}

// RateTable is keyed by destination hash.
type RateTable struct {
	mu      sync.Mutex
	entries map[core.DestHash]*RateEntry
	nowFn   func() time.Time
}

// NewRateTable creates an empty announce-rate table.
func NewRateTable(nowFn func() time.Time) *RateTable {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &RateTable{entries: make(map[core.DestHash]*RateEntry), nowFn: nowFn}
}

// Get returns dst's rate entry, creating an empty one if absent.
func (t *RateTable) Get(dst core.DestHash) *RateEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[dst]
	if !ok {
		e = &RateEntry{}
		t.entries[dst] = e
	}
	return e
}

// Evaluate applies the §4.5 item 3 rate-limiting algorithm for an announce
// arriving for dst right now, given the interface's declared rate_target,
// rate_grace (a violation-count threshold), and rate_penalty. It returns
// true if the announce is currently rate-blocked (admitted to the path
// table but not queued for rebroadcast).
func (t *RateTable) Evaluate(dst core.DestHash, target time.Duration, grace int, penalty time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[dst]
	if !ok {
		e = &RateEntry{}
		t.entries[dst] = e
	}

	now := t.nowFn()
	blocked := !e.BlockedUntil.IsZero() && now.Compare(e.BlockedUntil) <= 0

	if !e.Last.IsZero() {
		currentRate := now.Sub(e.Last)
		if currentRate < target {
			e.RateViolations++
		} else if e.RateViolations > 0 {
			e.RateViolations--
		}
		if e.RateViolations > grace {
			e.BlockedUntil = e.Last.Add(target).Add(penalty)
		}
	}

	e.Last = now
	e.Timestamps = append(e.Timestamps, now)
	if len(e.Timestamps) > MaxRateTimestamps {
		e.Timestamps = e.Timestamps[len(e.Timestamps)-MaxRateTimestamps:]
	}

	return blocked
}

// Len returns the number of tracked destinations.
func (t *RateTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
