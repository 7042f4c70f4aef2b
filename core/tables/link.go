package tables

import (
	"sync"
	"time"

	"github.com/quillmesh/transport/core"
)

// StaleTime and EstTimeoutPerHop are adopted from Reticulum's link layer,
// which is out of scope here but whose constants this package's timeout
// math still depends on (no value for them is given in the routing spec
// itself, so these are chosen to match the upstream project's defaults).
const (
	StaleTime        = 6 * time.Minute
	LinkTimeout      = (StaleTime * 5) / 4 // STALE_TIME * 1.25
	EstTimeoutPerHop = 6 * time.Second
)

// LinkEntry tracks a transiting LINKREQUEST/LRPROOF pair so return traffic
// for the link can be routed without re-consulting the path table.
type LinkEntry struct {
	Timestamp            time.Time
	NextHopTransportID   core.TransportID
	NextHopIf            string
	RemainingHops        uint8
	ReceivedIf           string
	TakenHops            uint8
	DestinationHash      core.DestHash
	Validated            bool
	ProofTimeout         time.Time
}

// Stale reports whether the entry should be culled: validated entries
// expire LinkTimeout after their last activity, unvalidated ones at their
// recorded ProofTimeout.
func (e *LinkEntry) Stale(now time.Time) bool {
	if e.Validated {
		return now.Sub(e.Timestamp) > LinkTimeout
	}
	return now.After(e.ProofTimeout)
}

// LinkTable is keyed by link ID.
type LinkTable struct {
	mu      sync.Mutex
	entries map[core.LinkID]*LinkEntry
	nowFn   func() time.Time
}

// NewLinkTable creates an empty link table.
func NewLinkTable(nowFn func() time.Time) *LinkTable {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &LinkTable{entries: make(map[core.LinkID]*LinkEntry), nowFn: nowFn}
}

// Set installs or replaces the entry for id.
func (t *LinkTable) Set(id core.LinkID, entry *LinkEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = entry
}

// Get returns the entry for id, or nil.
func (t *LinkTable) Get(id core.LinkID) *LinkEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[id]
}

// Delete removes the entry for id.
func (t *LinkTable) Delete(id core.LinkID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Validate marks id's entry validated and refreshes its timestamp, called
// once a matching LRPROOF is verified.
func (t *LinkTable) Validate(id core.LinkID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		e.Validated = true
		e.Timestamp = t.nowFn()
	}
}

// CullStale removes every entry for which Stale(now) is true, or whose
// referenced interfaces are no longer live per isLiveIf.
func (t *LinkTable) CullStale(isLiveIf func(ifaceID string) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFn()
	for id, e := range t.entries {
		if e.Stale(now) {
			delete(t.entries, id)
			continue
		}
		if isLiveIf != nil && (!isLiveIf(e.ReceivedIf) || !isLiveIf(e.NextHopIf)) {
			delete(t.entries, id)
		}
	}
}

// Len returns the number of link entries.
func (t *LinkTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// ForEach calls fn for every entry, holding the table lock. fn must not
// call back into the table.
func (t *LinkTable) ForEach(fn func(id core.LinkID, e *LinkEntry) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		if !fn(id, e) {
			return
		}
	}
}
