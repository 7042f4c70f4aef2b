package tables

import (
	"sync"
	"time"

	"github.com/quillmesh/transport/core"
	"github.com/quillmesh/transport/core/codec"
)

// Announce retry/rebroadcast constants (§4.5, §6).
const (
	PathfinderM          = 128 // max hops before an announce is ignored for table purposes
	PathfinderR          = 1   // max retries
	PathfinderG          = 5 * time.Second
	PathfinderRW         = 500 * time.Millisecond
	LocalRebroadcastsMax = 2
)

// AnnounceEntry is a pending rebroadcast schedule for a destination's most
// recently admitted announce.
type AnnounceEntry struct {
	Timestamp         time.Time
	RetransmitAt      time.Time
	Retries           int
	ReceivedFrom      core.TransportID
	Hops              uint8
	Packet            *codec.Packet
	LocalRebroadcasts int
	BlockRebroadcasts bool
	AttachedInterface string
}

// AnnounceTable holds live pending-rebroadcast entries, plus a parking area
// (held_announces) for entries temporarily displaced by an in-flight path
// response. Per the data-model invariant, a destination is never present in
// both maps for the same announce generation: Hold moves, it never copies.
type AnnounceTable struct {
	mu    sync.Mutex
	live  map[core.DestHash]*AnnounceEntry
	held  map[core.DestHash]*AnnounceEntry
	nowFn func() time.Time
}

// NewAnnounceTable creates an empty announce table.
func NewAnnounceTable(nowFn func() time.Time) *AnnounceTable {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &AnnounceTable{
		live:  make(map[core.DestHash]*AnnounceEntry),
		held:  make(map[core.DestHash]*AnnounceEntry),
		nowFn: nowFn,
	}
}

// Set installs or replaces the live entry for dst.
func (t *AnnounceTable) Set(dst core.DestHash, entry *AnnounceEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live[dst] = entry
}

// Get returns the live entry for dst, or nil.
func (t *AnnounceTable) Get(dst core.DestHash) *AnnounceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live[dst]
}

// Delete removes the live entry for dst.
func (t *AnnounceTable) Delete(dst core.DestHash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.live, dst)
}

// Hold moves dst's live entry into the held set, for the duration of an
// in-flight path-request response. Returns false if there was no live
// entry to move.
func (t *AnnounceTable) Hold(dst core.DestHash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.live[dst]
	if !ok {
		return false
	}
	delete(t.live, dst)
	t.held[dst] = e
	return true
}

// Release moves dst's held entry back to live, called on the next
// retransmit tick after a held announce's response window closes.
func (t *AnnounceTable) Release(dst core.DestHash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.held[dst]
	if !ok {
		return false
	}
	delete(t.held, dst)
	t.live[dst] = e
	return true
}

// ForEachLive calls fn for every live entry, holding the table lock. Return
// false from fn to stop early. fn must not call back into the table.
func (t *AnnounceTable) ForEachLive(fn func(dst core.DestHash, e *AnnounceEntry) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for dst, e := range t.live {
		if !fn(dst, e) {
			return
		}
	}
}

// ReleaseAll moves every held entry back to live, called once per
// maintenance tick so an entry parked during a path-request response
// window (§4.6) is "reinserted on the next retransmit tick" (§4.5 item 8).
func (t *AnnounceTable) ReleaseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for dst, e := range t.held {
		t.live[dst] = e
		delete(t.held, dst)
	}
}

// LiveLen and HeldLen report table sizes, mainly for tests and metrics.
func (t *AnnounceTable) LiveLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

func (t *AnnounceTable) HeldLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}
