package tables

import (
	"sync"
	"time"

	"github.com/quillmesh/transport/core"
)

// Path-request timing and tag-ring sizing constants (§6).
const (
	PathRequestTimeout = 15 * time.Second
	PathRequestGrace   = 400 * time.Millisecond
	PathRequestRG      = 1500 * time.Millisecond
	PathRequestMI      = 20 * time.Second
	MaxPathRequestTags = 32_000
)

// DiscoveryPathRequests tracks destinations this instance is actively
// trying to discover a path for, keyed by destination hash, so a matching
// announce can immediately answer the pending requester.
type DiscoveryPathRequests struct {
	mu      sync.Mutex
	entries map[core.DestHash]time.Time
	nowFn   func() time.Time
}

// NewDiscoveryPathRequests creates an empty pending-discovery table.
func NewDiscoveryPathRequests(nowFn func() time.Time) *DiscoveryPathRequests {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &DiscoveryPathRequests{entries: make(map[core.DestHash]time.Time), nowFn: nowFn}
}

// Set records a pending discovery for dst, timing out PathRequestTimeout
// from now.
func (t *DiscoveryPathRequests) Set(dst core.DestHash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[dst] = t.nowFn().Add(PathRequestTimeout)
}

// Has reports whether dst has a pending discovery request.
func (t *DiscoveryPathRequests) Has(dst core.DestHash) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[dst]
	return ok
}

// Delete removes dst's pending discovery, called once it is answered.
func (t *DiscoveryPathRequests) Delete(dst core.DestHash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, dst)
}

// CullExpired removes every entry past its timeout and returns the
// destinations removed, so callers can also drop companion bookkeeping
// (the requester interface/tag the engine tracks alongside each entry).
func (t *DiscoveryPathRequests) CullExpired() []core.DestHash {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.nowFn()
	var removed []core.DestHash
	for dst, deadline := range t.entries {
		if now.After(deadline) {
			removed = append(removed, dst)
			delete(t.entries, dst)
		}
	}
	return removed
}

// TagRing is a bounded FIFO of path-request unique tags (dst ∥ tag), used to
// deduplicate path-request forwarding. Insertion past capacity evicts the
// oldest tag.
type TagRing struct {
	mu       sync.Mutex
	order    []core.DestHash
	present  map[core.DestHash]struct{}
	capacity int
}

// NewTagRing creates a tag ring with the given capacity.
func NewTagRing(capacity int) *TagRing {
	if capacity <= 0 {
		capacity = MaxPathRequestTags
	}
	return &TagRing{present: make(map[core.DestHash]struct{}, capacity), capacity: capacity}
}

// CheckAndAdd reports whether tag has already been seen, and if not, records
// it and evicts the oldest entry if the ring is now over capacity.
func (r *TagRing) CheckAndAdd(tag core.DestHash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.present[tag]; ok {
		return true
	}

	r.order = append(r.order, tag)
	r.present[tag] = struct{}{}
	if len(r.order) > r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.present, oldest)
	}
	return false
}

// Trim enforces the ring's capacity without inserting; maintenance calls it
// on every tick.
func (r *TagRing) Trim() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.order) > r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.present, oldest)
	}
}

// Len returns the number of tracked tags.
func (r *TagRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
