// Package tables holds the transport core's routing state: the path,
// reverse, link, announce, tunnel, path-state, announce-rate, and
// path-request tables described in the data model. Each table follows the
// same shape as the teacher's contact manager — a mutex-guarded map, a
// nowFn test seam passed to its constructor, and narrow accessor methods — but
// nothing here talks to an interface or the wire directly; the engine
// package owns that.
package tables

import (
	"sync"
	"time"

	"github.com/quillmesh/transport/core"
)

// InterfaceMode mirrors the Interface contract's mode attribute (§6),
// consulted when computing path expiry and announce rebroadcast policy.
type InterfaceMode int

const (
	ModeFull InterfaceMode = iota
	ModeGateway
	ModeAccessPoint
	ModeRoaming
	ModeBoundary
)

// Path expiry durations by receiving-interface mode (data model invariant:
// destination_expiry - timestamp selected by receiving interface mode).
const (
	AccessPointPathTime = 24 * time.Hour
	RoamingPathTime      = 6 * time.Hour
	DefaultPathTime      = 7 * 24 * time.Hour // PATHFINDER_E
)

// MaxRandomBlobs is the in-memory cap on a path entry's random-blob
// history; PersistRandomBlobs is the smaller cap applied when snapshotting.
const (
	MaxRandomBlobs     = 64
	PersistRandomBlobs = 32
)

// PathEntry is a path-table row: the transport core's current best-known
// route to a destination hash.
type PathEntry struct {
	Timestamp           time.Time
	NextHop             core.TransportID
	Hops                uint8
	Expires             time.Time
	RandomBlobs         [][]byte
	ReceivingInterface  string
	AnnouncePacketHash  core.PacketHash
}

// ExpiryFor returns the path expiry duration for a receiving interface mode.
func ExpiryFor(mode InterfaceMode) time.Duration {
	switch mode {
	case ModeAccessPoint:
		return AccessPointPathTime
	case ModeRoaming:
		return RoamingPathTime
	default:
		return DefaultPathTime
	}
}

// AddRandomBlob appends blob if it isn't already present, then truncates the
// history to the most recent MaxRandomBlobs entries. It reports whether the
// blob was new (false means this announce is a replay).
func (e *PathEntry) AddRandomBlob(blob []byte) bool {
	for _, b := range e.RandomBlobs {
		if bytesEqual(b, blob) {
			return false
		}
	}
	e.RandomBlobs = append(e.RandomBlobs, blob)
	if len(e.RandomBlobs) > MaxRandomBlobs {
		e.RandomBlobs = e.RandomBlobs[len(e.RandomBlobs)-MaxRandomBlobs:]
	}
	return true
}

// Timebase returns the maximum emission timebase across all stored random
// blobs' offsets, used as T in the §4.5 admission decision. Callers supply
// how to extract a timebase from a blob since that encoding lives in the
// announce engine, not here.
func (e *PathEntry) Timebase(timebaseOf func([]byte) uint64) uint64 {
	var max uint64
	for _, b := range e.RandomBlobs {
		if t := timebaseOf(b); t > max {
			max = t
		}
	}
	return max
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// PathTable is the mutex-guarded destination-hash -> PathEntry store.
type PathTable struct {
	mu      sync.RWMutex
	entries map[core.DestHash]*PathEntry
	nowFn   func() time.Time
}

// NewPathTable creates an empty path table. nowFn defaults to time.Now.
func NewPathTable(nowFn func() time.Time) *PathTable {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &PathTable{entries: make(map[core.DestHash]*PathEntry), nowFn: nowFn}
}

// Get returns the path entry for dst, or nil if absent.
func (t *PathTable) Get(dst core.DestHash) *PathEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[dst]
}

// Has reports whether dst has a path entry.
func (t *PathTable) Has(dst core.DestHash) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[dst]
	return ok
}

// Set installs or replaces the path entry for dst.
func (t *PathTable) Set(dst core.DestHash, entry *PathEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[dst] = entry
}

// Delete removes the path entry for dst, if any.
func (t *PathTable) Delete(dst core.DestHash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, dst)
}

// RefreshTimestamp bumps the timestamp of an existing entry to now, used
// when a known path is exercised for outbound delivery (S1/S2).
func (t *PathTable) RefreshTimestamp(dst core.DestHash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[dst]; ok {
		e.Timestamp = t.nowFn()
	}
}

// CullExpired removes every entry whose Expires deadline has passed and
// returns the destinations removed, so callers can also drop orphaned
// path-state entries.
func (t *PathTable) CullExpired() []core.DestHash {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFn()
	var removed []core.DestHash
	for dst, e := range t.entries {
		if now.After(e.Expires) {
			removed = append(removed, dst)
			delete(t.entries, dst)
		}
	}
	return removed
}

// Len returns the number of path entries.
func (t *PathTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// ForEach calls fn for every entry, holding a read lock for the duration.
// Return false from fn to stop early.
func (t *PathTable) ForEach(fn func(dst core.DestHash, e *PathEntry) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for dst, e := range t.entries {
		if !fn(dst, e) {
			return
		}
	}
}
