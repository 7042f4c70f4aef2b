package tables

import (
	"sync"
	"time"

	"github.com/quillmesh/transport/core"
)

// TunnelExpiry is how long a tunnel entry (and its latent paths) survives
// without its bound interface reappearing.
const TunnelExpiry = 7 * 24 * time.Hour

// TunnelEntry binds a tunnel ID (derived from a remote public key and
// interface hash) to the interface it last synthesized over, plus the set
// of paths that were live through it. InterfaceID is emptied, not deleted,
// when the bound interface disappears, so the paths remain latent until the
// endpoint reappears (§4.7).
type TunnelEntry struct {
	InterfaceID string
	Paths       map[core.DestHash]*PathEntry
	Expires     time.Time
}

// TunnelTable is keyed by tunnel ID.
type TunnelTable struct {
	mu      sync.Mutex
	entries map[core.DestHash]*TunnelEntry
	nowFn   func() time.Time
}

// NewTunnelTable creates an empty tunnel table.
func NewTunnelTable(nowFn func() time.Time) *TunnelTable {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &TunnelTable{entries: make(map[core.DestHash]*TunnelEntry), nowFn: nowFn}
}

// GetOrCreate returns the tunnel entry for id, creating one with a fresh
// TunnelExpiry if absent.
func (t *TunnelTable) GetOrCreate(id core.DestHash) (*TunnelEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if ok {
		return e, false
	}
	e = &TunnelEntry{Paths: make(map[core.DestHash]*PathEntry), Expires: t.nowFn().Add(TunnelExpiry)}
	t.entries[id] = e
	return e, true
}

// Get returns the tunnel entry for id, or nil.
func (t *TunnelTable) Get(id core.DestHash) *TunnelEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[id]
}

// Rebind refreshes id's bound interface and expiry, used when the tunnel's
// endpoint reappears.
func (t *TunnelTable) Rebind(id core.DestHash, ifaceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		e.InterfaceID = ifaceID
		e.Expires = t.nowFn().Add(TunnelExpiry)
	}
}

// DetachInterface clears the bound interface for every tunnel entry that
// references ifaceID, without discarding their stored paths.
func (t *TunnelTable) DetachInterface(ifaceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.InterfaceID == ifaceID {
			e.InterfaceID = ""
		}
	}
}

// CullExpired removes every tunnel entry past its Expires deadline.
func (t *TunnelTable) CullExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.nowFn()
	for id, e := range t.entries {
		if now.After(e.Expires) {
			delete(t.entries, id)
		}
	}
}

// Restore adds entries loaded from a snapshot (§4.9) to the table. It
// merges rather than clearing first: a tunnel ID already present is kept
// as it is and its snapshotted entry is ignored, so a tunnel that
// reappeared on an interface before the snapshot finished loading isn't
// discarded.
func (t *TunnelTable) Restore(entries map[core.DestHash]*TunnelEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range entries {
		if _, ok := t.entries[id]; !ok {
			t.entries[id] = e
		}
	}
}

// Len returns the number of tunnel entries.
func (t *TunnelTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Snapshot returns a shallow copy of the tunnel ID -> entry map, for
// serialization by core/persist.
func (t *TunnelTable) Snapshot() map[core.DestHash]*TunnelEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[core.DestHash]*TunnelEntry, len(t.entries))
	for id, e := range t.entries {
		out[id] = e
	}
	return out
}
