package tables

import (
	"sync"

	"github.com/quillmesh/transport/core"
)

// PathState is the responsiveness classification tracked alongside a path
// table entry, consulted by the §4.5 admission decision.
type PathState int

const (
	PathUnknown PathState = iota
	PathResponsive
	PathUnresponsive
)

// PathStateTable is keyed by destination hash and must, per the data-model
// invariant, only ever contain keys also present in the path table; orphan
// entries are culled alongside path-table expiry.
type PathStateTable struct {
	mu     sync.Mutex
	states map[core.DestHash]PathState
}

// NewPathStateTable creates an empty path-state table.
func NewPathStateTable() *PathStateTable {
	return &PathStateTable{states: make(map[core.DestHash]PathState)}
}

// Get returns dst's state, defaulting to PathUnknown.
func (t *PathStateTable) Get(dst core.DestHash) PathState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[dst]
}

// Set records dst's state.
func (t *PathStateTable) Set(dst core.DestHash, state PathState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[dst] = state
}

// Delete removes dst's state entry.
func (t *PathStateTable) Delete(dst core.DestHash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, dst)
}

// CullOrphans removes every state entry whose destination is not in live,
// enforcing the table's invariant against the current path table keys.
func (t *PathStateTable) CullOrphans(live func(core.DestHash) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for dst := range t.states {
		if !live(dst) {
			delete(t.states, dst)
		}
	}
}
