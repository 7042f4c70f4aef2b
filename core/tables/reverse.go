package tables

import (
	"sync"
	"time"

	"github.com/quillmesh/transport/core"
)

// ReverseTimeout is REVERSE_TIMEOUT: a reverse entry older than this is
// stale and culled.
const ReverseTimeout = 480 * time.Second

// ReverseEntry records which interface a forward packet arrived on, so a
// later proof flowing back over OutboundIf can be directed back out
// ReceivedIf.
type ReverseEntry struct {
	ReceivedIf string
	OutboundIf string
	Timestamp  time.Time
}

// ReverseTable is keyed by the truncated hash of the forward packet.
type ReverseTable struct {
	mu      sync.Mutex
	entries map[core.DestHash]*ReverseEntry
	nowFn   func() time.Time
}

// NewReverseTable creates an empty reverse table.
func NewReverseTable(nowFn func() time.Time) *ReverseTable {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &ReverseTable{entries: make(map[core.DestHash]*ReverseEntry), nowFn: nowFn}
}

// Set installs a reverse entry for truncHash, stamped with the current time.
func (t *ReverseTable) Set(truncHash core.DestHash, receivedIf, outboundIf string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[truncHash] = &ReverseEntry{
		ReceivedIf: receivedIf,
		OutboundIf: outboundIf,
		Timestamp:  t.nowFn(),
	}
}

// Get returns the reverse entry for truncHash without consuming it.
func (t *ReverseTable) Get(truncHash core.DestHash) *ReverseEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[truncHash]
}

// Consume returns and removes the reverse entry for truncHash. A proof is
// forwarded through a reverse entry exactly once (§8 round-trip law).
func (t *ReverseTable) Consume(truncHash core.DestHash) *ReverseEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[truncHash]
	if !ok {
		return nil
	}
	delete(t.entries, truncHash)
	return e
}

// CullExpired removes every entry older than ReverseTimeout.
func (t *ReverseTable) CullExpired() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.nowFn()
	for hash, e := range t.entries {
		if now.Sub(e.Timestamp) > ReverseTimeout {
			delete(t.entries, hash)
		}
	}
}

// Len returns the number of reverse entries.
func (t *ReverseTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
