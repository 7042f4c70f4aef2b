// Package dedupe implements packet-hash duplicate suppression: a rolling
// two-generation set of full packet hashes. It approximates a sliding
// window without per-entry timestamps — once the current generation grows
// past half the configured ceiling, it becomes the previous generation and
// a fresh current generation is installed. A hash already present in
// either generation is a duplicate; a hash seen for the first time is
// admitted and recorded in the current generation.
package dedupe

import (
	"sync"

	"github.com/quillmesh/transport/core"
)

// DefaultMaxSize is hashlist_maxsize: the combined ceiling across both
// generations. Rotation happens once the current generation exceeds half
// of this.
const DefaultMaxSize = 1_000_000

// Hashlist is a rolling two-generation set of packet hashes, safe for
// concurrent use.
type Hashlist struct {
	mu       sync.Mutex
	maxSize  int
	current  map[core.PacketHash]struct{}
	previous map[core.PacketHash]struct{}
}

// New creates a Hashlist with DefaultMaxSize.
func New() *Hashlist {
	return NewWithMaxSize(DefaultMaxSize)
}

// NewWithMaxSize creates a Hashlist with a custom ceiling, primarily for
// tests that need to exercise rotation without inserting a million hashes.
func NewWithMaxSize(maxSize int) *Hashlist {
	return &Hashlist{
		maxSize:  maxSize,
		current:  make(map[core.PacketHash]struct{}),
		previous: make(map[core.PacketHash]struct{}),
	}
}

// Seen reports whether hash is present in either generation, without
// recording it.
func (h *Hashlist) Seen(hash core.PacketHash) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.contains(hash)
}

// CheckAndAdd is the packet_filter entry point: it reports whether hash has
// already been admitted (in current or previous), and if not, records it in
// the current generation and returns false.
func (h *Hashlist) CheckAndAdd(hash core.PacketHash) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.contains(hash) {
		return true
	}
	h.insert(hash)
	return false
}

// Add unconditionally records hash in the current generation, for packets
// admitted through a path that doesn't go through CheckAndAdd (e.g. a
// locally originated packet that should not be re-processed if it loops
// back).
func (h *Hashlist) Add(hash core.PacketHash) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.insert(hash)
}

func (h *Hashlist) contains(hash core.PacketHash) bool {
	if _, ok := h.current[hash]; ok {
		return true
	}
	_, ok := h.previous[hash]
	return ok
}

func (h *Hashlist) insert(hash core.PacketHash) {
	h.current[hash] = struct{}{}
	if len(h.current) > h.maxSize/2 {
		h.previous = h.current
		h.current = make(map[core.PacketHash]struct{})
	}
}

// Clear forgets every recorded hash in both generations.
func (h *Hashlist) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = make(map[core.PacketHash]struct{})
	h.previous = make(map[core.PacketHash]struct{})
}

// Snapshot returns the current generation's hashes, the only generation
// persisted (§4.9): the previous generation is allowed to be lost across a
// restart since it only ever shortens the duplicate window, never widens
// false-duplicate rejection.
func (h *Hashlist) Snapshot() []core.PacketHash {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]core.PacketHash, 0, len(h.current))
	for hash := range h.current {
		out = append(out, hash)
	}
	return out
}

// Restore replaces the current generation with hashes loaded from a
// snapshot. The previous generation is left empty.
func (h *Hashlist) Restore(hashes []core.PacketHash) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.current = make(map[core.PacketHash]struct{}, len(hashes))
	h.previous = make(map[core.PacketHash]struct{})
	for _, hash := range hashes {
		h.current[hash] = struct{}{}
	}
}

// Len returns the number of hashes recorded across both generations.
func (h *Hashlist) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.current) + len(h.previous)
}
