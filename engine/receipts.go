package engine

import (
	"time"

	"github.com/quillmesh/transport/core"
)

// ReceiptState mirrors a pending receipt's lifecycle.
type ReceiptState int

const (
	ReceiptSent ReceiptState = iota
	ReceiptDelivered
	ReceiptTimedOut
)

// Receipt is a pending proof-of-delivery for a locally originated DATA
// packet, created per §4.3 item 1's eligibility rule.
type Receipt struct {
	PacketHash core.PacketHash
	State      ReceiptState
	CreatedAt  time.Time

	// OnTimeout is invoked (if non-nil) when the receipt is forcibly
	// retired by FIFO overflow or maintenance timeout.
	OnTimeout func()
	// OnDelivered is invoked (if non-nil) once a matching proof resolves
	// the receipt.
	OnDelivered func()
}

// ReceiptFIFO is the bounded, insertion-ordered set of outstanding
// receipts described in §4.3 item 1 and §4.8: "pop oldest until <=
// MAX_RECEIPTS; invoke per-receipt timeout." It is a plain FIFO rather
// than a hash-indexed map because §9's "implicit proof scan" is specified
// as an O(n) walk over every outstanding receipt, preserved here rather
// than optimized away.
type ReceiptFIFO struct {
	capacity int
	nowFn    func() time.Time
	order    []*Receipt
}

// NewReceiptFIFO creates an empty receipt FIFO bounded at capacity.
func NewReceiptFIFO(capacity int, nowFn func() time.Time) *ReceiptFIFO {
	if capacity <= 0 {
		capacity = MaxReceipts
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &ReceiptFIFO{capacity: capacity, nowFn: nowFn}
}

// Track appends a new receipt, forcing out the oldest entries (invoking
// their OnTimeout) if the FIFO is now over capacity.
func (f *ReceiptFIFO) Track(r *Receipt) {
	r.CreatedAt = f.nowFn()
	r.State = ReceiptSent
	f.order = append(f.order, r)
	f.evictOverCapacity()
}

func (f *ReceiptFIFO) evictOverCapacity() {
	for len(f.order) > f.capacity {
		oldest := f.order[0]
		f.order = f.order[1:]
		oldest.State = ReceiptTimedOut
		if oldest.OnTimeout != nil {
			oldest.OnTimeout()
		}
	}
}

// ResolveExplicit matches a proof that carries an explicit packet hash:
// it compares and validates only on equality, removing the matched
// receipt. Returns true if a match was found and resolved.
func (f *ReceiptFIFO) ResolveExplicit(hash core.PacketHash) bool {
	for i, r := range f.order {
		if r.PacketHash == hash {
			f.removeAt(i)
			r.State = ReceiptDelivered
			if r.OnDelivered != nil {
				r.OnDelivered()
			}
			return true
		}
	}
	return false
}

// ResolveImplicit attempts implicit validation against every outstanding
// receipt via matches(candidate): an O(n) fallback, preserved exactly per
// the "implicit proof scan" design note rather than indexed away.
func (f *ReceiptFIFO) ResolveImplicit(matches func(r *Receipt) bool) bool {
	for i, r := range f.order {
		if matches(r) {
			f.removeAt(i)
			r.State = ReceiptDelivered
			if r.OnDelivered != nil {
				r.OnDelivered()
			}
			return true
		}
	}
	return false
}

func (f *ReceiptFIFO) removeAt(i int) {
	f.order = append(f.order[:i], f.order[i+1:]...)
}

// CheckTimeouts is called from the maintenance loop (§4.8 "pop oldest
// until <= MAX_RECEIPTS; invoke per-receipt timeout; drop any not in SENT
// state") to enforce the capacity bound and drop non-SENT entries left
// over from a resolved-but-not-yet-removed state.
func (f *ReceiptFIFO) CheckTimeouts() {
	f.evictOverCapacity()

	kept := f.order[:0]
	for _, r := range f.order {
		if r.State != ReceiptSent {
			continue
		}
		kept = append(kept, r)
	}
	f.order = kept
}

// Len returns the number of outstanding receipts.
func (f *ReceiptFIFO) Len() int {
	return len(f.order)
}
