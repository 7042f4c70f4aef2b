package tables

import (
	"testing"
	"time"

	"github.com/quillmesh/transport/core"
)

func linkID(b byte) core.LinkID {
	var l core.LinkID
	l[0] = b
	return l
}

func TestLinkTableSetValidateDelete(t *testing.T) {
	now := time.Unix(1000, 0)
	lt := NewLinkTable(func() time.Time { return now })
	id := linkID(1)

	lt.Set(id, &LinkEntry{Timestamp: now, ProofTimeout: now.Add(time.Minute)})
	if lt.Get(id).Validated {
		t.Error("entry validated before Validate()")
	}

	lt.Validate(id)
	if !lt.Get(id).Validated {
		t.Error("Validate() did not mark entry validated")
	}

	lt.Delete(id)
	if lt.Get(id) != nil {
		t.Error("entry still present after Delete()")
	}
}

func TestLinkEntryStale(t *testing.T) {
	now := time.Unix(1000, 0)

	unvalidated := &LinkEntry{ProofTimeout: now.Add(-time.Second)}
	if !unvalidated.Stale(now) {
		t.Error("unvalidated entry past its proof timeout should be stale")
	}

	validatedFresh := &LinkEntry{Validated: true, Timestamp: now}
	if validatedFresh.Stale(now) {
		t.Error("freshly validated entry should not be stale")
	}

	validatedOld := &LinkEntry{Validated: true, Timestamp: now.Add(-LinkTimeout - time.Second)}
	if !validatedOld.Stale(now) {
		t.Error("validated entry past LinkTimeout should be stale")
	}
}

func TestLinkTableCullStale(t *testing.T) {
	now := time.Unix(1000, 0)
	lt := NewLinkTable(func() time.Time { return now })

	stale := linkID(1)
	live := linkID(2)
	deadIface := linkID(3)

	lt.Set(stale, &LinkEntry{ProofTimeout: now.Add(-time.Second)})
	lt.Set(live, &LinkEntry{Validated: true, Timestamp: now, ReceivedIf: "IF1", NextHopIf: "IF2"})
	lt.Set(deadIface, &LinkEntry{Validated: true, Timestamp: now, ReceivedIf: "GONE", NextHopIf: "IF2"})

	isLive := func(ifaceID string) bool { return ifaceID != "GONE" }
	lt.CullStale(isLive)

	if lt.Get(stale) != nil {
		t.Error("stale entry survived CullStale()")
	}
	if lt.Get(live) == nil {
		t.Error("live entry was culled")
	}
	if lt.Get(deadIface) != nil {
		t.Error("entry referencing a dead interface survived CullStale()")
	}
}
