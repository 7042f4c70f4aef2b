package tables

import (
	"testing"
	"time"
)

func TestReverseTableSetConsume(t *testing.T) {
	rt := NewReverseTable(nil)
	key := destHash(1)

	rt.Set(key, "IF1", "IF2")
	if e := rt.Get(key); e == nil || e.ReceivedIf != "IF1" || e.OutboundIf != "IF2" {
		t.Fatalf("Get() = %+v, want ReceivedIf=IF1 OutboundIf=IF2", e)
	}

	consumed := rt.Consume(key)
	if consumed == nil {
		t.Fatal("Consume() = nil, want the entry")
	}
	if rt.Get(key) != nil {
		t.Error("entry still present after Consume()")
	}
	if rt.Consume(key) != nil {
		t.Error("second Consume() returned a value")
	}
}

func TestReverseTableCullExpired(t *testing.T) {
	now := time.Unix(10000, 0)
	rt := NewReverseTable(func() time.Time { return now })

	stale := destHash(1)
	fresh := destHash(2)
	rt.entries[stale] = &ReverseEntry{Timestamp: now.Add(-ReverseTimeout - time.Second)}
	rt.entries[fresh] = &ReverseEntry{Timestamp: now}

	rt.CullExpired()
	if rt.Get(stale) != nil {
		t.Error("stale entry survived CullExpired()")
	}
	if rt.Get(fresh) == nil {
		t.Error("fresh entry was culled")
	}
}
