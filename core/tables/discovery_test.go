package tables

import (
	"testing"
	"time"
)

func TestDiscoveryPathRequestsSetHasDelete(t *testing.T) {
	now := time.Unix(1000, 0)
	d := NewDiscoveryPathRequests(func() time.Time { return now })
	dst := destHash(1)

	if d.Has(dst) {
		t.Fatal("Has() = true before Set()")
	}
	d.Set(dst)
	if !d.Has(dst) {
		t.Error("Has() = false after Set()")
	}
	d.Delete(dst)
	if d.Has(dst) {
		t.Error("Has() = true after Delete()")
	}
}

func TestDiscoveryPathRequestsCullExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	d := NewDiscoveryPathRequests(func() time.Time { return now })
	dst := destHash(1)
	d.Set(dst)

	now = now.Add(PathRequestTimeout + time.Second)
	d.CullExpired()
	if d.Has(dst) {
		t.Error("expired discovery request survived CullExpired()")
	}
}

func TestTagRingDedup(t *testing.T) {
	r := NewTagRing(10)
	tag := destHash(1)

	if r.CheckAndAdd(tag) {
		t.Error("CheckAndAdd() = true for a new tag")
	}
	if !r.CheckAndAdd(tag) {
		t.Error("CheckAndAdd() = false for a repeated tag")
	}
}

func TestTagRingEvictsOldest(t *testing.T) {
	r := NewTagRing(2)
	r.CheckAndAdd(destHash(1))
	r.CheckAndAdd(destHash(2))
	r.CheckAndAdd(destHash(3)) // evicts destHash(1)

	if r.CheckAndAdd(destHash(1)) {
		t.Error("evicted tag should be reported as new")
	}
	if !r.CheckAndAdd(destHash(3)) {
		t.Error("recently added tag should still be reported as duplicate")
	}
}

func TestTagRingLen(t *testing.T) {
	r := NewTagRing(5)
	r.CheckAndAdd(destHash(1))
	r.CheckAndAdd(destHash(2))
	if got := r.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}
