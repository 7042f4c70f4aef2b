package tables

import (
	"testing"

	"github.com/quillmesh/transport/core"
)

func TestAnnounceTableHoldRelease(t *testing.T) {
	at := NewAnnounceTable(nil)
	dst := destHash(1)

	if at.Hold(dst) {
		t.Fatal("Hold() = true with no live entry")
	}

	at.Set(dst, &AnnounceEntry{Retries: 2})
	if at.LiveLen() != 1 {
		t.Fatalf("LiveLen() = %d, want 1", at.LiveLen())
	}

	if !at.Hold(dst) {
		t.Fatal("Hold() = false with a live entry present")
	}
	if at.LiveLen() != 0 || at.HeldLen() != 1 {
		t.Errorf("after Hold(): live=%d held=%d, want 0/1", at.LiveLen(), at.HeldLen())
	}
	if at.Get(dst) != nil {
		t.Error("Get() found a held entry; held entries must not double as live")
	}

	if !at.Release(dst) {
		t.Fatal("Release() = false with a held entry present")
	}
	if at.LiveLen() != 1 || at.HeldLen() != 0 {
		t.Errorf("after Release(): live=%d held=%d, want 1/0", at.LiveLen(), at.HeldLen())
	}
	if at.Get(dst).Retries != 2 {
		t.Error("Release() did not preserve the entry's fields")
	}
}

func TestAnnounceTableForEachLive(t *testing.T) {
	at := NewAnnounceTable(nil)
	at.Set(destHash(1), &AnnounceEntry{})
	at.Set(destHash(2), &AnnounceEntry{})
	at.Hold(destHash(2))

	count := 0
	at.ForEachLive(func(dst core.DestHash, e *AnnounceEntry) bool {
		count++
		return true
	})
	if count != 1 {
		t.Errorf("ForEachLive visited %d entries, want 1 (held entries excluded)", count)
	}
}
