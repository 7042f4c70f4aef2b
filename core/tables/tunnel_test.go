package tables

import (
	"testing"
	"time"

	"github.com/quillmesh/transport/core"
)

func TestTunnelTableGetOrCreate(t *testing.T) {
	now := time.Unix(1000, 0)
	tt := NewTunnelTable(func() time.Time { return now })
	id := destHash(1)

	e, created := tt.GetOrCreate(id)
	if !created {
		t.Fatal("GetOrCreate() created = false on first call")
	}
	if e.Paths == nil {
		t.Error("GetOrCreate() did not initialize Paths")
	}
	if !e.Expires.Equal(now.Add(TunnelExpiry)) {
		t.Errorf("Expires = %v, want %v", e.Expires, now.Add(TunnelExpiry))
	}

	_, created2 := tt.GetOrCreate(id)
	if created2 {
		t.Error("GetOrCreate() created = true on second call for the same id")
	}
}

func TestTunnelTableRebindAndDetach(t *testing.T) {
	now := time.Unix(1000, 0)
	tt := NewTunnelTable(func() time.Time { return now })
	id := destHash(1)
	tt.GetOrCreate(id)

	tt.Rebind(id, "IF4")
	if tt.Get(id).InterfaceID != "IF4" {
		t.Errorf("InterfaceID = %q, want IF4", tt.Get(id).InterfaceID)
	}

	tt.DetachInterface("IF4")
	if tt.Get(id).InterfaceID != "" {
		t.Error("DetachInterface() did not clear InterfaceID")
	}
	if tt.Get(id).Paths == nil {
		t.Error("DetachInterface() must not discard stored paths")
	}
}

func TestTunnelTableCullExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	tt := NewTunnelTable(func() time.Time { return now })

	tt.entries = map[core.DestHash]*TunnelEntry{
		destHash(1): {Expires: now.Add(-time.Second)},
		destHash(2): {Expires: now.Add(time.Hour)},
	}

	tt.CullExpired()
	if tt.Get(destHash(1)) != nil {
		t.Error("expired tunnel entry survived CullExpired()")
	}
	if tt.Get(destHash(2)) == nil {
		t.Error("live tunnel entry was culled")
	}
}
