package persist

import (
	"testing"
	"time"

	"github.com/quillmesh/transport/core"
	"github.com/quillmesh/transport/core/tables"
)

func hash32(b byte) core.PacketHash {
	var h core.PacketHash
	h[0] = b
	return h
}

func hash16(b byte) core.DestHash {
	var d core.DestHash
	d[0] = b
	return d
}

func TestHashlistRoundTrip(t *testing.T) {
	want := []core.PacketHash{hash32(1), hash32(2), hash32(3)}

	data, err := MarshalHashlist(want)
	if err != nil {
		t.Fatalf("MarshalHashlist() error = %v", err)
	}

	got, err := UnmarshalHashlist(data)
	if err != nil {
		t.Fatalf("UnmarshalHashlist() error = %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPathTableRoundTrip(t *testing.T) {
	now := time.Unix(100000, 0)
	pt := tables.NewPathTable(func() time.Time { return now })
	dst := hash16(1)
	pt.Set(dst, &tables.PathEntry{
		Timestamp:          now,
		NextHop:            core.TransportID(hash16(2)),
		Hops:               3,
		Expires:            now.Add(tables.DefaultPathTime),
		RandomBlobs:        [][]byte{{1, 2, 3}},
		ReceivingInterface: "IF1",
		AnnouncePacketHash: hash32(9),
	})

	data, err := MarshalPathTable(pt)
	if err != nil {
		t.Fatalf("MarshalPathTable() error = %v", err)
	}

	resolveIface := func(h string) bool { return h == "IF1" }
	hasAnnounce := func(core.PacketHash) bool { return true }

	loaded, warnings, err := UnmarshalPathTable(data, resolveIface, hasAnnounce)
	if err != nil {
		t.Fatalf("UnmarshalPathTable() error = %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}

	e, ok := loaded[dst]
	if !ok {
		t.Fatal("loaded path table missing destination")
	}
	if e.Hops != 3 {
		t.Errorf("Hops = %d, want 3", e.Hops)
	}
	if e.ReceivingInterface != "IF1" {
		t.Errorf("ReceivingInterface = %q, want IF1", e.ReceivingInterface)
	}
}

func TestPathTableLoadSkipsUnknownInterface(t *testing.T) {
	pt := tables.NewPathTable(nil)
	dst := hash16(1)
	pt.Set(dst, &tables.PathEntry{ReceivingInterface: "GONE"})

	data, err := MarshalPathTable(pt)
	if err != nil {
		t.Fatalf("MarshalPathTable() error = %v", err)
	}

	resolveIface := func(string) bool { return false }
	loaded, warnings, err := UnmarshalPathTable(data, resolveIface, nil)
	if err != nil {
		t.Fatalf("UnmarshalPathTable() error = %v", err)
	}
	if len(loaded) != 0 {
		t.Error("entry with unresolvable interface should be skipped")
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one", warnings)
	}
}

func TestPathTableLoadSkipsMissingAnnounce(t *testing.T) {
	pt := tables.NewPathTable(nil)
	pt.Set(hash16(1), &tables.PathEntry{ReceivingInterface: "IF1"})

	data, err := MarshalPathTable(pt)
	if err != nil {
		t.Fatalf("MarshalPathTable() error = %v", err)
	}

	loaded, warnings, err := UnmarshalPathTable(data, func(string) bool { return true }, func(core.PacketHash) bool { return false })
	if err != nil {
		t.Fatalf("UnmarshalPathTable() error = %v", err)
	}
	if len(loaded) != 0 {
		t.Error("entry with missing cached announce should be skipped")
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one", warnings)
	}
}

func TestTunnelsRoundTrip(t *testing.T) {
	now := time.Unix(100000, 0)
	tt := tables.NewTunnelTable(func() time.Time { return now })
	id := hash16(5)
	e, _ := tt.GetOrCreate(id)
	e.InterfaceID = "local-if-1"
	e.Paths[hash16(1)] = &tables.PathEntry{Hops: 2, Timestamp: now, Expires: now.Add(time.Hour)}

	ifaceHashOf := func(ifaceID string) string {
		if ifaceID == "local-if-1" {
			return "hash-of-if-1"
		}
		return ""
	}
	data, err := MarshalTunnels(tt, ifaceHashOf)
	if err != nil {
		t.Fatalf("MarshalTunnels() error = %v", err)
	}

	resolveIfaceID := func(ifaceHash string) string {
		if ifaceHash == "hash-of-if-1" {
			return "local-if-1"
		}
		return ""
	}
	loaded, err := UnmarshalTunnels(data, resolveIfaceID)
	if err != nil {
		t.Fatalf("UnmarshalTunnels() error = %v", err)
	}

	got, ok := loaded[id]
	if !ok {
		t.Fatal("loaded tunnels missing expected tunnel ID")
	}
	if got.InterfaceID != "local-if-1" {
		t.Errorf("InterfaceID = %q, want local-if-1", got.InterfaceID)
	}
	if len(got.Paths) != 1 {
		t.Fatalf("len(Paths) = %d, want 1", len(got.Paths))
	}
}

func TestTunnelsRoundTripUnresolvedInterfaceStaysLatent(t *testing.T) {
	tt := tables.NewTunnelTable(nil)
	id := hash16(5)
	e, _ := tt.GetOrCreate(id)
	e.InterfaceID = "vanished-if"

	data, err := MarshalTunnels(tt, func(string) string { return "vanished-hash" })
	if err != nil {
		t.Fatalf("MarshalTunnels() error = %v", err)
	}

	loaded, err := UnmarshalTunnels(data, func(string) string { return "" })
	if err != nil {
		t.Fatalf("UnmarshalTunnels() error = %v", err)
	}
	if loaded[id].InterfaceID != "" {
		t.Error("tunnel with an unresolvable interface should load with an empty InterfaceID")
	}
}

func TestAnnounceCacheEntryRoundTrip(t *testing.T) {
	raw := []byte{0x01, 0x02, 0x03}
	data, err := MarshalAnnounceCacheEntry(raw, "IF2")
	if err != nil {
		t.Fatalf("MarshalAnnounceCacheEntry() error = %v", err)
	}

	gotRaw, gotIface, err := UnmarshalAnnounceCacheEntry(data)
	if err != nil {
		t.Fatalf("UnmarshalAnnounceCacheEntry() error = %v", err)
	}
	if string(gotRaw) != string(raw) {
		t.Errorf("raw = %x, want %x", gotRaw, raw)
	}
	if gotIface != "IF2" {
		t.Errorf("iface = %q, want IF2", gotIface)
	}
}
