package engine

import (
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/quillmesh/transport/core"
	"github.com/quillmesh/transport/core/codec"
	"github.com/quillmesh/transport/core/identity"
	"github.com/quillmesh/transport/core/tables"
	"github.com/quillmesh/transport/transport"
)

// testPathEntry builds a path-table entry for tests with a generous,
// non-expired deadline; individual tests only care about Hops/NextHop/
// ReceivingInterface.
func testPathEntry(hops uint8, nextHop core.TransportID, recvIf string) *tables.PathEntry {
	return &tables.PathEntry{
		Timestamp:          time.Now(),
		NextHop:            nextHop,
		Hops:               hops,
		Expires:            time.Now().Add(time.Hour),
		ReceivingInterface: recvIf,
	}
}

// recordingInterface is a minimal transport.Interface for exercising the
// engine's dispatch paths without a real driver, in the style of the
// teacher's mockTransport (device/router/router_test.go): it records every
// packet handed to ProcessOutgoing and otherwise behaves like a plain
// FULL-mode, OUT-capable interface.
type recordingInterface struct {
	*transport.BaseInterface
	mu   sync.Mutex
	sent []*codec.Packet
	hash core.DestHash
}

func newRecordingInterface(name string, hashByte byte) *recordingInterface {
	var h core.DestHash
	h[0] = hashByte
	return &recordingInterface{
		BaseInterface: transport.NewBaseInterface(transport.Config{Name: name, Out: true, Mode: transport.ModeFull}),
		hash:          h,
	}
}

func (r *recordingInterface) ProcessOutgoing(raw []byte) error {
	pkt, err := codec.Unpack(raw)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.sent = append(r.sent, pkt)
	r.mu.Unlock()
	return nil
}

func (r *recordingInterface) GetHash() core.DestHash { return r.hash }

func (r *recordingInterface) sentPackets() []*codec.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*codec.Packet, len(r.sent))
	copy(out, r.sent)
	return out
}

func destHashN(b byte) core.DestHash {
	var d core.DestHash
	d[0] = b
	return d
}

func transportIDN(b byte) core.TransportID {
	var t core.TransportID
	t[0] = b
	return t
}

func newTestEngine(t *testing.T) (*Engine, *identity.KeyPair) {
	t.Helper()
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	e, err := New(Config{
		Identity:                    kp,
		TransportEnabled:            true,
		PathRequestDestination:      destHashN(0xF0),
		TunnelSynthesizeDestination: destHashN(0xF1),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, kp
}

func dataPacket(dst core.DestHash) *codec.Packet {
	return &codec.Packet{
		HeaderType:  codec.Header1,
		PacketType:  codec.Data,
		DestType:    codec.Single,
		Destination: dst,
		Data:        []byte("payload"),
	}
}

// S1 — Direct delivery, no transport header.
func TestSendKnownPathSingleHop(t *testing.T) {
	e, _ := newTestEngine(t)
	if1 := newRecordingInterface("if1", 1)
	if err := e.RegisterInterface(if1); err != nil {
		t.Fatalf("RegisterInterface: %v", err)
	}

	dst := destHashN(0xAA)
	e.Paths.Set(dst, testPathEntry(1, transportIDN(0xBB), "if1"))

	pkt := dataPacket(dst)
	if err := e.Send(pkt, SendOptions{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	sent := if1.sentPackets()
	if len(sent) != 1 {
		t.Fatalf("if1 got %d packets, want 1", len(sent))
	}
	got := sent[0]
	if got.HeaderType != codec.Header1 {
		t.Errorf("HeaderType = %v, want Header1 (single-hop path stays untouched)", got.HeaderType)
	}
	if string(got.Data) != "payload" {
		t.Errorf("Data = %q, want %q", got.Data, "payload")
	}
	if !e.Paths.Get(dst).Timestamp.After(time.Time{}) {
		t.Error("path timestamp was not refreshed")
	}
}

// S2 — Known multi-hop path inserts a transport header.
func TestSendKnownPathMultiHopInsertsHeader(t *testing.T) {
	e, _ := newTestEngine(t)
	if1 := newRecordingInterface("if1", 1)
	if err := e.RegisterInterface(if1); err != nil {
		t.Fatalf("RegisterInterface: %v", err)
	}

	dst := destHashN(0xAA)
	nextHop := transportIDN(0xBB)
	e.Paths.Set(dst, testPathEntry(3, nextHop, "if1"))

	pkt := dataPacket(dst)
	if err := e.Send(pkt, SendOptions{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	sent := if1.sentPackets()
	if len(sent) != 1 {
		t.Fatalf("if1 got %d packets, want 1", len(sent))
	}
	got := sent[0]
	if got.HeaderType != codec.Header2 {
		t.Fatalf("HeaderType = %v, want Header2", got.HeaderType)
	}
	if got.TransportType != codec.Transport {
		t.Errorf("TransportType = %v, want Transport", got.TransportType)
	}
	if got.NextHop != nextHop {
		t.Errorf("NextHop = %v, want %v", got.NextHop, nextHop)
	}
	if string(got.Data) != "payload" {
		t.Errorf("Data = %q, want unchanged payload", got.Data)
	}
}

// S4 — Duplicate suppression: the same valid DATA packet delivered twice
// over the same interface is only processed once.
func TestReceiveDuplicateSuppressed(t *testing.T) {
	e, _ := newTestEngine(t)
	recvIf := newRecordingInterface("if1", 1)
	if err := e.RegisterInterface(recvIf); err != nil {
		t.Fatalf("RegisterInterface: %v", err)
	}

	var delivered int
	e.cfg.IsLocalDestination = func(core.DestHash) bool { return true }
	e.cfg.DeliverData = func(*codec.Packet, transport.Interface) *codec.Packet {
		delivered++
		return nil
	}

	dst := destHashN(0xCC)
	pkt := dataPacket(dst)
	pkt.TransportType = codec.Broadcast

	e.Receive(pkt.Clone(), recvIf)
	e.Receive(pkt.Clone(), recvIf)

	if delivered != 1 {
		t.Errorf("delivered = %d, want 1 (second delivery should be a duplicate)", delivered)
	}
}

// packetFilter: PLAIN destination with hops>1 is dropped as a loop.
func TestPacketFilterDropsPlainLoop(t *testing.T) {
	e, _ := newTestEngine(t)
	pkt := &codec.Packet{
		PacketType:  codec.Data,
		DestType:    codec.Plain,
		Hops:        2,
		Destination: destHashN(1),
	}
	verdict, _ := e.packetFilter(pkt, false)
	if verdict != DroppedLoop {
		t.Errorf("verdict = %v, want DroppedLoop", verdict)
	}
}

// packetFilter: an ANNOUNCE to a GROUP destination is always dropped.
func TestPacketFilterDropsGroupAnnounce(t *testing.T) {
	e, _ := newTestEngine(t)
	pkt := &codec.Packet{
		PacketType:  codec.Announce,
		DestType:    codec.Group,
		Destination: destHashN(1),
	}
	verdict, _ := e.packetFilter(pkt, false)
	if verdict != DroppedPolicy {
		t.Errorf("verdict = %v, want DroppedPolicy", verdict)
	}
}

// packetFilter: link-protocol contexts are always admitted, bypassing the
// hop/dest-type checks that would otherwise drop them.
func TestPacketFilterAdmitsLinkProtocolContext(t *testing.T) {
	e, _ := newTestEngine(t)
	pkt := &codec.Packet{
		PacketType:  codec.Data,
		DestType:    codec.Plain,
		Context:     codec.CtxKeepalive,
		Hops:        5,
		Destination: destHashN(1),
	}
	verdict, _ := e.packetFilter(pkt, false)
	if verdict != Admitted {
		t.Errorf("verdict = %v, want Admitted", verdict)
	}
}

// S3 — Announce admission and rebroadcast: a new destination's announce is
// admitted into the path table at hops+1 with FULL-mode (7-day) expiry, and
// an announce-table entry is scheduled for rebroadcast.
func TestAnnounceAdmissionNewDestination(t *testing.T) {
	e, kp := newTestEngine(t)
	recvIf := newRecordingInterface("if2", 2)
	if err := e.RegisterInterface(recvIf); err != nil {
		t.Fatalf("RegisterInterface: %v", err)
	}

	dst := destHashN(0xCC)
	pkt := buildAnnounce(t, kp, dst, 0, nil)

	e.Receive(pkt, recvIf)

	entry := e.Paths.Get(dst)
	if entry == nil {
		t.Fatal("no path entry installed for new announce")
	}
	if entry.Hops != 1 {
		t.Errorf("Hops = %d, want 1", entry.Hops)
	}
	wantExpiry := entry.Timestamp.Add(7 * 24 * time.Hour)
	if entry.Expires.Sub(wantExpiry) > time.Second || wantExpiry.Sub(entry.Expires) > time.Second {
		t.Errorf("Expires = %v, want ~%v (PATHFINDER_E)", entry.Expires, wantExpiry)
	}

	ann := e.Announces.Get(dst)
	if ann == nil {
		t.Fatal("no announce-table entry scheduled for rebroadcast")
	}
	if ann.RetransmitAt.Before(e.nowFn()) || ann.RetransmitAt.After(e.nowFn().Add(500*time.Millisecond)) {
		t.Errorf("RetransmitAt = %v, want within [now, now+0.5s]", ann.RetransmitAt)
	}
}

// An announce whose signature doesn't validate is dropped before it ever
// touches the path table.
func TestAnnounceInvalidSignatureDropped(t *testing.T) {
	e, kp := newTestEngine(t)
	recvIf := newRecordingInterface("if2", 2)
	_ = e.RegisterInterface(recvIf)

	dst := destHashN(0xCC)
	pkt := buildAnnounce(t, kp, dst, 0, nil)
	pkt.Data[len(pkt.Data)-1] ^= 0xFF // corrupt the signature

	e.Receive(pkt, recvIf)

	if e.Paths.Has(dst) {
		t.Error("path entry installed for an announce with an invalid signature")
	}
}

// buildAnnounce constructs a signed ANNOUNCE packet matching the layout
// parseAnnounceData expects: identity key ∥ signing key ∥ name hash ∥
// random blob ∥ signature.
func buildAnnounce(t *testing.T, kp *identity.KeyPair, dst core.DestHash, hops uint8, randomBlob []byte) *codec.Packet {
	t.Helper()
	if randomBlob == nil {
		randomBlob = make([]byte, 10)
		randomBlob[9] = 1
	}
	nameHash := make([]byte, announceNameHashSize)

	a := &parsedAnnounce{
		IdentityKey: kp.PublicKey,
		SigningKey:  kp.PublicKey,
		NameHash:    nameHash,
		RandomBlob:  randomBlob,
	}
	sig := ed25519.Sign(kp.PrivateKey, a.signedMessage(dst))

	data := make([]byte, 0, announceFixedSize)
	data = append(data, []byte(a.IdentityKey)...)
	data = append(data, []byte(a.SigningKey)...)
	data = append(data, a.NameHash...)
	data = append(data, a.RandomBlob...)
	data = append(data, sig...)

	return &codec.Packet{
		HeaderType:  codec.Header1,
		PacketType:  codec.Announce,
		DestType:    codec.Single,
		Hops:        hops,
		Destination: dst,
		Data:        data,
	}
}

// MaxPathEntries bounds the path table for brand-new destinations, per the
// SPEC_FULL.md Open Question decision to refuse rather than evict.
func TestAnnounceMaxPathEntriesCap(t *testing.T) {
	e, kp := newTestEngine(t)
	e.cfg.MaxPathEntries = 1
	recvIf := newRecordingInterface("if1", 1)
	_ = e.RegisterInterface(recvIf)

	first := destHashN(1)
	second := destHashN(2)

	e.Receive(buildAnnounce(t, kp, first, 0, nil), recvIf)
	if !e.Paths.Has(first) {
		t.Fatal("first announce was not admitted")
	}

	blob := make([]byte, 10)
	blob[9] = 2
	e.Receive(buildAnnounce(t, kp, second, 0, blob), recvIf)
	if e.Paths.Has(second) {
		t.Error("second announce was admitted past MaxPathEntries")
	}
}
