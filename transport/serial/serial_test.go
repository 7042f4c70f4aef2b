package serial

import (
	"context"
	"sync"
	"testing"

	"github.com/quillmesh/transport/core"
	"github.com/quillmesh/transport/core/codec"
)

func samplePacket(t *testing.T) *codec.Packet {
	t.Helper()
	return &codec.Packet{
		HeaderType:    codec.Header1,
		TransportType: codec.Broadcast,
		PacketType:    codec.Data,
		DestType:      codec.Single,
		Hops:          0,
		Destination:   core.DestHash{1, 2, 3},
		Data:          []byte{0x01, 0x02, 0x03, 0x04},
	}
}

func frameOf(t *testing.T, pkt *codec.Packet) []byte {
	t.Helper()
	raw, err := pkt.Pack()
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	frame, err := codec.EncodeRS232Frame(raw)
	if err != nil {
		t.Fatalf("EncodeRS232Frame() error = %v", err)
	}
	return frame
}

func TestNewFillsDefaults(t *testing.T) {
	iface := New(Config{Port: "/dev/ttyUSB0"})
	if iface.cfg.BaudRate != DefaultBaudRate {
		t.Errorf("BaudRate = %d, want %d", iface.cfg.BaudRate, DefaultBaudRate)
	}
	if iface.Bitrate() != DefaultBitrate {
		t.Errorf("Bitrate() = %d, want %d", iface.Bitrate(), DefaultBitrate)
	}
	if iface.Name() != "/dev/ttyUSB0" {
		t.Errorf("Name() = %q, want port path", iface.Name())
	}
}

func TestStartMissingPort(t *testing.T) {
	iface := New(Config{})
	if err := iface.Start(context.Background()); err == nil {
		t.Fatal("Start() with empty port succeeded, want error")
	}
}

func TestProcessFramesSingleFrame(t *testing.T) {
	pkt := samplePacket(t)
	frame := frameOf(t, pkt)

	var mu sync.Mutex
	var received [][]byte

	iface := New(Config{
		Port: "/dev/ttyUSB0",
		OnReceive: func(raw []byte) {
			mu.Lock()
			defer mu.Unlock()
			received = append(received, raw)
		},
	})

	remaining := iface.processFrames(frame)
	if len(remaining) != 0 {
		t.Errorf("remaining = %d bytes, want 0", len(remaining))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received %d frames, want 1", len(received))
	}
}

func TestProcessFramesIncompleteFrameIsPreserved(t *testing.T) {
	pkt := samplePacket(t)
	frame := frameOf(t, pkt)
	partial := frame[:len(frame)-1]

	iface := New(Config{Port: "/dev/ttyUSB0"})
	remaining := iface.processFrames(partial)
	if len(remaining) != len(partial) {
		t.Errorf("incomplete frame was consumed: remaining = %d, want %d", len(remaining), len(partial))
	}
}

func TestProcessFramesResyncsPastGarbage(t *testing.T) {
	pkt := samplePacket(t)
	frame := frameOf(t, pkt)
	garbage := append([]byte{0xAA, 0xBB, 0xCC}, frame...)

	var receivedCount int
	iface := New(Config{
		Port:      "/dev/ttyUSB0",
		OnReceive: func([]byte) { receivedCount++ },
	})

	iface.processFrames(garbage)
	if receivedCount != 1 {
		t.Errorf("received %d frames after resync, want 1", receivedCount)
	}
}

func TestDetachMarksDetached(t *testing.T) {
	iface := New(Config{Port: "/dev/ttyUSB0"})
	if iface.Detached() {
		t.Fatal("Detached() = true before Detach()")
	}
	iface.Detach()
	if !iface.Detached() {
		t.Error("Detached() = false after Detach()")
	}
}

func TestProcessOutgoingWithoutConnectionFails(t *testing.T) {
	iface := New(Config{Port: "/dev/ttyUSB0"})
	if err := iface.ProcessOutgoing([]byte{0x01}); err == nil {
		t.Fatal("ProcessOutgoing() on an unopened interface succeeded, want error")
	}
}

func TestGetHashIsStableForSamePort(t *testing.T) {
	a := New(Config{Port: "/dev/ttyUSB0"})
	b := New(Config{Port: "/dev/ttyUSB0"})
	c := New(Config{Port: "/dev/ttyUSB1"})

	if a.GetHash() != b.GetHash() {
		t.Error("GetHash() differs for interfaces with the same port")
	}
	if a.GetHash() == c.GetHash() {
		t.Error("GetHash() collided for interfaces with different ports")
	}
}
