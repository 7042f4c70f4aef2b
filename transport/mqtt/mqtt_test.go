package mqtt

import (
	"context"
	"testing"

	"github.com/quillmesh/transport/transport"
)

func TestNewFillsDefaults(t *testing.T) {
	iface := New(Config{
		Broker: "tcp://localhost:1883",
		MeshID: "test",
	})

	if iface.cfg.TopicPrefix != DefaultTopicPrefix {
		t.Errorf("TopicPrefix = %q, want %q", iface.cfg.TopicPrefix, DefaultTopicPrefix)
	}
	if iface.Bitrate() != DefaultBitrate {
		t.Errorf("Bitrate() = %d, want %d", iface.Bitrate(), DefaultBitrate)
	}
	if iface.Mode() != transport.ModeRoaming {
		t.Errorf("Mode() = %v, want ModeRoaming", iface.Mode())
	}
}

func TestNewCustomConfig(t *testing.T) {
	iface := New(Config{
		Broker:      "tcp://broker.example.com:1883",
		Username:    "user",
		Password:    "pass",
		TopicPrefix: "custom",
		MeshID:      "my-mesh",
	})

	if iface.cfg.TopicPrefix != "custom" {
		t.Errorf("TopicPrefix = %q, want custom", iface.cfg.TopicPrefix)
	}
	if iface.topic() != "custom/my-mesh" {
		t.Errorf("topic() = %q, want custom/my-mesh", iface.topic())
	}
}

func TestStartMissingBroker(t *testing.T) {
	iface := New(Config{MeshID: "test"})
	if err := iface.Start(context.Background()); err == nil {
		t.Fatal("Start() with empty broker succeeded, want error")
	}
}

func TestStartMissingMeshID(t *testing.T) {
	iface := New(Config{Broker: "tcp://localhost:1883"})
	if err := iface.Start(context.Background()); err == nil {
		t.Fatal("Start() with empty mesh ID succeeded, want error")
	}
}

func TestProcessOutgoingWithoutConnectionFails(t *testing.T) {
	iface := New(Config{Broker: "tcp://localhost:1883", MeshID: "test"})
	if err := iface.ProcessOutgoing([]byte{0x01}); err == nil {
		t.Fatal("ProcessOutgoing() without a connection succeeded, want error")
	}
}

func TestGetHashIsStableForSameTopic(t *testing.T) {
	a := New(Config{Broker: "tcp://localhost:1883", MeshID: "mesh-a"})
	b := New(Config{Broker: "tcp://localhost:1883", MeshID: "mesh-a"})
	c := New(Config{Broker: "tcp://localhost:1883", MeshID: "mesh-b"})

	if a.GetHash() != b.GetHash() {
		t.Error("GetHash() differs for interfaces with the same topic")
	}
	if a.GetHash() == c.GetHash() {
		t.Error("GetHash() collided for interfaces with different topics")
	}
}

func TestHandleMessageDecodesBase64AndInvokesOnReceive(t *testing.T) {
	var received []byte
	iface := New(Config{
		Broker: "tcp://localhost:1883",
		MeshID: "test",
		OnReceive: func(raw []byte) {
			received = raw
		},
	})

	// base64("hello") == "aGVsbG8="
	msg := fakeMessage{payload: []byte("aGVsbG8=")}
	iface.handleMessage(nil, msg)

	if string(received) != "hello" {
		t.Errorf("received = %q, want %q", received, "hello")
	}
	if iface.RXB() != 5 {
		t.Errorf("RXB() = %d, want 5", iface.RXB())
	}
}

type fakeMessage struct {
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return "" }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}
