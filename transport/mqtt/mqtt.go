// Package mqtt provides a shared-bus Interface implementation: packets
// are published base64-encoded to an MQTT topic shared by every node on
// the mesh, making this the ROAMING/ACCESS_POINT-capable broadcast
// medium described in the Interface contract (as opposed to serial's
// point-to-point FULL link).
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/quillmesh/transport/core"
	"github.com/quillmesh/transport/transport"
)

var _ transport.Interface = (*Interface)(nil)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix for transport packets.
	DefaultTopicPrefix = "rnstransport"

	// DefaultBitrate approximates a shared broadband bus for MTU/rate
	// purposes; actual throughput is whatever the broker link offers.
	DefaultBitrate = 1_000_000
)

// ReceiveFunc is called with the raw, still-masked bytes of one message.
type ReceiveFunc func(raw []byte)

// Config holds the configuration for an MQTT Interface.
type Config struct {
	transport.Config

	Broker      string
	Username    string
	Password    string
	UseTLS      bool
	ClientID    string
	TopicPrefix string
	MeshID      string
	Logger      *slog.Logger
	OnReceive   ReceiveFunc
}

// Interface implements transport.Interface over an MQTT broker.
type Interface struct {
	*transport.BaseInterface

	cfg       Config
	client    paho.Client
	log       *slog.Logger
	mu        sync.RWMutex
	connected bool
}

// New creates an MQTT Interface with the given configuration.
func New(cfg Config) *Interface {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Config.Bitrate == 0 {
		cfg.Config.Bitrate = DefaultBitrate
	}
	if cfg.Config.Mode == transport.ModeFull {
		cfg.Config.Mode = transport.ModeRoaming
	}
	if cfg.Config.Name == "" {
		cfg.Config.Name = cfg.TopicPrefix + "/" + cfg.MeshID
	}

	return &Interface{
		BaseInterface: transport.NewBaseInterface(cfg.Config),
		cfg:           cfg,
		log:           cfg.Logger.WithGroup("mqtt").With("mesh_id", cfg.MeshID),
	}
}

// Start connects to the MQTT broker and subscribes to the mesh topic.
func (i *Interface) Start(ctx context.Context) error {
	if i.cfg.Broker == "" {
		return errors.New("mqtt: broker URL is required")
	}
	if i.cfg.MeshID == "" {
		return errors.New("mqtt: mesh ID is required")
	}

	clientID := i.cfg.ClientID
	if clientID == "" {
		clientID = "rnstransport-" + randomString(16)
	}

	opts := paho.NewClientOptions().
		AddBroker(i.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(i.onConnected).
		SetConnectionLostHandler(i.onConnectionLost)

	if i.cfg.Username != "" {
		opts.SetUsername(i.cfg.Username)
	}
	if i.cfg.Password != "" {
		opts.SetPassword(i.cfg.Password)
	}
	if i.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	i.client = paho.NewClient(opts)

	token := i.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return errors.New("mqtt: connection timeout")
	}
	if token.Error() != nil {
		return fmt.Errorf("mqtt: connecting to broker: %w", token.Error())
	}
	return nil
}

// Stop gracefully disconnects from the MQTT broker.
func (i *Interface) Stop() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.client != nil {
		i.client.Disconnect(1000)
		i.connected = false
	}
	i.BaseInterface.Detach()
	return nil
}

// ProcessOutgoing publishes raw, already-masked packet bytes to the mesh
// topic, base64-encoded.
func (i *Interface) ProcessOutgoing(raw []byte) error {
	if !i.isConnected() {
		return errors.New("mqtt: not connected")
	}

	payload := base64.StdEncoding.EncodeToString(raw)
	token := i.client.Publish(i.topic(), 0, false, payload)
	if !token.WaitTimeout(10 * time.Second) {
		return errors.New("mqtt: timeout publishing")
	}
	if err := token.Error(); err != nil {
		return err
	}
	i.BaseInterface.AddTXB(uint64(len(raw)))
	return nil
}

// ProcessAnnounceQueue drains BaseInterface's queue and publishes each
// packet in turn.
func (i *Interface) ProcessAnnounceQueue() {
	for _, pkt := range i.BaseInterface.DrainAnnounceQueue() {
		raw, err := pkt.Pack()
		if err != nil {
			i.log.Debug("failed to pack queued announce", "error", err)
			continue
		}
		if err := i.ProcessOutgoing(raw); err != nil {
			i.log.Debug("failed to publish queued announce", "error", err)
		}
	}
}

// GetHash returns a destination-hash-shaped identifier for this
// interface, derived from its mesh topic.
func (i *Interface) GetHash() core.DestHash {
	return hashInterfaceID(i.topic())
}

func hashInterfaceID(id string) core.DestHash {
	var h core.DestHash
	sum := fnv64a(id)
	for idx := 0; idx < len(h); idx++ {
		h[idx] = byte(sum >> (8 * uint(idx%8)))
	}
	return h
}

func fnv64a(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}

func (i *Interface) isConnected() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.connected && i.client != nil && i.client.IsConnected()
}

func (i *Interface) topic() string {
	return i.cfg.TopicPrefix + "/" + i.cfg.MeshID
}

func (i *Interface) subscribe() {
	topic := i.topic()
	i.client.Subscribe(topic, 0, i.handleMessage)
	i.log.Debug("subscribed to mesh topic", "topic", topic)
}

func (i *Interface) handleMessage(_ paho.Client, message paho.Message) {
	raw, err := base64.StdEncoding.DecodeString(string(message.Payload()))
	if err != nil {
		i.log.Debug("failed to decode base64 payload", "error", err)
		return
	}
	i.BaseInterface.AddRXB(uint64(len(raw)))
	if i.cfg.OnReceive != nil {
		i.cfg.OnReceive(raw)
	}
}

func (i *Interface) onConnected(_ paho.Client) {
	i.mu.Lock()
	i.connected = true
	i.mu.Unlock()

	i.subscribe()
	i.log.Info("connected to MQTT broker", "broker", i.cfg.Broker)
}

func (i *Interface) onConnectionLost(_ paho.Client, err error) {
	i.mu.Lock()
	i.connected = false
	i.mu.Unlock()
	i.log.Error("MQTT connection lost", "error", err)
}

func randomString(n int) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for idx := range b {
		b[idx] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
