// Package serial provides a point-to-point serial Interface implementation
// for the transport core: a FULL-mode, low-bitrate link to a single peer,
// framed with the RS232/Fletcher-16 byte-stream framing the codec package
// already provides.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.bug.st/serial"

	"github.com/quillmesh/transport/core"
	"github.com/quillmesh/transport/core/codec"
	"github.com/quillmesh/transport/transport"
)

var _ transport.Interface = (*Interface)(nil)

const (
	// DefaultBaudRate is the default baud rate for a point-to-point serial link.
	DefaultBaudRate = 115200

	// DefaultBitrate approximates the link's effective bitrate for
	// announce-rate and MTU-autoconfiguration purposes.
	DefaultBitrate = 115200

	readBufSize = 1024
)

// ReceiveFunc is called with the raw, still-masked bytes of one complete
// frame. The engine registers this to feed the packet straight into its
// inbound pipeline (IFAC unmask, then unpack).
type ReceiveFunc func(raw []byte)

// Config holds the configuration for a serial Interface.
type Config struct {
	transport.Config

	Port     string
	BaudRate int
	Logger   *slog.Logger
	OnReceive ReceiveFunc
}

// Interface implements transport.Interface over a point-to-point serial
// connection.
type Interface struct {
	*transport.BaseInterface

	cfg    Config
	log    *slog.Logger
	mu     sync.RWMutex
	port   serial.Port
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a serial Interface with the given configuration.
func New(cfg Config) *Interface {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Config.Bitrate == 0 {
		cfg.Config.Bitrate = DefaultBitrate
	}
	if cfg.Config.Name == "" {
		cfg.Config.Name = cfg.Port
	}

	return &Interface{
		BaseInterface: transport.NewBaseInterface(cfg.Config),
		cfg:           cfg,
		log:           cfg.Logger.WithGroup("serial").With("port", cfg.Port),
	}
}

// Start opens the serial port and begins the read loop. The provided
// context controls the read loop's lifetime; Stop also terminates it.
func (i *Interface) Start(ctx context.Context) error {
	if i.cfg.Port == "" {
		return errors.New("serial: port is required")
	}

	mode := &serial.Mode{BaudRate: i.cfg.BaudRate}
	port, err := serial.Open(i.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("serial: opening port: %w", err)
	}

	i.mu.Lock()
	i.port = port
	i.done = make(chan struct{})
	i.mu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel

	go i.readLoop(readCtx)

	i.log.Info("serial interface started", "baud", i.cfg.BaudRate)
	return nil
}

// Stop closes the serial port and waits for the read loop to exit.
func (i *Interface) Stop() error {
	if i.cancel != nil {
		i.cancel()
	}

	i.mu.Lock()
	port := i.port
	i.port = nil
	done := i.done
	i.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}
	if done != nil {
		<-done
	}
	i.BaseInterface.Detach()
	return err
}

// ProcessOutgoing writes raw, already-masked packet bytes to the serial
// port inside an RS232/Fletcher-16 frame.
func (i *Interface) ProcessOutgoing(raw []byte) error {
	i.mu.RLock()
	port := i.port
	i.mu.RUnlock()

	if port == nil {
		return errors.New("serial: not connected")
	}

	frame, err := codec.EncodeRS232Frame(raw)
	if err != nil {
		return fmt.Errorf("serial: encoding frame: %w", err)
	}
	n, err := port.Write(frame)
	if err != nil {
		return fmt.Errorf("serial: writing frame: %w", err)
	}
	i.BaseInterface.AddTXB(uint64(n))
	return nil
}

// GetHash returns a destination-hash-shaped identifier for this
// interface, derived from its configured port path. Used as the
// IfaceHash key in persisted path/tunnel records.
func (i *Interface) GetHash() core.DestHash {
	return hashInterfaceID(i.cfg.Port)
}

func hashInterfaceID(id string) core.DestHash {
	var h core.DestHash
	sum := fnv64a(id)
	for idx := 0; idx < len(h); idx++ {
		h[idx] = byte(sum >> (8 * uint(idx%8)))
	}
	return h
}

// fnv64a is a tiny non-cryptographic hash used only to turn an
// interface's configuration identity (its port path) into a stable
// DestHash-shaped key; it is never used for anything security sensitive.
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

// ProcessAnnounceQueue sends every packet queued for transmission by
// draining BaseInterface's queue and writing each one out.
func (i *Interface) ProcessAnnounceQueue() {
	for _, pkt := range i.BaseInterface.DrainAnnounceQueue() {
		raw, err := pkt.Pack()
		if err != nil {
			i.log.Debug("failed to pack queued announce", "error", err)
			continue
		}
		if err := i.ProcessOutgoing(raw); err != nil {
			i.log.Debug("failed to send queued announce", "error", err)
		}
	}
}

func (i *Interface) readLoop(ctx context.Context) {
	defer close(i.done)

	buf := make([]byte, readBufSize)
	var assembly []byte

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := i.port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				i.log.Info("serial port closed")
				return
			}
			i.log.Error("serial read error", "error", err)
			return
		}
		if n == 0 {
			continue
		}

		i.BaseInterface.AddRXB(uint64(n))
		assembly = append(assembly, buf[:n]...)
		assembly = i.processFrames(assembly)
	}
}

func (i *Interface) processFrames(data []byte) []byte {
	for len(data) >= codec.MinFrameSize {
		frame, remaining, err := codec.DecodeRS232Frame(data)
		if err != nil {
			if errors.Is(err, codec.ErrIncompleteFrame) {
				return data
			}
			if idx := findMagic(data[1:]); idx >= 0 {
				data = data[1+idx:]
				continue
			}
			return nil
		}
		data = remaining

		if i.cfg.OnReceive != nil {
			i.cfg.OnReceive(frame.Payload)
		}
	}
	return data
}

func findMagic(data []byte) int {
	magic := [2]byte{byte(uint16(codec.BridgePacketMagic) >> 8), byte(codec.BridgePacketMagic & 0xFF)}
	for idx := 0; idx+1 < len(data); idx++ {
		if data[idx] == magic[0] && data[idx+1] == magic[1] {
			return idx
		}
	}
	return -1
}
