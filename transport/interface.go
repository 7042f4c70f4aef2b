// Package transport defines the Interface contract the engine drives
// packet traffic through, plus a BaseInterface helper that concrete
// drivers (transport/serial, transport/mqtt) embed for the bookkeeping
// every interface needs regardless of medium: byte counters, the IFAC
// framing parameters, announce rate limiting parameters, and the held/
// queued announce lists used by §4.5.
package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/quillmesh/transport/core"
	"github.com/quillmesh/transport/core/codec"
	"github.com/quillmesh/transport/core/identity"
)

// Mode is the interface's role in path-lifetime and announce-propagation
// decisions (§3, §4.5).
type Mode int

const (
	ModeFull Mode = iota
	ModeGateway
	ModeAccessPoint
	ModeRoaming
	ModeBoundary
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeGateway:
		return "gateway"
	case ModeAccessPoint:
		return "access_point"
	case ModeRoaming:
		return "roaming"
	case ModeBoundary:
		return "boundary"
	default:
		return "unknown"
	}
}

// Interface is what the engine consumes from a transport driver (§6
// "Interface contract"). A driver embeds *BaseInterface for the fields
// and operations that are identical across media, and implements
// ProcessOutgoing and GetHash itself.
type Interface interface {
	Name() string
	Out() bool
	Bitrate() int
	Mode() Mode
	HWMTU() int
	AutoconfigureMTU() bool
	FixedMTU() bool
	RXB() uint64
	TXB() uint64

	IFACIdentity() *identity.KeyPair
	IFACKey() []byte
	IFACSize() int

	AnnounceRateTarget() time.Duration
	AnnounceRateGrace() int
	AnnounceRatePenalty() time.Duration

	ParentInterface() Interface
	TunnelID() core.DestHash
	Detached() bool
	IsLocalClient() bool

	// ProcessOutgoing hands raw, already-masked wire bytes to the driver
	// for transmission. The driver is responsible for medium-specific
	// framing (RS232/Fletcher-16 for serial, topic publish for MQTT).
	ProcessOutgoing(raw []byte) error
	SentAnnounce()
	ReceivedAnnounce()
	ShouldIngressLimit() bool
	HoldAnnounce(packet *codec.Packet)
	ProcessHeldAnnounces()
	ProcessAnnounceQueue()
	GetHash() core.DestHash
	Detach()
}

// Config configures a BaseInterface. Zero values are valid: a FULL-mode,
// non-OUT, non-IFAC interface with no rate limiting.
type Config struct {
	Name              string
	Out               bool
	Bitrate           int
	Mode              Mode
	HWMTU             int
	AutoconfigureMTU  bool
	FixedMTU          bool
	IFACIdentity      *identity.KeyPair
	IFACKey           []byte
	IFACSize          int
	AnnounceRateTarget time.Duration
	AnnounceRateGrace  int
	AnnounceRatePenalty time.Duration
	ParentInterface   Interface
	TunnelID          core.DestHash
	LocalClient       bool

	// HeldAnnounceCapacity bounds the hold queue used by ShouldIngressLimit
	// / HoldAnnounce. Default: 16.
	HeldAnnounceCapacity int

	// MaxQueuedAnnounces bounds the outbound announce-cap queue (§4.3 item
	// 3's MAX_QUEUED_ANNOUNCES). Default: 32.
	MaxQueuedAnnounces int
}

const (
	defaultHeldAnnounceCapacity = 16
	defaultMaxQueuedAnnounces   = 32
)

// BaseInterface implements the medium-independent part of Interface:
// byte counters, IFAC/rate-limit parameter storage, and the held/queued
// announce lists described in §4.5. Concrete drivers embed this and
// implement ProcessOutgoing and GetHash themselves.
type BaseInterface struct {
	cfg Config

	rxb atomic.Uint64
	txb atomic.Uint64

	mu           sync.Mutex
	detached     bool
	held         []*codec.Packet
	queued       []*codec.Packet
	queuedDst    map[core.DestHash]int // destination -> index into queued, for collapsing
	announceAt   time.Time
}

// NewBaseInterface constructs a BaseInterface from cfg, filling in
// defaults for zero values.
func NewBaseInterface(cfg Config) *BaseInterface {
	if cfg.HeldAnnounceCapacity == 0 {
		cfg.HeldAnnounceCapacity = defaultHeldAnnounceCapacity
	}
	if cfg.MaxQueuedAnnounces == 0 {
		cfg.MaxQueuedAnnounces = defaultMaxQueuedAnnounces
	}
	return &BaseInterface{cfg: cfg, queuedDst: make(map[core.DestHash]int)}
}

func (b *BaseInterface) Name() string             { return b.cfg.Name }
func (b *BaseInterface) Out() bool                { return b.cfg.Out }
func (b *BaseInterface) Bitrate() int              { return b.cfg.Bitrate }
func (b *BaseInterface) Mode() Mode                { return b.cfg.Mode }
func (b *BaseInterface) HWMTU() int                { return b.cfg.HWMTU }
func (b *BaseInterface) AutoconfigureMTU() bool    { return b.cfg.AutoconfigureMTU }
func (b *BaseInterface) FixedMTU() bool            { return b.cfg.FixedMTU }
func (b *BaseInterface) RXB() uint64               { return b.rxb.Load() }
func (b *BaseInterface) TXB() uint64               { return b.txb.Load() }

func (b *BaseInterface) IFACIdentity() *identity.KeyPair { return b.cfg.IFACIdentity }
func (b *BaseInterface) IFACKey() []byte                 { return b.cfg.IFACKey }
func (b *BaseInterface) IFACSize() int                   { return b.cfg.IFACSize }
func (b *BaseInterface) HasIFAC() bool {
	return b.cfg.IFACIdentity != nil && len(b.cfg.IFACKey) > 0
}

func (b *BaseInterface) AnnounceRateTarget() time.Duration  { return b.cfg.AnnounceRateTarget }
func (b *BaseInterface) AnnounceRateGrace() int             { return b.cfg.AnnounceRateGrace }
func (b *BaseInterface) AnnounceRatePenalty() time.Duration { return b.cfg.AnnounceRatePenalty }

func (b *BaseInterface) ParentInterface() Interface { return b.cfg.ParentInterface }
func (b *BaseInterface) TunnelID() core.DestHash    { return b.cfg.TunnelID }
func (b *BaseInterface) IsLocalClient() bool        { return b.cfg.LocalClient }

// AddRXB / AddTXB accrue byte counters; drivers call these from their
// read/write loops.
func (b *BaseInterface) AddRXB(n uint64) { b.rxb.Add(n) }
func (b *BaseInterface) AddTXB(n uint64) { b.txb.Add(n) }

func (b *BaseInterface) Detached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.detached
}

// Detach marks the interface detached. The engine stops routing traffic
// to a detached interface but leaves any tunnel bound to it latent
// rather than discarding its paths (§4.7).
func (b *BaseInterface) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detached = true
}

// SentAnnounce/ReceivedAnnounce feed the interface's own announce-rate
// bookkeeping; actual admission is the engine's RateTable, keyed by
// destination, not by interface (§4.5). Interfaces expose these as hooks
// for drivers that also want to self-throttle (e.g. an airtime-limited
// radio), left as no-ops by BaseInterface.
func (b *BaseInterface) SentAnnounce()     {}
func (b *BaseInterface) ReceivedAnnounce() {}

// ShouldIngressLimit reports whether the held-announce queue is already
// at capacity, per §4.5's "announces arriving while an interface cannot
// currently forward are held, not dropped, up to a bound."
func (b *BaseInterface) ShouldIngressLimit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.held) >= b.cfg.HeldAnnounceCapacity
}

// HoldAnnounce appends packet to the hold queue, dropping the oldest
// entry if already at capacity.
func (b *BaseInterface) HoldAnnounce(packet *codec.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.held) >= b.cfg.HeldAnnounceCapacity {
		b.held = b.held[1:]
	}
	b.held = append(b.held, packet)
}

// ProcessHeldAnnounces drains the hold queue into the announce queue.
// The engine calls this once the interface reports it can forward
// again.
func (b *BaseInterface) ProcessHeldAnnounces() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queued = append(b.queued, b.held...)
	b.held = nil
}

// QueueAnnounce enqueues packet onto the outbound announce-cap queue
// (§4.3 item 3), collapsing duplicates by destination hash in favor of the
// most recently emitted copy, and dropping the oldest entry if the queue
// is already at MaxQueuedAnnounces.
func (b *BaseInterface) QueueAnnounce(packet *codec.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if idx, ok := b.queuedDst[packet.Destination]; ok {
		b.queued[idx] = packet
		return
	}
	if len(b.queued) >= b.cfg.MaxQueuedAnnounces {
		oldest := b.queued[0]
		b.queued = b.queued[1:]
		delete(b.queuedDst, oldest.Destination)
		for dst, i := range b.queuedDst {
			b.queuedDst[dst] = i - 1
		}
	}
	b.queuedDst[packet.Destination] = len(b.queued)
	b.queued = append(b.queued, packet)
}

// AnnounceAllowedAt returns the time at which this interface may next send
// a non-local announce, per the announce-cap tx_time/wait_time calculation.
func (b *BaseInterface) AnnounceAllowedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.announceAt
}

// SetAnnounceAllowedAt records the next allowed announce-send time.
func (b *BaseInterface) SetAnnounceAllowedAt(t time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.announceAt = t
}

// ProcessAnnounceQueue is a no-op placeholder for drivers that want the
// queue drained on a Transmit-ready callback instead of immediately;
// BaseInterface drains synchronously via DrainAnnounceQueue, so this is
// left for drivers to override if their medium needs a different cadence.
func (b *BaseInterface) ProcessAnnounceQueue() {}

// DrainAnnounceQueue removes and returns every packet queued for
// transmission. The engine's interface-jobs maintenance tick calls this
// once an interface's AnnounceAllowedAt has passed.
func (b *BaseInterface) DrainAnnounceQueue() []*codec.Packet {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.queued
	b.queued = nil
	b.queuedDst = make(map[core.DestHash]int)
	return out
}
