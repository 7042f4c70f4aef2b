// Package engine implements the transport core itself: the inbound and
// outbound packet dispatchers, announce admission and retransmission,
// path-request handling, tunnel synthesis, and the periodic maintenance
// loop, all built on top of core/tables' routing state and serialized
// under one "jobs lock" exactly as spec'd.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quillmesh/transport/core"
	"github.com/quillmesh/transport/core/codec"
	"github.com/quillmesh/transport/core/dedupe"
	"github.com/quillmesh/transport/core/identity"
	"github.com/quillmesh/transport/core/ifac"
	"github.com/quillmesh/transport/core/tables"
	"github.com/quillmesh/transport/transport"
)

// Default maintenance cadences (§4.8, §5).
const (
	DefaultMaintenanceInterval    = 250 * time.Millisecond
	DefaultTrafficCounterInterval = time.Second
	DefaultTablesCullInterval     = 5 * time.Second
	DefaultInterfaceJobsInterval  = 5 * time.Second
	DefaultCacheCleanInterval     = 300 * time.Second

	// MaxReceipts is MAX_RECEIPTS.
	MaxReceipts = 1024
)

// Config configures an Engine.
type Config struct {
	// Identity is this transport instance's signing keypair. Its public
	// key, truncated, is the transport's self ID (core.TransportID).
	Identity *identity.KeyPair

	// TransportEnabled mirrors the host's "acting as a transport node"
	// flag: it gates transport_id insertion, recursive path-request
	// forwarding, and unconditional announce rebroadcast.
	TransportEnabled bool

	MaxPathEntries     int
	MaxAnnounceEntries int

	// ConnectedToSharedInstance mirrors the host's "this instance is itself
	// a client of a local shared instance" flag (spec.md §4.3 item 2, §9
	// "shared-instance hops spoofing"). When set, a single-hop known path is
	// still given a transport header on send, since the shared instance
	// this engine is attached to needs the next-hop transport ID to route
	// the packet onward even though this engine's own view of the path is
	// one hop.
	ConnectedToSharedInstance bool

	// IsLocalDestination reports whether dst is hosted by this instance
	// directly, gating the §4.5 item 1 rejection shortcut and the §4.6
	// path-request "is local" branch. Destination registration itself is a
	// host/application responsibility (§1 out of scope); nil means "no
	// local destinations."
	IsLocalDestination func(dst core.DestHash) bool

	// LocalDestinationPaths, when IsLocalDestination reports true for some
	// dst, generates a fresh path-response announce packet for that dst.
	// Used by the §4.6 path-request "deliver locally" branch.
	AnnounceLocalDestination func(dst core.DestHash, tag []byte) *codec.Packet

	// PathRequestDestination and TunnelSynthesizeDestination are the
	// well-known control destination hashes this instance's host has
	// registered for the §4.6 path-request and §4.7 tunnel-synthesize
	// broadcast handlers. Full destination registration/announcement is a
	// host/application responsibility (§1); the engine only needs the
	// hashes to recognize its own control traffic.
	PathRequestDestination      core.DestHash
	TunnelSynthesizeDestination core.DestHash

	// IsControlDestination reports whether dst is some other reserved
	// control destination the host has registered (e.g. remote management,
	// probe) beyond the two built-in ones above, so inbound plain-broadcast
	// mirroring skips it in favor of the host's own callback dispatch.
	IsControlDestination func(dst core.DestHash) bool

	// DeliverLinkRequest hands a LINKREQUEST addressed to a locally hosted
	// destination to the host's link factory (§1: link state machine
	// internals are an external collaborator).
	DeliverLinkRequest func(pkt *codec.Packet, recvIf transport.Interface)

	// DeliverData hands a DATA packet addressed to a locally hosted
	// destination to the host application. The host implements its own
	// PROVE_ALL/PROVE_APP policy and, if it decides to prove delivery,
	// returns a fully formed PROOF packet for the engine to send back
	// along the reverse path; a nil return means no proof.
	DeliverData func(pkt *codec.Packet, recvIf transport.Interface) *codec.Packet

	// CleanAnnounceCache garbage-collects the on-disk announce packet
	// cache, called every CacheCleanInterval (§4.8). Persistence itself is
	// a host responsibility (§1); the engine only provides the cadence.
	CleanAnnounceCache func()

	MaintenanceInterval    time.Duration
	TrafficCounterInterval time.Duration
	TablesCullInterval     time.Duration
	InterfaceJobsInterval  time.Duration
	CacheCleanInterval     time.Duration

	Logger *slog.Logger

	// NowFn allows overriding time.Now() for testing.
	NowFn func() time.Time
}

// Engine is the transport core. It owns every routing table, the
// interface registry, and the single jobs lock that serializes all table
// access (§5).
type Engine struct {
	cfg    Config
	log    *slog.Logger
	selfID core.TransportID
	nowFn  func() time.Time

	// jobsMu is the "jobs lock": held across every table operation,
	// inbound/outbound dispatch, and the maintenance loop, per §5.
	jobsMu sync.Mutex

	ifacesMu sync.RWMutex
	ifaces   map[core.DestHash]transport.Interface
	framers  map[core.DestHash]*ifac.Framer

	Paths      *tables.PathTable
	Reverse    *tables.ReverseTable
	Links      *tables.LinkTable
	Announces  *tables.AnnounceTable
	Rates      *tables.RateTable
	Tunnels    *tables.TunnelTable
	PathStates *tables.PathStateTable
	Discovery  *tables.DiscoveryPathRequests
	TagRing    *tables.TagRing
	Hashlist   *dedupe.Hashlist
	Receipts   *ReceiptFIFO

	// pathRequestedAt records when this instance last issued its own
	// path-request for a destination, so a late reply can be matched to an
	// outstanding request (§4.6).
	pathRequestedAt map[core.DestHash]time.Time

	// discoveryRequesters tracks, for each destination this instance is
	// discovering a path for on someone else's behalf, who to answer once
	// a matching announce arrives (§4.6).
	discoveryRequesters map[core.DestHash]discoveryRequester

	// announceCache holds the most recently admitted announce packet for
	// each packet hash referenced by a live path-table entry, so a
	// path-response can be rebuilt without re-deriving it (§4.5, §4.6).
	announceCache map[core.PacketHash]*codec.Packet

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Engine, filling in defaults for zero-valued Config
// fields, exactly as the teacher's component constructors do.
func New(cfg Config) (*Engine, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("engine: identity is required")
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if cfg.TrafficCounterInterval <= 0 {
		cfg.TrafficCounterInterval = DefaultTrafficCounterInterval
	}
	if cfg.TablesCullInterval <= 0 {
		cfg.TablesCullInterval = DefaultTablesCullInterval
	}
	if cfg.InterfaceJobsInterval <= 0 {
		cfg.InterfaceJobsInterval = DefaultInterfaceJobsInterval
	}
	if cfg.CacheCleanInterval <= 0 {
		cfg.CacheCleanInterval = DefaultCacheCleanInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	nowFn := cfg.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}

	var selfID core.TransportID
	copy(selfID[:], cfg.Identity.PublicKey)

	e := &Engine{
		cfg:        cfg,
		log:        cfg.Logger.WithGroup("engine"),
		selfID:     selfID,
		nowFn:      nowFn,
		ifaces:     make(map[core.DestHash]transport.Interface),
		framers:    make(map[core.DestHash]*ifac.Framer),
		Paths:      tables.NewPathTable(nowFn),
		Reverse:    tables.NewReverseTable(nowFn),
		Links:      tables.NewLinkTable(nowFn),
		Announces:  tables.NewAnnounceTable(nowFn),
		Rates:      tables.NewRateTable(nowFn),
		Tunnels:    tables.NewTunnelTable(nowFn),
		PathStates: tables.NewPathStateTable(),
		Discovery:  tables.NewDiscoveryPathRequests(nowFn),
		TagRing:    tables.NewTagRing(tables.MaxPathRequestTags),
		Hashlist:   dedupe.NewWithMaxSize(dedupe.DefaultMaxSize),
		Receipts:   NewReceiptFIFO(MaxReceipts, nowFn),

		pathRequestedAt:     make(map[core.DestHash]time.Time),
		discoveryRequesters: make(map[core.DestHash]discoveryRequester),
		announceCache:       make(map[core.PacketHash]*codec.Packet),
	}
	return e, nil
}

// RegisterInterface adds iface to the registry, keyed by its own
// GetHash(). If the interface declares an IFAC identity and key, a Framer
// is constructed and wired in for that interface's mask/unmask calls.
func (e *Engine) RegisterInterface(iface transport.Interface) error {
	h := iface.GetHash()

	e.ifacesMu.Lock()
	defer e.ifacesMu.Unlock()
	e.ifaces[h] = iface

	if iface.IFACIdentity() != nil && len(iface.IFACKey()) > 0 {
		f, err := ifac.New(ifac.Config{
			Identity: iface.IFACIdentity(),
			Key:      iface.IFACKey(),
			Size:     iface.IFACSize(),
		})
		if err != nil {
			return fmt.Errorf("engine: building IFAC framer for %s: %w", iface.Name(), err)
		}
		e.framers[h] = f
	}
	return nil
}

// UnregisterInterface removes an interface from the registry, per §5's
// "shutdown tears down each non-local interface" and §4.7's "bound
// interface disappears" path.
func (e *Engine) UnregisterInterface(h core.DestHash) {
	e.ifacesMu.Lock()
	defer e.ifacesMu.Unlock()
	delete(e.ifaces, h)
	delete(e.framers, h)
}

func (e *Engine) interfaceByHash(h core.DestHash) transport.Interface {
	e.ifacesMu.RLock()
	defer e.ifacesMu.RUnlock()
	return e.ifaces[h]
}

func (e *Engine) interfaceByName(name string) transport.Interface {
	e.ifacesMu.RLock()
	defer e.ifacesMu.RUnlock()
	for _, iface := range e.ifaces {
		if iface.Name() == name {
			return iface
		}
	}
	return nil
}

func (e *Engine) isLiveInterfaceName(name string) bool {
	return e.interfaceByName(name) != nil
}

// eachInterface calls fn for every registered interface. fn must not call
// back into RegisterInterface/UnregisterInterface.
func (e *Engine) eachInterface(fn func(iface transport.Interface)) {
	e.ifacesMu.RLock()
	defer e.ifacesMu.RUnlock()
	for _, iface := range e.ifaces {
		fn(iface)
	}
}

// withJobsLock runs fn holding the single jobs lock that serializes every
// table operation, inbound/outbound dispatch, and the maintenance loop
// (§5). Packets produced by fn for transmission must be sent by the
// caller only after this returns, never from inside fn.
func (e *Engine) withJobsLock(fn func()) {
	e.jobsMu.Lock()
	defer e.jobsMu.Unlock()
	fn()
}

// Start begins the maintenance loop. The engine performs no other
// background work of its own: inbound/outbound dispatch runs on whatever
// goroutine the caller (an interface driver's read loop, or a direct
// Send call) supplies.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.maintenanceLoop(ctx)
	}()
}

// Stop cancels the maintenance loop and waits for it to exit. It does not
// detach interfaces; a host that wants the full §5 shutdown sequence calls
// DetachInterfaces itself once it's done sending.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// DetachInterfaces implements §5's shutdown sequence: every non-local-client
// interface is detached concurrently (a join barrier via errgroup.Group),
// then local-client interfaces are detached, after which all of them are
// removed from the registry. This repo has no shared-instance-master
// interface concept to tear down as a third tier — the only shared-instance
// surface in scope is the hop-spoofing behavior noted in §9 — so the
// sequence ends after local clients.
//
// No table operation may run after this returns; callers that also call
// Stop should do so first, since the maintenance loop still reads the
// interface registry on its 5s interface-jobs tick.
func (e *Engine) DetachInterfaces() error {
	e.ifacesMu.RLock()
	remote := make([]transport.Interface, 0, len(e.ifaces))
	local := make([]transport.Interface, 0)
	for _, iface := range e.ifaces {
		if iface.IsLocalClient() {
			local = append(local, iface)
		} else {
			remote = append(remote, iface)
		}
	}
	e.ifacesMu.RUnlock()

	var g errgroup.Group
	for _, iface := range remote {
		iface := iface
		g.Go(func() error {
			iface.Detach()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, iface := range local {
		iface.Detach()
	}

	e.ifacesMu.Lock()
	defer e.ifacesMu.Unlock()
	for h := range e.ifaces {
		delete(e.ifaces, h)
		delete(e.framers, h)
	}
	return nil
}

// maskForInterface masks raw for transmission on iface if it has an IFAC
// framer configured, otherwise returns raw unchanged.
func (e *Engine) maskForInterface(iface transport.Interface, raw []byte) ([]byte, error) {
	e.ifacesMu.RLock()
	f := e.framers[iface.GetHash()]
	e.ifacesMu.RUnlock()
	if f == nil {
		return raw, nil
	}
	return f.Mask(raw)
}

// unmaskFromInterface reverses maskForInterface. If iface requires IFAC
// but raw doesn't carry the flag, or vice versa, it returns an error and
// the caller must drop the packet (dropped-invalid, §7).
func (e *Engine) unmaskFromInterface(iface transport.Interface, raw []byte) ([]byte, error) {
	e.ifacesMu.RLock()
	f := e.framers[iface.GetHash()]
	e.ifacesMu.RUnlock()

	flagSet := len(raw) > 0 && raw[0]&codec.IFACFlag != 0
	if f == nil {
		if flagSet {
			return nil, fmt.Errorf("engine: IFAC flag set but %s has no IFAC identity", iface.Name())
		}
		return raw, nil
	}
	return f.Unmask(raw)
}

// sendOn packs and transmits pkt on iface, masking it first if iface
// requires IFAC.
func (e *Engine) sendOn(iface transport.Interface, pkt *codec.Packet) error {
	raw, err := pkt.Pack()
	if err != nil {
		return fmt.Errorf("engine: packing packet: %w", err)
	}
	masked, err := e.maskForInterface(iface, raw)
	if err != nil {
		return fmt.Errorf("engine: masking packet: %w", err)
	}
	return iface.ProcessOutgoing(masked)
}
