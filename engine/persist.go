package engine

import (
	"fmt"

	"github.com/quillmesh/transport/core"
	"github.com/quillmesh/transport/core/codec"
	"github.com/quillmesh/transport/core/persist"
)

// Snapshot is the host-triggered persistence unit of §4.9: the packet
// hashlist (transport-enabled instances only), the path table, the tunnel
// table, and every announce packet either of the first two reference by
// hash. Writing the blobs to disk, and on what schedule, is the host's job;
// the engine only knows how to produce and consume them.
type Snapshot struct {
	Hashlist      []byte
	PathTable     []byte
	Tunnels       []byte
	AnnounceCache map[core.PacketHash][]byte
}

// Snapshot encodes the engine's current persistable state.
func (e *Engine) Snapshot() (*Snapshot, error) {
	var snap *Snapshot
	var err error
	e.withJobsLock(func() {
		snap, err = e.snapshotLocked()
	})
	return snap, err
}

func (e *Engine) snapshotLocked() (*Snapshot, error) {
	snap := &Snapshot{AnnounceCache: make(map[core.PacketHash][]byte, len(e.announceCache))}

	if e.cfg.TransportEnabled {
		hb, err := persist.MarshalHashlist(e.Hashlist.Snapshot())
		if err != nil {
			return nil, fmt.Errorf("engine: marshaling hashlist: %w", err)
		}
		snap.Hashlist = hb
	}

	pb, err := persist.MarshalPathTable(e.Paths)
	if err != nil {
		return nil, fmt.Errorf("engine: marshaling path table: %w", err)
	}
	snap.PathTable = pb

	tb, err := persist.MarshalTunnels(e.Tunnels, func(ifaceID string) string { return ifaceID })
	if err != nil {
		return nil, fmt.Errorf("engine: marshaling tunnels: %w", err)
	}
	snap.Tunnels = tb

	for hash, pkt := range e.announceCache {
		raw, err := pkt.Pack()
		if err != nil {
			continue
		}
		entry, err := persist.MarshalAnnounceCacheEntry(raw, "")
		if err != nil {
			continue
		}
		snap.AnnounceCache[hash] = entry
	}

	return snap, nil
}

// Restore loads a previously taken Snapshot, skipping (and reporting) any
// path whose interface is unknown or whose cached announce packet is
// missing, per §4.9.
func (e *Engine) Restore(snap *Snapshot) ([]persist.LoadWarning, error) {
	var warnings []persist.LoadWarning
	var err error
	e.withJobsLock(func() {
		warnings, err = e.restoreLocked(snap)
	})
	return warnings, err
}

func (e *Engine) restoreLocked(snap *Snapshot) ([]persist.LoadWarning, error) {
	if snap == nil {
		return nil, nil
	}

	cache := make(map[core.PacketHash]*codec.Packet, len(snap.AnnounceCache))
	for hash, blob := range snap.AnnounceCache {
		raw, _, err := persist.UnmarshalAnnounceCacheEntry(blob)
		if err != nil {
			continue
		}
		pkt, err := codec.Unpack(raw)
		if err != nil {
			continue
		}
		// A cached packet re-read from disk is semantically equivalent to
		// receiving it again, so its stored hop count advances by one.
		cache[hash] = pkt.WithHops(pkt.Hops + 1)
	}
	hasAnnounce := func(hash core.PacketHash) bool {
		_, ok := cache[hash]
		return ok
	}

	if e.cfg.TransportEnabled && len(snap.Hashlist) > 0 {
		hashes, err := persist.UnmarshalHashlist(snap.Hashlist)
		if err != nil {
			return nil, fmt.Errorf("engine: decoding hashlist: %w", err)
		}
		e.Hashlist.Restore(hashes)
	}

	paths, warnings, err := persist.UnmarshalPathTable(snap.PathTable, e.isLiveInterfaceName, hasAnnounce)
	if err != nil {
		return nil, fmt.Errorf("engine: decoding path table: %w", err)
	}
	for dst, entry := range paths {
		e.Paths.Set(dst, entry)
		if pkt, ok := cache[entry.AnnouncePacketHash]; ok {
			e.announceCache[entry.AnnouncePacketHash] = pkt
		}
	}

	resolveIfaceID := func(ifaceHash string) string {
		if e.isLiveInterfaceName(ifaceHash) {
			return ifaceHash
		}
		return ""
	}
	tunnels, err := persist.UnmarshalTunnels(snap.Tunnels, resolveIfaceID)
	if err != nil {
		return nil, fmt.Errorf("engine: decoding tunnels: %w", err)
	}
	for _, entry := range tunnels {
		for _, p := range entry.Paths {
			if pkt, ok := cache[p.AnnouncePacketHash]; ok {
				e.announceCache[p.AnnouncePacketHash] = pkt
			}
		}
	}
	e.Tunnels.Restore(tunnels)

	return warnings, nil
}
