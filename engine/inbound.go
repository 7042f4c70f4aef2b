package engine

import (
	"crypto/ed25519"
	"time"

	"github.com/quillmesh/transport/core"
	"github.com/quillmesh/transport/core/codec"
	"github.com/quillmesh/transport/core/identity"
	"github.com/quillmesh/transport/core/tables"
	"github.com/quillmesh/transport/transport"
)

// extraLinkProofTimeout is the per-receiving-interface allowance §4.4 adds
// on top of EST_TIMEOUT_PER_HOP when computing a transit link-request's
// proof_timeout. The spec names the quantity but not its value; a flat
// allowance is used here rather than a medium-specific one since no
// interface attribute for it is defined in the Interface contract.
const extraLinkProofTimeout = 2 * time.Second

func extraLinkProofTimeoutFor(transport.Interface) time.Duration { return extraLinkProofTimeout }

// MTU signalling suffix: a link-request payload optionally ends with this
// 4-byte marker (0xFE followed by a big-endian 24-bit MTU) appended by an
// endpoint that supports autoconfigured/fixed MTU. An engine-internal wire
// convention, not specified further upstream.
const (
	mtuSuffixMarker = 0xFE
	mtuSuffixSize   = 4
)

func decodeMTUSuffix(data []byte) (base []byte, mtu int, present bool) {
	if len(data) < mtuSuffixSize || data[len(data)-mtuSuffixSize] != mtuSuffixMarker {
		return data, 0, false
	}
	suffix := data[len(data)-mtuSuffixSize+1:]
	mtu = int(suffix[0])<<16 | int(suffix[1])<<8 | int(suffix[2])
	return data[:len(data)-mtuSuffixSize], mtu, true
}

func encodeMTUSuffix(base []byte, mtu int) []byte {
	out := make([]byte, 0, len(base)+mtuSuffixSize)
	out = append(out, base...)
	out = append(out, mtuSuffixMarker, byte(mtu>>16), byte(mtu>>8), byte(mtu))
	return out
}

// LRPROOF payload layout: link_id(16) ∥ peer_pub(32) ∥ peer_sig_pub(32) ∥
// signalling(variable) ∥ signature(64). Self-contained like an announce's
// signed message: the embedded signing key is what the signature is
// checked against, not an externally looked-up identity.
const (
	lrProofLinkIDSize     = core.DestHashSize
	lrProofPeerPubSize    = 32
	lrProofPeerSigPubSize = 32
)

func verifyLRProof(pkt *codec.Packet) bool {
	data := pkt.Data
	fixed := lrProofLinkIDSize + lrProofPeerPubSize + lrProofPeerSigPubSize
	if len(data) < fixed+ed25519.SignatureSize {
		return false
	}
	sigPub := data[lrProofLinkIDSize+lrProofPeerPubSize : fixed]
	signed := data[:len(data)-ed25519.SignatureSize]
	sig := data[len(data)-ed25519.SignatureSize:]
	return identity.Verify(sigPub, signed, sig) == nil
}

// Receive is the entry point an interface driver's read loop calls for
// every unmasked, decoded inbound packet.
func (e *Engine) Receive(pkt *codec.Packet, recvIf transport.Interface) {
	e.withJobsLock(func() {
		e.receiveLocked(pkt, recvIf)
	})
}

// receiveLocked implements §4.4 end to end: filter, then dispatch in the
// order its bullets describe. Each branch returns once it has fully
// handled the packet.
func (e *Engine) receiveLocked(pkt *codec.Packet, recvIf transport.Interface) {
	fromLocalClient := recvIf != nil && recvIf.IsLocalClient()

	verdict, _ := e.packetFilter(pkt, false)
	if verdict != Admitted {
		e.log.Debug("dropped packet", "verdict", verdict.String(), "dest", pkt.Destination)
		return
	}
	pkt.Hops++

	// Shared-instance hop spoofing (spec.md §9, SPEC_FULL.md §D.1): a packet
	// arriving on a local-client interface is about to be one hop further
	// from that client's perspective than it actually is, since the client
	// is reached through this instance at no real transport cost. Canceling
	// the increment above makes the client's destinations appear directly
	// reachable rather than accumulating hops for every local hand-off.
	if fromLocalClient && pkt.Hops > 0 {
		pkt.Hops--
	}

	if pkt.PacketType == codec.Announce {
		e.handleAnnounce(pkt, recvIf, fromLocalClient)
		return
	}

	if pkt.DestType == codec.Plain && !e.isControlDestination(pkt.Destination) {
		e.mirrorPlainBroadcast(pkt, recvIf, fromLocalClient)
		return
	}
	if pkt.Destination == e.cfg.PathRequestDestination {
		e.pathRequestHandlerLocked(pkt, recvIf)
		return
	}
	if pkt.Destination == e.cfg.TunnelSynthesizeDestination {
		e.tunnelSynthesizeHandlerLocked(pkt, recvIf)
		return
	}

	if entry := e.Links.Get(linkIDFromDest(pkt)); entry != nil &&
		pkt.PacketType != codec.LinkRequest && pkt.Context != codec.CtxLRProof {
		e.forwardLinkTraffic(pkt, entry, recvIf)
		return
	}

	if pkt.PacketType == codec.Proof && pkt.Context == codec.CtxLRProof {
		e.forwardLRProof(pkt, recvIf)
		return
	}

	if pkt.TransportType == codec.Transport && pkt.NextHop == e.selfID && pkt.PacketType != codec.Announce {
		if entry := e.Paths.Get(pkt.Destination); entry != nil {
			e.forwardTransitData(pkt, entry, recvIf)
			return
		}
	}

	isLocal := e.cfg.IsLocalDestination != nil && e.cfg.IsLocalDestination(pkt.Destination)

	// The previous hop strips the transport header for a destination it
	// sees at hops==0 (a client-spoofed path entry, per the hop-spoofing
	// note above), since that destination looks directly reachable to it.
	// Reinsert this instance's own transport ID so the ordinary forwarding
	// logic above still has a next-hop to key off of on a later pass.
	if pkt.NextHop.IsZero() && pkt.PacketType != codec.Announce {
		if entry := e.Paths.Get(pkt.Destination); entry != nil && entry.Hops == 0 {
			pkt.NextHop = e.selfID
		}
	}

	if pkt.PacketType == codec.LinkRequest && isLocal {
		e.deliverLinkRequestLocal(pkt, recvIf)
		return
	}

	if pkt.PacketType == codec.Data && isLocal {
		e.deliverDataLocal(pkt, recvIf)
		return
	}

	if pkt.PacketType == codec.Proof && pkt.Context != codec.CtxLRProof {
		e.forwardProof(pkt, recvIf)
		return
	}
}

func (e *Engine) isControlDestination(dst core.DestHash) bool {
	if dst == e.cfg.PathRequestDestination || dst == e.cfg.TunnelSynthesizeDestination {
		return true
	}
	if e.cfg.IsControlDestination != nil {
		return e.cfg.IsControlDestination(dst)
	}
	return false
}

// mirrorPlainBroadcast implements "Plain broadcast from a local client:
// mirror to all non-originator interfaces; if from a non-local origin,
// mirror to all local-client interfaces."
func (e *Engine) mirrorPlainBroadcast(pkt *codec.Packet, recvIf transport.Interface, fromLocalClient bool) {
	origin := ifaceName(recvIf)
	e.eachInterface(func(iface transport.Interface) {
		if !iface.Out() || iface.Detached() || ifaceName(iface) == origin {
			return
		}
		if fromLocalClient || iface.IsLocalClient() {
			_ = e.sendOn(iface, pkt.Clone())
		}
	})
}

// forwardTransitData implements §4.4's "Transit data" bullet.
func (e *Engine) forwardTransitData(pkt *codec.Packet, entry *tables.PathEntry, recvIf transport.Interface) {
	outIface := e.interfaceByName(entry.ReceivingInterface)
	if outIface == nil {
		return
	}

	out := pkt.Clone()
	remaining := entry.Hops
	switch {
	case remaining > 1:
		out.NextHop = entry.NextHop
	case remaining == 1:
		out.HeaderType = codec.Header1
		out.TransportType = codec.Broadcast
	}

	if pkt.PacketType == codec.LinkRequest {
		e.registerTransitLink(pkt, out, recvIf, outIface, remaining)
	} else if truncHash, err := pkt.TruncatedHash(); err == nil {
		e.Reverse.Set(truncHash, ifaceName(recvIf), ifaceName(outIface))
	}

	_ = e.sendOn(outIface, out)
}

// registerTransitLink implements the LINKREQUEST half of §4.4's "Transit
// data" bullet: proof_timeout, MTU clamp/signalling, and a new link-table
// entry.
func (e *Engine) registerTransitLink(orig, out *codec.Packet, recvIf, outIface transport.Interface, remainingHops uint8) {
	timeoutHops := remainingHops
	if timeoutHops < 1 {
		timeoutHops = 1
	}
	proofTimeout := e.nowFn().Add(tables.EstTimeoutPerHop*time.Duration(timeoutHops) + extraLinkProofTimeoutFor(recvIf))

	base, reqMTU, hasMTU := decodeMTUSuffix(out.Data)
	if hasMTU && recvIf != nil && recvIf.AutoconfigureMTU() && outIface.AutoconfigureMTU() {
		clamped := reqMTU
		if hw := outIface.HWMTU(); hw > 0 && hw < clamped {
			clamped = hw
		}
		out.Data = encodeMTUSuffix(base, clamped)
	} else {
		out.Data = base
	}

	e.Links.Set(linkIDFromDest(orig), &tables.LinkEntry{
		Timestamp:          e.nowFn(),
		NextHopTransportID: out.NextHop,
		NextHopIf:          ifaceName(outIface),
		RemainingHops:      remainingHops,
		ReceivedIf:         ifaceName(recvIf),
		TakenHops:          orig.Hops,
		DestinationHash:    orig.Destination,
		Validated:          false,
		ProofTimeout:       proofTimeout,
	})
}

// forwardLinkTraffic implements §4.4's "Transit link traffic" bullet: a
// non-announce, non-linkrequest, non-LRPROOF packet whose destination (as
// a link ID) matches a live link entry is directed onto the other side of
// the link, guarded by the matching hop-count check.
func (e *Engine) forwardLinkTraffic(pkt *codec.Packet, entry *tables.LinkEntry, recvIf transport.Interface) {
	recvName := ifaceName(recvIf)
	var outName string
	var match bool

	switch {
	case entry.NextHopIf == entry.ReceivedIf:
		match = pkt.Hops == entry.RemainingHops || pkt.Hops == entry.TakenHops
		outName = entry.NextHopIf
	case recvName == entry.NextHopIf:
		match = pkt.Hops == entry.RemainingHops
		outName = entry.ReceivedIf
	case recvName == entry.ReceivedIf:
		match = pkt.Hops == entry.TakenHops
		outName = entry.NextHopIf
	}
	if !match {
		return
	}

	outIface := e.interfaceByName(outName)
	if outIface == nil {
		return
	}
	if hash, err := pkt.Hash(); err == nil {
		e.Hashlist.Add(hash)
	}
	if err := e.sendOn(outIface, pkt.Clone()); err == nil {
		entry.Timestamp = e.nowFn()
	}
}

// forwardLRProof implements §4.4's "Link-request proof transit" bullet.
func (e *Engine) forwardLRProof(pkt *codec.Packet, recvIf transport.Interface) {
	entry := e.Links.Get(linkIDFromDest(pkt))
	if entry == nil || pkt.Hops != entry.RemainingHops || ifaceName(recvIf) != entry.NextHopIf {
		return
	}
	if !verifyLRProof(pkt) {
		return
	}

	e.Links.Validate(linkIDFromDest(pkt))
	outIface := e.interfaceByName(entry.ReceivedIf)
	if outIface == nil {
		return
	}
	if hash, err := pkt.Hash(); err == nil {
		e.Hashlist.Add(hash)
	}
	_ = e.sendOn(outIface, pkt.Clone())
}

// deliverLinkRequestLocal implements §4.4's "Link-request to local
// destination" bullet.
func (e *Engine) deliverLinkRequestLocal(pkt *codec.Packet, recvIf transport.Interface) {
	if e.cfg.DeliverLinkRequest == nil {
		return
	}
	base, reqMTU, hasMTU := decodeMTUSuffix(pkt.Data)
	out := pkt.Clone()
	if hasMTU && recvIf != nil && recvIf.AutoconfigureMTU() {
		clamped := reqMTU
		if hw := recvIf.HWMTU(); hw > 0 && hw < clamped {
			clamped = hw
		}
		out.Data = encodeMTUSuffix(base, clamped)
	} else {
		out.Data = base
	}
	e.cfg.DeliverLinkRequest(out, recvIf)
}

// deliverDataLocal implements §4.4's "Data to local destination" bullet.
// The host's proof strategy (PROVE_ALL/PROVE_APP) lives behind the
// DeliverData callback; if it returns a proof packet, the engine sends it
// back out for transit nodes' reverse-table entries to route home.
func (e *Engine) deliverDataLocal(pkt *codec.Packet, recvIf transport.Interface) {
	if e.cfg.DeliverData == nil {
		return
	}
	if proof := e.cfg.DeliverData(pkt, recvIf); proof != nil {
		_ = e.broadcastFallback(proof)
	}
}

// forwardProof implements §4.4's "Proof (non-LRPROOF)" bullet: forward
// along the reverse path if known, then attempt to resolve an outstanding
// local receipt, explicit match first.
func (e *Engine) forwardProof(pkt *codec.Packet, recvIf transport.Interface) {
	if entry := e.Reverse.Get(pkt.Destination); entry != nil && ifaceName(recvIf) == entry.OutboundIf {
		if outIface := e.interfaceByName(entry.ReceivedIf); outIface != nil {
			e.Reverse.Consume(pkt.Destination)
			if hash, err := pkt.Hash(); err == nil {
				e.Hashlist.Add(hash)
			}
			_ = e.sendOn(outIface, pkt.Clone())
		}
	}
	e.resolveReceipts(pkt)
}

func (e *Engine) resolveReceipts(pkt *codec.Packet) {
	if len(pkt.Data) >= core.PacketHashSize {
		var explicit core.PacketHash
		copy(explicit[:], pkt.Data[:core.PacketHashSize])
		if e.Receipts.ResolveExplicit(explicit) {
			return
		}
	}
	e.Receipts.ResolveImplicit(func(r *Receipt) bool {
		return r.PacketHash.Truncated() == pkt.Destination
	})
}
