package engine

import (
	"github.com/quillmesh/transport/core"
	"github.com/quillmesh/transport/core/codec"
)

// linkIDFromDest reinterprets a packet's destination hash as a link ID;
// both are truncated identity hashes of the same width, and the link
// table is keyed by destination hash when a packet's destination type is
// LINK.
func linkIDFromDest(pkt *codec.Packet) core.LinkID {
	return core.LinkID(pkt.Destination)
}

// FilterVerdict explains why packet_filter admitted or dropped a packet,
// used for Debug-level drop-reason logging (§7).
type FilterVerdict int

const (
	Admitted FilterVerdict = iota
	DroppedInvalid
	DroppedDuplicate
	DroppedLoop
	DroppedPolicy
)

func (v FilterVerdict) String() string {
	switch v {
	case Admitted:
		return "admitted"
	case DroppedInvalid:
		return "dropped-invalid"
	case DroppedDuplicate:
		return "dropped-duplicate"
	case DroppedLoop:
		return "dropped-loop"
	case DroppedPolicy:
		return "dropped-policy"
	default:
		return "unknown"
	}
}

// packetFilter implements §4.2's admission predicate. hashAlreadyAdded
// reports whether the caller has already inserted pkt's hash into the
// hashlist (deferred-insertion packets: link-transit and LRPROOF traffic
// insert later, once the forwarding decision is known).
func (e *Engine) packetFilter(pkt *codec.Packet, fromSharedInstanceChild bool) (FilterVerdict, bool) {
	if !fromSharedInstanceChild && pkt.TransportType == codec.Transport && pkt.NextHop != e.selfID && pkt.PacketType != codec.Announce {
		return DroppedInvalid, false
	}

	if pkt.Context.IsLinkProtocol() {
		return Admitted, true
	}

	if pkt.DestType == codec.Plain || pkt.DestType == codec.Group {
		if pkt.PacketType == codec.Announce {
			return DroppedPolicy, false
		}
		if pkt.Hops > 1 {
			return DroppedLoop, false
		}
	}

	hash, err := pkt.Hash()
	if err != nil {
		return DroppedInvalid, false
	}

	if pkt.PacketType == codec.Announce && pkt.DestType != codec.Single {
		return DroppedPolicy, false
	}

	if e.Hashlist.Seen(hash) {
		return DroppedDuplicate, false
	}

	// Deferred insertion: link-transit (destination matches a live link
	// entry) and link-request proof (LRPROOF) packets add their hash only
	// once the forwarding decision confirms this hop handles them; the
	// inbound dispatcher calls Hashlist.Add itself in those branches. An
	// ordinary (non-LRPROOF) proof is not deferred — it has no later
	// Hashlist.Add of its own on the local-delivery/receipt-resolution path,
	// so it must be deduplicated here like any other packet.
	deferInsertion := e.Links.Get(linkIDFromDest(pkt)) != nil || pkt.Context == codec.CtxLRProof
	if !deferInsertion {
		e.Hashlist.Add(hash)
	}
	return Admitted, !deferInsertion
}
