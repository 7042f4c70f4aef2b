package engine

import (
	"crypto/ed25519"
	"math/rand/v2"
	"time"

	"github.com/quillmesh/transport/core"
	"github.com/quillmesh/transport/core/codec"
	"github.com/quillmesh/transport/core/identity"
	"github.com/quillmesh/transport/core/tables"
	"github.com/quillmesh/transport/transport"
)

// Announce appdata layout, parsed directly out of Packet.Data by the
// engine (codec leaves deeper payload semantics to its callers, per its
// package doc): identity pubkey(32) ∥ signing pubkey(32) ∥ name hash(10) ∥
// random blob(10) ∥ signature(64) ∥ optional application data.
const (
	announceIdentityKeySize = 32
	announceSigningKeySize  = 32
	announceNameHashSize    = 10
	announceRandomBlobSize  = 10
	announceFixedSize       = announceIdentityKeySize + announceSigningKeySize + announceNameHashSize + announceRandomBlobSize + ed25519.SignatureSize
)

// parsedAnnounce is the engine's decoded view of an ANNOUNCE packet's Data.
type parsedAnnounce struct {
	IdentityKey ed25519.PublicKey
	SigningKey  ed25519.PublicKey
	NameHash    []byte
	RandomBlob  []byte
	Signature   []byte
	AppData     []byte
}

func parseAnnounceData(data []byte) (*parsedAnnounce, bool) {
	if len(data) < announceFixedSize {
		return nil, false
	}
	i := 0
	a := &parsedAnnounce{}
	a.IdentityKey = ed25519.PublicKey(data[i : i+announceIdentityKeySize])
	i += announceIdentityKeySize
	a.SigningKey = ed25519.PublicKey(data[i : i+announceSigningKeySize])
	i += announceSigningKeySize
	a.NameHash = data[i : i+announceNameHashSize]
	i += announceNameHashSize
	a.RandomBlob = data[i : i+announceRandomBlobSize]
	i += announceRandomBlobSize
	a.Signature = data[i : i+ed25519.SignatureSize]
	i += ed25519.SignatureSize
	if i < len(data) {
		a.AppData = data[i:]
	}
	return a, true
}

// signedMessage is the byte sequence an announce's signature covers: an
// engine-internal convention (the identity module is consumed only as a
// capability set, per spec) but fixed and self-consistent across sign and
// verify call sites.
func (a *parsedAnnounce) signedMessage(dst core.DestHash) []byte {
	buf := make([]byte, 0, core.DestHashSize+announceIdentityKeySize+announceSigningKeySize+announceNameHashSize+announceRandomBlobSize)
	buf = append(buf, dst[:]...)
	buf = append(buf, a.IdentityKey...)
	buf = append(buf, a.SigningKey...)
	buf = append(buf, a.NameHash...)
	buf = append(buf, a.RandomBlob...)
	return buf
}

// verify reports whether the announce's signature validates against its
// own signing key.
func (a *parsedAnnounce) verify(dst core.DestHash) bool {
	return identity.Verify(a.SigningKey, a.signedMessage(dst), a.Signature) == nil
}

// timebaseFromRandomBlob extracts the 40-bit monotone emission timebase
// from offset [5..10) of a 10-byte random blob (§4.5, GLOSSARY).
func timebaseFromRandomBlob(blob []byte) uint64 {
	if len(blob) < 10 {
		return 0
	}
	var v uint64
	for _, b := range blob[5:10] {
		v = (v << 8) | uint64(b)
	}
	return v
}

// handleAnnounce implements §4.4's "Announce handling" together with the
// §4.5 admission algorithm. fromLocalClient marks an announce originated by
// a destination this instance hosts directly (retransmitted immediately,
// exactly once) rather than received from a remote interface.
func (e *Engine) handleAnnounce(pkt *codec.Packet, recvIf transport.Interface, fromLocalClient bool) FilterVerdict {
	parsed, ok := parseAnnounceData(pkt.Data)
	if !ok || !parsed.verify(pkt.Destination) {
		return DroppedInvalid
	}

	if !fromLocalClient && !e.Paths.Has(pkt.Destination) && recvIf != nil && recvIf.ShouldIngressLimit() {
		recvIf.HoldAnnounce(pkt)
		return DroppedPolicy
	}

	return e.admitAnnounce(pkt, parsed, recvIf, fromLocalClient)
}

// admitAnnounce runs §4.5 items 1-6 under the caller's jobs lock.
func (e *Engine) admitAnnounce(pkt *codec.Packet, parsed *parsedAnnounce, recvIf transport.Interface, fromLocalClient bool) FilterVerdict {
	if e.cfg.IsLocalDestination != nil && e.cfg.IsLocalDestination(pkt.Destination) {
		return DroppedPolicy
	}
	if pkt.Hops > tables.PathfinderM {
		return DroppedPolicy
	}

	now := e.nowFn()
	existing := e.Paths.Get(pkt.Destination)
	// pkt.Hops was already incremented once by receiveLocked's inbound hop
	// bump; the stored path distance is that value directly, not one more
	// (an announce received at hops=0 and bumped to 1 is one hop away).
	newHops := pkt.Hops
	blobNew := existing == nil || !hasRandomBlob(existing, parsed.RandomBlob)

	e.observeRebroadcast(pkt.Destination, newHops, fromLocalClient)

	if existing != nil {
		E := timebaseFromRandomBlob(parsed.RandomBlob)
		T := existing.Timebase(timebaseFromRandomBlob)
		state := e.PathStates.Get(pkt.Destination)

		admitted := false
		switch {
		case newHops < existing.Hops:
			admitted = blobNew && E > T
		case newHops == existing.Hops:
			admitted = blobNew && E > T
		default: // newHops > existing.Hops
			expired := now.After(existing.Expires)
			admitted = (expired && blobNew) || (E > T && blobNew) || (E == T && state == tables.PathUnresponsive)
		}
		if !admitted {
			return DroppedPolicy
		}
	}

	// MaxPathEntries bounds table growth for a brand-new destination; an
	// update to an already-tracked destination is never refused, matching
	// the original's lack of LRU eviction (SPEC_FULL.md §D.3).
	if existing == nil && e.cfg.MaxPathEntries > 0 && e.Paths.Len() >= e.cfg.MaxPathEntries {
		return DroppedPolicy
	}

	rateBlocked := false
	if recvIf != nil && recvIf.AnnounceRateTarget() > 0 {
		rateBlocked = e.Rates.Evaluate(pkt.Destination, recvIf.AnnounceRateTarget(), recvIf.AnnounceRateGrace(), recvIf.AnnounceRatePenalty())
	}

	entry := &tables.PathEntry{
		Timestamp:          now,
		NextHop:            pkt.NextHop,
		Hops:               newHops,
		RandomBlobs:        existingBlobs(existing),
		ReceivingInterface: ifaceName(recvIf),
		AnnouncePacketHash: mustHash(pkt),
	}
	entry.AddRandomBlob(parsed.RandomBlob)
	entry.Expires = now.Add(tables.ExpiryFor(tableMode(recvIf)))
	e.Paths.Set(pkt.Destination, entry)

	if recvIf != nil && !recvIf.TunnelID().IsZero() {
		if tunnel, _ := e.Tunnels.GetOrCreate(recvIf.TunnelID()); tunnel != nil {
			tunnel.Paths[pkt.Destination] = entry
		}
	}

	e.announceCache[entry.AnnouncePacketHash] = pkt
	e.answerDiscovery(pkt.Destination, entry)

	if rateBlocked {
		return Admitted
	}
	if pkt.Context == codec.CtxPathResponse {
		return Admitted
	}
	if !e.cfg.TransportEnabled && !fromLocalClient {
		return Admitted
	}

	e.scheduleRebroadcast(pkt.Destination, pkt, newHops, recvIf, fromLocalClient)
	return Admitted
}

func hasRandomBlob(e *tables.PathEntry, blob []byte) bool {
	for _, b := range e.RandomBlobs {
		if len(b) == len(blob) {
			match := true
			for i := range b {
				if b[i] != blob[i] {
					match = false
					break
				}
			}
			if match {
				return true
			}
		}
	}
	return false
}

func existingBlobs(e *tables.PathEntry) [][]byte {
	if e == nil {
		return nil
	}
	out := make([][]byte, len(e.RandomBlobs))
	copy(out, e.RandomBlobs)
	return out
}

func ifaceName(iface transport.Interface) string {
	if iface == nil {
		return ""
	}
	return iface.Name()
}

func tableMode(iface transport.Interface) tables.InterfaceMode {
	if iface == nil {
		return tables.ModeFull
	}
	switch iface.Mode() {
	case transport.ModeAccessPoint:
		return tables.ModeAccessPoint
	case transport.ModeRoaming:
		return tables.ModeRoaming
	case transport.ModeGateway:
		return tables.ModeGateway
	case transport.ModeBoundary:
		return tables.ModeBoundary
	default:
		return tables.ModeFull
	}
}

func mustHash(pkt *codec.Packet) core.PacketHash {
	h, err := pkt.Hash()
	if err != nil {
		return core.PacketHash{}
	}
	return h
}

// observeRebroadcast implements §4.5 item 6: when a further rebroadcast of
// the same announce arrives one hop further out than what we have pending,
// count it as evidence our own retransmission reached the network and drop
// the pending schedule once that's happened LocalRebroadcastsMax times, or
// immediately if it arrives from another node after our own transmission.
func (e *Engine) observeRebroadcast(dst core.DestHash, newHops uint8, fromLocalClient bool) {
	if fromLocalClient {
		return
	}
	pending := e.Announces.Get(dst)
	if pending == nil {
		return
	}
	if newHops == pending.Hops+1 {
		pending.LocalRebroadcasts++
		if pending.LocalRebroadcasts >= tables.LocalRebroadcastsMax {
			e.Announces.Delete(dst)
			return
		}
	}
	if pending.Retries > 0 {
		e.Announces.Delete(dst)
	}
}

// scheduleRebroadcast implements §4.5 item 5: schedule a grace-jittered
// rebroadcast, or send immediately exactly once for a locally originated
// announce. It does not touch held_announces; parking a live entry there
// ahead of a path-request response is done by respondFromPath.
func (e *Engine) scheduleRebroadcast(dst core.DestHash, pkt *codec.Packet, hops uint8, recvIf transport.Interface, fromLocalClient bool) {
	// MaxAnnounceEntries bounds the pending-rebroadcast table the same way
	// MaxPathEntries bounds the path table: a brand-new schedule is refused
	// once at capacity, an existing one is always allowed to be replaced.
	if e.Announces.Get(dst) == nil && e.cfg.MaxAnnounceEntries > 0 && e.Announces.LiveLen() >= e.cfg.MaxAnnounceEntries {
		return
	}

	now := e.nowFn()
	entry := &tables.AnnounceEntry{
		Timestamp:         now,
		Hops:              hops,
		Packet:            pkt,
		BlockRebroadcasts: pkt.Context == codec.CtxPathResponse,
		AttachedInterface: ifaceName(recvIf),
	}
	if recvIf != nil {
		entry.ReceivedFrom = pkt.NextHop
	}

	if fromLocalClient {
		entry.Retries = tables.PathfinderR + 1
		entry.RetransmitAt = now
		e.Announces.Set(dst, entry)
		e.emitRebroadcast(entry)
		return
	}

	jitter := time.Duration(rand.Float64() * float64(tables.PathfinderRW))
	entry.RetransmitAt = now.Add(jitter)
	e.Announces.Set(dst, entry)
}

// emitRebroadcast actually queues/sends the stored announce packet for
// rebroadcast, honoring per-interface announce-cap queueing (§4.3 item 3).
func (e *Engine) emitRebroadcast(entry *tables.AnnounceEntry) {
	if entry.Packet == nil {
		return
	}
	out := entry.Packet.WithHops(entry.Hops)
	e.broadcastAnnounce(out, entry.AttachedInterface, entry.BlockRebroadcasts)
}

// checkAnnounceRetries implements §4.5 item 7, called from the maintenance
// loop once per AnnouncesCheckInterval.
func (e *Engine) checkAnnounceRetries() {
	now := e.nowFn()
	var toRebroadcast []*tables.AnnounceEntry
	var toRemove []core.DestHash

	e.Announces.ForEachLive(func(dst core.DestHash, entry *tables.AnnounceEntry) bool {
		if entry.Retries > tables.PathfinderR {
			toRemove = append(toRemove, dst)
			return true
		}
		if now.After(entry.RetransmitAt) {
			ctxPkt := entry.Packet
			if entry.BlockRebroadcasts {
				ctxPkt = ctxPkt.Clone()
				ctxPkt.Context = codec.CtxPathResponse
			} else {
				ctxPkt = ctxPkt.Clone()
				ctxPkt.Context = codec.CtxNone
			}
			toRebroadcast = append(toRebroadcast, &tables.AnnounceEntry{
				Hops:              entry.Hops,
				Packet:            ctxPkt,
				AttachedInterface: entry.AttachedInterface,
				BlockRebroadcasts: entry.BlockRebroadcasts,
			})
			entry.RetransmitAt = entry.RetransmitAt.Add(tables.PathfinderG + tables.PathfinderRW)
			entry.Retries++
		}
		return true
	})

	for _, dst := range toRemove {
		e.Announces.Delete(dst)
	}
	for _, entry := range toRebroadcast {
		e.emitRebroadcast(entry)
	}
}

// broadcastAnnounce sends pkt on every eligible interface, applying §4.3
// item 3's mode policy and announce cap.
func (e *Engine) broadcastAnnounce(pkt *codec.Packet, attachedInterface string, blockRebroadcasts bool) {
	e.eachInterface(func(iface transport.Interface) {
		if !iface.Out() || iface.Detached() {
			return
		}
		if attachedInterface != "" && iface.Name() != attachedInterface {
			return
		}
		if !e.announceAllowedOn(iface, blockRebroadcasts) {
			return
		}
		if !e.withinAnnounceCap(iface, pkt) {
			return
		}
		_ = e.sendOn(iface, pkt)
		iface.SentAnnounce()
	})
}

// announceAllowedOn implements the mode policy half of §4.3 item 3:
// ACCESS_POINT interfaces never re-broadcast announces; ROAMING interfaces
// send only path-response announces (blockRebroadcasts); BOUNDARY
// interfaces send every announce. Neither check looks at whether the
// destination is registered locally or at the mode of the interface its
// path's next hop is on.
func (e *Engine) announceAllowedOn(iface transport.Interface, blockRebroadcasts bool) bool {
	switch iface.Mode() {
	case transport.ModeAccessPoint:
		return false
	case transport.ModeRoaming, transport.ModeBoundary:
		return blockRebroadcasts || iface.Mode() != transport.ModeRoaming
	default:
		return true
	}
}

// announceQueuer is the subset of *transport.BaseInterface's promoted
// methods the announce cap needs; concrete drivers satisfy it by embedding
// *transport.BaseInterface.
type announceQueuer interface {
	QueueAnnounce(*codec.Packet)
	DrainAnnounceQueue() []*codec.Packet
	AnnounceAllowedAt() time.Time
	SetAnnounceAllowedAt(time.Time)
}

// withinAnnounceCap implements the announce-cap half of §4.3 item 3: if the
// interface isn't yet allowed to send another announce (tx_time/bitrate-
// derived wait_time since the last one), the packet is queued instead,
// collapsing duplicates by destination, for the interface-jobs maintenance
// tick to drain once AnnounceAllowedAt passes.
func (e *Engine) withinAnnounceCap(iface transport.Interface, pkt *codec.Packet) bool {
	aq, ok := iface.(announceQueuer)
	if !ok || iface.Bitrate() <= 0 {
		return true
	}

	now := e.nowFn()
	if now.Before(aq.AnnounceAllowedAt()) {
		aq.QueueAnnounce(pkt)
		return false
	}

	raw, err := pkt.Pack()
	if err == nil {
		txTime := time.Duration(len(raw)) * 8 * time.Second / time.Duration(iface.Bitrate())
		waitTime := time.Duration(float64(txTime) / announceCap)
		aq.SetAnnounceAllowedAt(now.Add(waitTime))
	}
	return true
}

// announceCap is the fraction of an interface's airtime announces may use;
// an announce's transmit time divided by it gives the inter-announce
// wait_time (§4.3 item 3). The spec names the quantity but not its value;
// 1/16 keeps announce traffic to roughly 1/16th of an interface's airtime
// budget, matching the proportion Reticulum's default interfaces use.
const announceCap = 1.0 / 16
