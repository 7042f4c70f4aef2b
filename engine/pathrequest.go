package engine

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/quillmesh/transport/core"
	"github.com/quillmesh/transport/core/codec"
	"github.com/quillmesh/transport/core/identity"
	"github.com/quillmesh/transport/core/tables"
	"github.com/quillmesh/transport/transport"
)

// discoveryRequester is the bookkeeping the engine keeps alongside a
// tables.DiscoveryPathRequests entry: who to answer, and with what tag,
// once a path for the pending destination is discovered (§4.6's
// "Answering a later matching announce for a pending discovery").
type discoveryRequester struct {
	IfaceName      string
	TransportID    core.TransportID
	HasTransportID bool
	Tag            []byte
}

// uniqueTagFor computes the §4.6 "unique_tag = dst ∥ tag" dedup key,
// hashed down to core.DestHashSize bytes since DestHash is the table's
// fixed key width.
func uniqueTagFor(dst core.DestHash, tag []byte) core.DestHash {
	h := sha256.New()
	h.Write(dst[:])
	h.Write(tag)
	sum := h.Sum(nil)
	var out core.DestHash
	copy(out[:], sum[:core.DestHashSize])
	return out
}

// RequestPath implements the outbound half of §4.6: broadcast (or send on
// a single chosen interface) a path-request payload for dst. Recursive
// calls (used internally while forwarding a discovery request onward)
// respect the destination interface's announce cap and drop silently if
// capped; top-level calls from a local client or host always go out.
func (e *Engine) RequestPath(dst core.DestHash, onIf transport.Interface, tag []byte, recursive bool) error {
	var err error
	e.withJobsLock(func() {
		err = e.requestPathLocked(dst, onIf, tag, recursive)
	})
	return err
}

func (e *Engine) requestPathLocked(dst core.DestHash, onIf transport.Interface, tag []byte, recursive bool) error {
	if len(tag) == 0 {
		t, rerr := identity.RandomBytes(core.DestHashSize)
		if rerr != nil {
			return fmt.Errorf("engine: generating path-request tag: %w", rerr)
		}
		tag = t
	}

	if e.pathRequestedAt == nil {
		e.pathRequestedAt = make(map[core.DestHash]time.Time)
	}
	e.pathRequestedAt[dst] = e.nowFn()

	if onIf != nil {
		return e.sendPathRequest(dst, onIf, tag, recursive)
	}

	var firstErr error
	e.eachInterface(func(iface transport.Interface) {
		if !iface.Out() || iface.Detached() {
			return
		}
		if serr := e.sendPathRequest(dst, iface, tag, recursive); serr != nil && firstErr == nil {
			firstErr = serr
		}
	})
	return firstErr
}

// sendPathRequest builds and sends one path-request packet on iface. When
// recursive, the announce cap gates delivery and a capped request is
// dropped silently rather than queued.
func (e *Engine) sendPathRequest(dst core.DestHash, iface transport.Interface, tag []byte, recursive bool) error {
	payload := make([]byte, 0, 2*core.DestHashSize+len(tag))
	payload = append(payload, dst[:]...)
	if e.cfg.TransportEnabled {
		payload = append(payload, e.selfID[:]...)
	}
	payload = append(payload, tag...)

	pkt := &codec.Packet{
		HeaderType:    codec.Header1,
		TransportType: codec.Broadcast,
		PacketType:    codec.Data,
		DestType:      codec.Plain,
		Context:       codec.CtxNone,
		Destination:   e.cfg.PathRequestDestination,
		Data:          payload,
	}

	if recursive && !e.withinAnnounceCap(iface, pkt) {
		return nil
	}
	return e.sendOn(iface, pkt)
}

// PathRequestHandler implements the inbound half of §4.6: the broadcast
// callback for the "path request" control destination. It parses the
// payload, deduplicates by unique_tag, and dispatches to pathRequest.
func (e *Engine) PathRequestHandler(pkt *codec.Packet, recvIf transport.Interface) {
	e.withJobsLock(func() {
		e.pathRequestHandlerLocked(pkt, recvIf)
	})
}

func (e *Engine) pathRequestHandlerLocked(pkt *codec.Packet, recvIf transport.Interface) {
	data := pkt.Data
	if len(data) < core.DestHashSize {
		return
	}
	var dst core.DestHash
	copy(dst[:], data[:core.DestHashSize])
	rest := data[core.DestHashSize:]

	var requestorID core.TransportID
	hasRequestor := false
	if len(rest) >= core.DestHashSize {
		copy(requestorID[:], rest[:core.DestHashSize])
		hasRequestor = true
		rest = rest[core.DestHashSize:]
	}
	if len(rest) == 0 {
		return // a tag is required
	}
	tag := rest
	if len(tag) > core.DestHashSize {
		tag = tag[:core.DestHashSize]
	}

	ut := uniqueTagFor(dst, tag)
	if e.TagRing.CheckAndAdd(ut) {
		return
	}

	e.pathRequestLocked(dst, false, recvIf, requestorID, hasRequestor, tag)
}

// pathRequest implements the per-destination decision tree of §4.6.
func (e *Engine) pathRequestLocked(dst core.DestHash, isFromLocalClient bool, attachedIf transport.Interface, requestorID core.TransportID, hasRequestor bool, tag []byte) {
	if e.cfg.IsLocalDestination != nil && e.cfg.IsLocalDestination(dst) {
		if e.cfg.AnnounceLocalDestination != nil {
			if pkt := e.cfg.AnnounceLocalDestination(dst, tag); pkt != nil {
				pkt.Context = codec.CtxPathResponse
				if parsed, ok := parseAnnounceData(pkt.Data); ok {
					e.admitAnnounce(pkt, parsed, attachedIf, true)
				}
			}
		}
		return
	}

	if entry := e.Paths.Get(dst); entry != nil {
		answeredByRequestor := hasRequestor && entry.NextHop == requestorID
		if !answeredByRequestor {
			e.respondFromPath(dst, entry, attachedIf, isFromLocalClient)
			return
		}
	}

	if isFromLocalClient {
		e.eachInterface(func(iface transport.Interface) {
			if iface == attachedIf {
				return
			}
			_ = e.sendPathRequest(dst, iface, tag, false)
		})
		return
	}

	if e.cfg.TransportEnabled && attachedIf != nil && e.interfacePermitsDiscovery(attachedIf) {
		e.Discovery.Set(dst)
		if e.discoveryRequesters == nil {
			e.discoveryRequesters = make(map[core.DestHash]discoveryRequester)
		}
		e.discoveryRequesters[dst] = discoveryRequester{
			IfaceName:      ifaceName(attachedIf),
			TransportID:    requestorID,
			HasTransportID: hasRequestor,
			Tag:            tag,
		}
		e.eachInterface(func(iface transport.Interface) {
			if iface == attachedIf {
				return
			}
			_ = e.sendPathRequest(dst, iface, tag, true)
		})
		return
	}

	e.eachInterface(func(iface transport.Interface) {
		if iface.IsLocalClient() {
			_ = e.sendPathRequest(dst, iface, tag, false)
		}
	})
}

// interfacePermitsDiscovery reports whether iface's mode allows recursive
// discovery of unknown destinations; access points serve clients directly
// and don't originate upstream discovery on behalf of others.
func (e *Engine) interfacePermitsDiscovery(iface transport.Interface) bool {
	return iface.Mode() != transport.ModeAccessPoint
}

// respondFromPath implements the "known in path_table" branch of §4.6: it
// rebuilds the cached announce as a PATH_RESPONSE, holding any live
// announce-table entry for dst for the duration of the response, and
// waits PATH_REQUEST_GRACE (plus PATH_REQUEST_RG more on a ROAMING
// answering interface) before sending — immediately for local clients.
func (e *Engine) respondFromPath(dst core.DestHash, entry *tables.PathEntry, attachedIf transport.Interface, isFromLocalClient bool) {
	if e.Announces.Get(dst) != nil {
		e.Announces.Hold(dst)
	}

	send := func() {
		e.withJobsLock(func() {
			pkt := e.announceCache[entry.AnnouncePacketHash]
			if pkt == nil {
				return
			}
			resp := pkt.WithHops(entry.Hops)
			resp.Context = codec.CtxPathResponse
			e.broadcastAnnounce(resp, ifaceName(attachedIf), true)
		})
	}

	if isFromLocalClient {
		send()
		return
	}

	delay := tables.PathRequestGrace
	if attachedIf != nil && attachedIf.Mode() == transport.ModeRoaming {
		delay += tables.PathRequestRG
	}
	time.AfterFunc(delay, send)
}

// answerDiscovery implements "answering a later matching announce for a
// pending discovery immediately emits a PATH_RESPONSE on the originating
// requester's interface," called from admitAnnounce once a new path entry
// lands for a destination this instance was discovering on someone else's
// behalf.
func (e *Engine) answerDiscovery(dst core.DestHash, entry *tables.PathEntry) {
	req, ok := e.discoveryRequesters[dst]
	if !ok {
		return
	}
	delete(e.discoveryRequesters, dst)
	e.Discovery.Delete(dst)

	pkt := e.announceCache[entry.AnnouncePacketHash]
	if pkt == nil {
		return
	}
	iface := e.interfaceByName(req.IfaceName)
	if iface == nil {
		return
	}
	resp := pkt.WithHops(entry.Hops)
	resp.Context = codec.CtxPathResponse
	_ = e.sendOn(iface, resp)
}
