package engine

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"github.com/quillmesh/transport/core"
	"github.com/quillmesh/transport/core/codec"
	"github.com/quillmesh/transport/core/identity"
	"github.com/quillmesh/transport/core/tables"
	"github.com/quillmesh/transport/transport"
)

// tunnelPubKeySize and tunnelRandomSize are the synthesize payload's
// public-key and random-blob widths (§4.7).
const (
	tunnelPubKeySize = 32
	tunnelRandomSize = 10
)

// tunnelID hashes pub ∥ ifHash down to core.DestHash's width, matching
// hash(public_key ∥ interface_hash) from §4.7.
func tunnelID(pub []byte, ifHash core.DestHash) core.DestHash {
	h := sha256.New()
	h.Write(pub)
	h.Write(ifHash[:])
	sum := h.Sum(nil)
	var out core.DestHash
	copy(out[:], sum[:core.DestHashSize])
	return out
}

// SynthesizeTunnel broadcasts a tunnel-synthesize packet for iface on
// every other eligible interface: data = pub ∥ if_hash ∥ random ∥
// sign(pub ∥ if_hash ∥ random), to the reserved control destination
// (rnstransport, tunnel, synthesize).
func (e *Engine) SynthesizeTunnel(iface transport.Interface) error {
	random, err := identity.RandomBytes(tunnelRandomSize)
	if err != nil {
		return fmt.Errorf("engine: generating tunnel-synthesize random blob: %w", err)
	}

	ifHash := iface.GetHash()
	pub := []byte(e.cfg.Identity.PublicKey)

	msg := make([]byte, 0, len(pub)+core.DestHashSize+tunnelRandomSize)
	msg = append(msg, pub...)
	msg = append(msg, ifHash[:]...)
	msg = append(msg, random...)
	sig := e.cfg.Identity.Sign(msg)

	data := make([]byte, 0, len(msg)+len(sig))
	data = append(data, msg...)
	data = append(data, sig...)

	pkt := &codec.Packet{
		HeaderType:    codec.Header1,
		TransportType: codec.Broadcast,
		PacketType:    codec.Data,
		DestType:      codec.Plain,
		Context:       codec.CtxNone,
		Destination:   e.cfg.TunnelSynthesizeDestination,
		Data:          data,
	}

	var sendErr error
	e.withJobsLock(func() {
		e.eachInterface(func(out transport.Interface) {
			if out == iface || !out.Out() || out.Detached() {
				return
			}
			if serr := e.sendOn(out, pkt); serr != nil && sendErr == nil {
				sendErr = serr
			}
		})
	})
	return sendErr
}

// TunnelSynthesizeHandler is the broadcast callback for the tunnel-
// synthesize control destination: validate the signature, then hand off
// to handleTunnel.
func (e *Engine) TunnelSynthesizeHandler(pkt *codec.Packet, recvIf transport.Interface) {
	data := pkt.Data
	if len(data) < tunnelPubKeySize+core.DestHashSize+tunnelRandomSize+ed25519.SignatureSize {
		return
	}
	pub := data[:tunnelPubKeySize]
	i := tunnelPubKeySize
	var ifHash core.DestHash
	copy(ifHash[:], data[i:i+core.DestHashSize])
	i += core.DestHashSize
	i += tunnelRandomSize
	sig := data[i:]

	if err := identity.Verify(pub, data[:i], sig); err != nil {
		return
	}

	id := tunnelID(pub, ifHash)
	e.withJobsLock(func() {
		e.handleTunnelLocked(id, recvIf)
	})
}

// tunnelSynthesizeHandlerLocked is TunnelSynthesizeHandler's body, exposed
// for the inbound dispatcher (which already holds the jobs lock) to call
// directly instead of going back through the public, lock-taking entry
// point.
func (e *Engine) tunnelSynthesizeHandlerLocked(pkt *codec.Packet, recvIf transport.Interface) {
	data := pkt.Data
	if len(data) < tunnelPubKeySize+core.DestHashSize+tunnelRandomSize+ed25519.SignatureSize {
		return
	}
	pub := data[:tunnelPubKeySize]
	i := tunnelPubKeySize
	var ifHash core.DestHash
	copy(ifHash[:], data[i:i+core.DestHashSize])
	i += core.DestHashSize
	i += tunnelRandomSize
	sig := data[i:]

	if err := identity.Verify(pub, data[:i], sig); err != nil {
		return
	}

	e.handleTunnelLocked(tunnelID(pub, ifHash), recvIf)
}

// handleTunnel implements §4.7's handle_tunnel: create the entry if new,
// otherwise rebind its interface and refresh expiry, then walk the
// tunnel's stored paths and restore each one that isn't shadowed by a
// better live path, with receiving_interface set to the reappearing
// tunnel interface.
func (e *Engine) handleTunnelLocked(id core.DestHash, recvIf transport.Interface) {
	entry, created := e.Tunnels.GetOrCreate(id)
	if !created {
		e.Tunnels.Rebind(id, ifaceName(recvIf))
	} else {
		entry.InterfaceID = ifaceName(recvIf)
	}

	for dst, stored := range entry.Paths {
		existing := e.Paths.Get(dst)
		if existing != nil && existing.Hops < stored.Hops && e.nowFn().Before(existing.Expires) {
			continue
		}
		blobs := make([][]byte, len(stored.RandomBlobs))
		copy(blobs, stored.RandomBlobs)
		restored := &tables.PathEntry{
			Timestamp:          e.nowFn(),
			NextHop:            stored.NextHop,
			Hops:               stored.Hops,
			Expires:            e.nowFn().Add(tables.ExpiryFor(tableMode(recvIf))),
			RandomBlobs:        blobs,
			ReceivingInterface: ifaceName(recvIf),
			AnnouncePacketHash: stored.AnnouncePacketHash,
		}
		e.Paths.Set(dst, restored)
	}
}
