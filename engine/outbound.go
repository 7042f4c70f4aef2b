package engine

import (
	"fmt"

	"github.com/quillmesh/transport/core/codec"
	"github.com/quillmesh/transport/transport"
)

// SendOptions configures Send's per-packet behavior (§4.3).
type SendOptions struct {
	// CreateReceipt requests a delivery receipt, subject to the
	// eligibility rule in §4.3 item 1.
	CreateReceipt bool
	OnDelivered   func()
	OnTimeout     func()
}

// Send dispatches a locally originated packet per §4.3: it tracks a
// receipt if eligible, then prefers a known path (inserting a transport
// header when the path is more than one hop away) before falling back to
// broadcasting on every OUT-capable interface.
func (e *Engine) Send(pkt *codec.Packet, opts SendOptions) error {
	var err error
	e.withJobsLock(func() {
		err = e.sendLocked(pkt, opts)
	})
	return err
}

func (e *Engine) sendLocked(pkt *codec.Packet, opts SendOptions) error {
	if opts.CreateReceipt && e.receiptEligible(pkt) {
		hash, herr := pkt.Hash()
		if herr == nil {
			e.Receipts.Track(&Receipt{PacketHash: hash, OnDelivered: opts.OnDelivered, OnTimeout: opts.OnTimeout})
		}
	}

	if pkt.PacketType != codec.Announce && pkt.DestType != codec.Plain && pkt.DestType != codec.Group {
		if entry := e.Paths.Get(pkt.Destination); entry != nil {
			iface := e.interfaceByName(entry.ReceivingInterface)
			if iface == nil {
				return fmt.Errorf("engine: path for %s references unknown interface %q", pkt.Destination, entry.ReceivingInterface)
			}

			out := pkt
			if entry.Hops > 1 || (entry.Hops == 1 && e.cfg.ConnectedToSharedInstance) {
				out = pkt.Clone()
				out.HeaderType = codec.Header2
				out.TransportType = codec.Transport
				out.NextHop = entry.NextHop
			}
			if err := e.sendOn(iface, out); err != nil {
				return err
			}
			e.Paths.RefreshTimestamp(pkt.Destination)
			return nil
		}
	}

	return e.broadcastFallback(pkt)
}

// receiptEligible implements §4.3 item 1: "create_receipt is set, type=
// DATA, destination type != PLAIN, and context is not in the link-control
// or resource contexts."
func (e *Engine) receiptEligible(pkt *codec.Packet) bool {
	if pkt.PacketType != codec.Data {
		return false
	}
	if pkt.DestType == codec.Plain {
		return false
	}
	return !pkt.Context.IsLinkProtocol()
}

// broadcastFallback sends pkt on every OUT-capable, non-detached
// interface. Announce cap/queueing for ANNOUNCE packets is handled by
// announce.go's rebroadcast path, which calls sendOn directly once a
// per-interface timer says it's allowed; this fallback is used for
// packets with no known path (PLAIN/GROUP traffic, path requests, tunnel
// synthesize).
func (e *Engine) broadcastFallback(pkt *codec.Packet) error {
	var firstErr error
	e.eachInterface(func(iface transport.Interface) {
		if !iface.Out() || iface.Detached() {
			return
		}
		if err := e.sendOn(iface, pkt.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}
