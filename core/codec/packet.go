// Package codec implements the wire framing the transport core forwards
// on: header bytes, transport headers, and the fixed destination/type
// fields every packet carries. Per spec this is consumed only through
// Pack/Unpack and the accessor methods below — deeper payload semantics
// (announce appdata, link-request bodies, proof signatures) are parsed by
// the engine package directly out of Packet.Data, the same way the
// teacher's codec package left MeshCore payload parsing to its callers.
package codec

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/quillmesh/transport/core"
)

// Header-byte layout: bit 7 is the IFAC flag (set/cleared by core/ifac, never
// by this package), bit 6 is header_type, bits 4-5 are transport_type, and
// bits 0-3 are flags: byte 0 = (ifac<<7)|(header_type<<6)|(transport_type<<4)|flags.
const (
	headerTypeShift    = 6
	headerTypeMask     = 0x01
	transportTypeShift = 4
	transportTypeMask  = 0x03
	flagsMask          = 0x0F
)

// HeaderType selects whether a transport-instance ID follows the header.
type HeaderType uint8

const (
	Header1 HeaderType = 0 // no transport ID follows
	Header2 HeaderType = 1 // 16-byte transport ID follows
)

// TransportType records how this packet is being routed at the wire level.
type TransportType uint8

const (
	Broadcast TransportType = 0
	Transport TransportType = 1
	Relay     TransportType = 2
	Tunnel    TransportType = 3
)

// PacketType is the packet's high-level class.
type PacketType uint8

const (
	Data        PacketType = 0
	Announce    PacketType = 1
	LinkRequest PacketType = 2
	Proof       PacketType = 3
)

// DestType is the addressing class of the destination hash.
type DestType uint8

const (
	Single DestType = 0
	Group  DestType = 1
	Plain  DestType = 2
	Link   DestType = 3
)

// Context further qualifies a packet beyond its PacketType. Link-protocol
// contexts (Keepalive, ResourceReq, ResourcePrf, Resource, CacheRequest,
// Channel) are always admitted by the packet filter (§4.2).
type Context uint8

const (
	CtxNone         Context = 0
	CtxResource     Context = 1
	CtxResourceReq  Context = 2
	CtxResourcePrf  Context = 3
	CtxCacheRequest Context = 4
	CtxKeepalive    Context = 5
	CtxChannel      Context = 6
	CtxPathResponse Context = 7
	CtxLRProof      Context = 8
)

// IsLinkProtocol reports whether ctx is one of the link-protocol contexts
// that §4.2 always admits regardless of destination/hop filtering.
func (c Context) IsLinkProtocol() bool {
	switch c {
	case CtxKeepalive, CtxResourceReq, CtxResourcePrf, CtxResource, CtxCacheRequest, CtxChannel:
		return true
	default:
		return false
	}
}

// IFACFlag is bit 7 of the header byte. core/ifac sets it when masking a
// packet for an IFAC-protected interface and clears it once unmasked.
const IFACFlag = 0x80

const (
	fixedHeaderSize = 2 // header byte + hops byte
	transportIDSize = core.DestHashSize
	destHashSize    = core.DestHashSize
	typeFieldsSize  = 3 // packet_type, dest_type, context (1 byte each)
)

var (
	ErrPacketTooShort  = errors.New("codec: packet too short")
	ErrInvalidEncoding = errors.New("codec: invalid packet encoding")
)

// Packet is the transport core's view of a framed packet: enough of the
// wire format to make a forwarding decision, plus the opaque Data payload
// that higher-level engine code (announce/link-request/proof parsing)
// interprets further.
type Packet struct {
	HeaderType    HeaderType
	TransportType TransportType
	Flags         uint8 // low 4 bits
	Hops          uint8
	NextHop       core.TransportID // only meaningful when HeaderType == Header2
	PacketType    PacketType
	DestType      DestType
	Context       Context
	Destination   core.DestHash
	Data          []byte

	// raw caches the last-encoded/decoded wire bytes so Hash doesn't
	// require re-encoding on every call.
	raw []byte
}

// Clone returns a deep copy, safe to mutate (hop byte, next-hop field)
// without affecting the original — used when forwarding a packet that was
// already dispatched to a local handler.
func (p *Packet) Clone() *Packet {
	c := *p
	if len(p.Data) > 0 {
		c.Data = make([]byte, len(p.Data))
		copy(c.Data, p.Data)
	}
	if len(p.raw) > 0 {
		c.raw = make([]byte, len(p.raw))
		copy(c.raw, p.raw)
	}
	return &c
}

// Pack encodes the packet to wire bytes and caches the result for Hash.
func (p *Packet) Pack() ([]byte, error) {
	size := fixedHeaderSize + typeFieldsSize + destHashSize + len(p.Data)
	if p.HeaderType == Header2 {
		size += transportIDSize
	}

	buf := make([]byte, size)
	i := 0

	buf[i] = (uint8(p.HeaderType&headerTypeMask) << headerTypeShift) |
		(uint8(p.TransportType&transportTypeMask) << transportTypeShift) |
		(p.Flags & flagsMask)
	i++
	buf[i] = p.Hops
	i++

	if p.HeaderType == Header2 {
		copy(buf[i:], p.NextHop[:])
		i += transportIDSize
	}

	buf[i] = uint8(p.PacketType)
	i++
	buf[i] = uint8(p.DestType)
	i++
	buf[i] = uint8(p.Context)
	i++

	copy(buf[i:], p.Destination[:])
	i += destHashSize

	copy(buf[i:], p.Data)

	p.raw = buf
	return buf, nil
}

// Unpack decodes wire bytes into a Packet.
func Unpack(data []byte) (*Packet, error) {
	if len(data) < fixedHeaderSize+typeFieldsSize+destHashSize {
		return nil, ErrPacketTooShort
	}

	p := &Packet{}
	i := 0

	header := data[i]
	p.HeaderType = HeaderType((header >> headerTypeShift) & headerTypeMask)
	p.TransportType = TransportType((header >> transportTypeShift) & transportTypeMask)
	p.Flags = header & flagsMask
	i++

	p.Hops = data[i]
	i++

	if p.HeaderType == Header2 {
		if len(data) < i+transportIDSize {
			return nil, ErrPacketTooShort
		}
		copy(p.NextHop[:], data[i:i+transportIDSize])
		i += transportIDSize
	}

	if len(data) < i+typeFieldsSize+destHashSize {
		return nil, ErrPacketTooShort
	}
	p.PacketType = PacketType(data[i])
	i++
	p.DestType = DestType(data[i])
	i++
	p.Context = Context(data[i])
	i++

	copy(p.Destination[:], data[i:i+destHashSize])
	i += destHashSize

	if i < len(data) {
		p.Data = make([]byte, len(data)-i)
		copy(p.Data, data[i:])
	}

	raw := make([]byte, len(data))
	copy(raw, data)
	p.raw = raw

	return p, nil
}

// Hash returns the full 32-byte hash of the packet's wire bytes, packing
// the packet first if it hasn't been packed or decoded yet.
func (p *Packet) Hash() (core.PacketHash, error) {
	if p.raw == nil {
		if _, err := p.Pack(); err != nil {
			return core.PacketHash{}, fmt.Errorf("hashing packet: %w", err)
		}
	}
	return sha256.Sum256(p.raw), nil
}

// TruncatedHash returns Hash() truncated to core.DestHashSize bytes, used
// to key the reverse table.
func (p *Packet) TruncatedHash() (core.DestHash, error) {
	h, err := p.Hash()
	if err != nil {
		return core.DestHash{}, err
	}
	return h.Truncated(), nil
}

// WithHops returns a copy of the packet with the hops field set to v and
// the cached wire encoding invalidated.
func (p *Packet) WithHops(v uint8) *Packet {
	c := p.Clone()
	c.Hops = v
	c.raw = nil
	return c
}
