// Package core holds the identifier types shared by every layer of the
// transport: destination hashes, transport-instance IDs, packet hashes,
// and link IDs. All of them are fixed-width byte strings produced by the
// external identity/codec modules (see core/identity and core/codec) and
// consumed opaquely everywhere else.
package core

import (
	"encoding/hex"
	"fmt"
)

// DestHashSize is the width of a destination hash and a transport-instance
// ID: a truncated identity hash.
const DestHashSize = 16

// PacketHashSize is the width of a full packet hash.
const PacketHashSize = 32

// DestHash identifies an addressable destination (or, reused, an interface
// hash or tunnel-id component — anywhere the system needs a truncated
// identity hash).
type DestHash [DestHashSize]byte

// TransportID identifies a transport instance (a running engine), used as
// the next-hop address stored in path entries and as the address carried
// in a HEADER_2 packet.
type TransportID [DestHashSize]byte

// PacketHash is a full hash of a packet's wire bytes, used for
// deduplication and for reverse-table lookups (truncated further, see
// PacketHash.Truncated).
type PacketHash [PacketHashSize]byte

// LinkID identifies an established bidirectional link. It is derived from
// a LINKREQUEST packet by the (out of scope) link module and consumed
// here opaquely as a table key.
type LinkID [DestHashSize]byte

func (d DestHash) String() string { return hex.EncodeToString(d[:]) }
func (t TransportID) String() string { return hex.EncodeToString(t[:]) }
func (p PacketHash) String() string { return hex.EncodeToString(p[:]) }
func (l LinkID) String() string { return hex.EncodeToString(l[:]) }

// IsZero reports whether the hash is the all-zero value (uninitialized,
// or "no transport ID attached").
func (d DestHash) IsZero() bool {
	for _, b := range d {
		if b != 0 {
			return false
		}
	}
	return true
}

// IsZero reports whether the transport ID is unset.
func (t TransportID) IsZero() bool {
	for _, b := range t {
		if b != 0 {
			return false
		}
	}
	return true
}

// Truncated returns the first DestHashSize bytes of a packet hash, used
// to key the reverse table (a cheaper proxy for the full forward-packet
// hash, matching the wire layout's truncated-hash fields elsewhere).
func (p PacketHash) Truncated() DestHash {
	var out DestHash
	copy(out[:], p[:DestHashSize])
	return out
}

// ParseDestHash parses a hex-encoded destination hash.
func ParseDestHash(s string) (DestHash, error) {
	var d DestHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("invalid hex string: %w", err)
	}
	if len(b) != DestHashSize {
		return d, fmt.Errorf("invalid length: expected %d bytes, got %d", DestHashSize, len(b))
	}
	copy(d[:], b)
	return d, nil
}

// ParseTransportID parses a hex-encoded transport ID.
func ParseTransportID(s string) (TransportID, error) {
	d, err := ParseDestHash(s)
	return TransportID(d), err
}
