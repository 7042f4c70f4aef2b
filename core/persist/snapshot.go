// Package persist encodes and decodes the transport core's msgpack-style
// snapshots: the packet hashlist, path table, and tunnel table. It only
// ever produces or consumes []byte blobs — reading and writing them to
// <storage>/packet_hashlist, <storage>/destination_table, and
// <storage>/tunnels, on whatever schedule, is a host runtime
// responsibility, not this package's.
package persist

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/quillmesh/transport/core"
	"github.com/quillmesh/transport/core/tables"
)

func timeFromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// pathRecord mirrors the wire array order from the data model:
// [dst, ts, next_hop, hops, expires, random_blobs, iface_hash, announce_pkt_hash].
type pathRecord struct {
	Dst                core.DestHash
	Timestamp          int64
	NextHop            core.TransportID
	Hops               uint8
	Expires            int64
	RandomBlobs        [][]byte
	IfaceHash          string
	AnnouncePacketHash core.PacketHash
}

// EncodeMsgpack writes the record as a plain msgpack array, matching the
// field order given in §3 rather than a map keyed by field name.
func (r pathRecord) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(8); err != nil {
		return err
	}
	if err := enc.EncodeBytes(r.Dst[:]); err != nil {
		return err
	}
	if err := enc.EncodeInt64(r.Timestamp); err != nil {
		return err
	}
	if err := enc.EncodeBytes(r.NextHop[:]); err != nil {
		return err
	}
	if err := enc.EncodeUint8(r.Hops); err != nil {
		return err
	}
	if err := enc.EncodeInt64(r.Expires); err != nil {
		return err
	}
	if err := enc.Encode(r.RandomBlobs); err != nil {
		return err
	}
	if err := enc.EncodeString(r.IfaceHash); err != nil {
		return err
	}
	return enc.EncodeBytes(r.AnnouncePacketHash[:])
}

// DecodeMsgpack reads the record back from its array encoding.
func (r *pathRecord) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 8 {
		return fmt.Errorf("persist: path record has %d fields, want 8", n)
	}

	dst, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	copy(r.Dst[:], dst)

	if r.Timestamp, err = dec.DecodeInt64(); err != nil {
		return err
	}

	nextHop, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	copy(r.NextHop[:], nextHop)

	hops, err := dec.DecodeUint64()
	if err != nil {
		return err
	}
	r.Hops = uint8(hops)

	if r.Expires, err = dec.DecodeInt64(); err != nil {
		return err
	}
	if err := dec.Decode(&r.RandomBlobs); err != nil {
		return err
	}
	if r.IfaceHash, err = dec.DecodeString(); err != nil {
		return err
	}

	hash, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	copy(r.AnnouncePacketHash[:], hash)

	return nil
}

// tunnelRecord mirrors [tunnel_id, iface_hash, [path entries], expires].
type tunnelRecord struct {
	TunnelID  core.DestHash
	IfaceHash string
	Paths     []pathRecord
	Expires   int64
}

func (r tunnelRecord) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(4); err != nil {
		return err
	}
	if err := enc.EncodeBytes(r.TunnelID[:]); err != nil {
		return err
	}
	if err := enc.EncodeString(r.IfaceHash); err != nil {
		return err
	}
	if err := enc.Encode(r.Paths); err != nil {
		return err
	}
	return enc.EncodeInt64(r.Expires)
}

func (r *tunnelRecord) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 4 {
		return fmt.Errorf("persist: tunnel record has %d fields, want 4", n)
	}

	id, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	copy(r.TunnelID[:], id)

	if r.IfaceHash, err = dec.DecodeString(); err != nil {
		return err
	}
	if err := dec.Decode(&r.Paths); err != nil {
		return err
	}
	if r.Expires, err = dec.DecodeInt64(); err != nil {
		return err
	}
	return nil
}

// MarshalHashlist encodes the current hashlist generation as a flat list of
// 32-byte hashes, per <storage>/packet_hashlist.
func MarshalHashlist(hashes []core.PacketHash) ([]byte, error) {
	raw := make([][]byte, len(hashes))
	for i, h := range hashes {
		raw[i] = h[:]
	}
	return msgpack.Marshal(raw)
}

// UnmarshalHashlist decodes a hashlist blob back into packet hashes.
func UnmarshalHashlist(data []byte) ([]core.PacketHash, error) {
	var raw [][]byte
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("persist: decoding hashlist: %w", err)
	}
	out := make([]core.PacketHash, len(raw))
	for i, b := range raw {
		copy(out[i][:], b)
	}
	return out, nil
}

// IfaceResolver reports whether an interface hash still names a live
// interface, and AnnounceLookup reports whether a cached announce packet
// for a hash is still available (see <cache>/announces/<hex>). Both gate
// whether a loaded path entry is accepted: "on load, any path whose
// interface is unknown or whose announce packet is missing is skipped with
// a warning."
type IfaceResolver func(ifaceHash string) bool
type AnnounceLookup func(hash core.PacketHash) bool

// MarshalPathTable encodes every entry in pt into a destination_table blob.
func MarshalPathTable(pt *tables.PathTable) ([]byte, error) {
	var records []pathRecord
	pt.ForEach(func(dst core.DestHash, e *tables.PathEntry) bool {
		blobs := e.RandomBlobs
		if len(blobs) > tables.PersistRandomBlobs {
			blobs = blobs[len(blobs)-tables.PersistRandomBlobs:]
		}
		records = append(records, pathRecord{
			Dst:                dst,
			Timestamp:          e.Timestamp.Unix(),
			NextHop:            e.NextHop,
			Hops:               e.Hops,
			Expires:            e.Expires.Unix(),
			RandomBlobs:        blobs,
			IfaceHash:          e.ReceivingInterface,
			AnnouncePacketHash: e.AnnouncePacketHash,
		})
		return true
	})
	return msgpack.Marshal(records)
}

// LoadWarning describes a skipped or degraded entry encountered while
// loading a snapshot; callers log these at warn level (§7 reported-warning).
type LoadWarning struct {
	Dst    core.DestHash
	Reason string
}

// toPathEntry converts a decoded pathRecord to the in-memory PathEntry
// shape, shared by UnmarshalPathTable and UnmarshalTunnels.
func toPathEntry(r pathRecord) *tables.PathEntry {
	return &tables.PathEntry{
		Timestamp:          timeFromUnix(r.Timestamp),
		NextHop:            r.NextHop,
		Hops:               r.Hops,
		Expires:            timeFromUnix(r.Expires),
		RandomBlobs:        r.RandomBlobs,
		ReceivingInterface: r.IfaceHash,
		AnnouncePacketHash: r.AnnouncePacketHash,
	}
}

// UnmarshalPathTable decodes a destination_table blob, skipping (with a
// warning) any entry whose interface is unknown or whose cached announce
// packet is missing.
func UnmarshalPathTable(data []byte, resolveIface IfaceResolver, hasAnnounce AnnounceLookup) (map[core.DestHash]*tables.PathEntry, []LoadWarning, error) {
	var records []pathRecord
	if err := msgpack.Unmarshal(data, &records); err != nil {
		return nil, nil, fmt.Errorf("persist: decoding path table: %w", err)
	}

	out := make(map[core.DestHash]*tables.PathEntry, len(records))
	var warnings []LoadWarning
	for _, r := range records {
		if resolveIface != nil && !resolveIface(r.IfaceHash) {
			warnings = append(warnings, LoadWarning{Dst: r.Dst, Reason: "unknown interface " + r.IfaceHash})
			continue
		}
		if hasAnnounce != nil && !hasAnnounce(r.AnnouncePacketHash) {
			warnings = append(warnings, LoadWarning{Dst: r.Dst, Reason: "missing cached announce packet"})
			continue
		}
		out[r.Dst] = toPathEntry(r)
	}
	return out, warnings, nil
}

// MarshalTunnels encodes every entry in tt into a tunnels blob.
func MarshalTunnels(tt *tables.TunnelTable, ifaceHashOf func(ifaceID string) string) ([]byte, error) {
	var records []tunnelRecord

	snapshot := tt.Snapshot()
	for id, e := range snapshot {
		var paths []pathRecord
		for dst, p := range e.Paths {
			blobs := p.RandomBlobs
			if len(blobs) > tables.PersistRandomBlobs {
				blobs = blobs[len(blobs)-tables.PersistRandomBlobs:]
			}
			paths = append(paths, pathRecord{
				Dst:                dst,
				Timestamp:          p.Timestamp.Unix(),
				NextHop:            p.NextHop,
				Hops:               p.Hops,
				Expires:            p.Expires.Unix(),
				RandomBlobs:        blobs,
				IfaceHash:          p.ReceivingInterface,
				AnnouncePacketHash: p.AnnouncePacketHash,
			})
		}
		ifaceHash := ifaceHashOf(e.InterfaceID)
		records = append(records, tunnelRecord{
			TunnelID:  id,
			IfaceHash: ifaceHash,
			Paths:     paths,
			Expires:   e.Expires.Unix(),
		})
	}
	return msgpack.Marshal(records)
}

// UnmarshalTunnels decodes a tunnels blob into tunnel entries, keyed by
// tunnel ID, with the tunnel's stored interface hash resolved back to a
// live interface ID via resolveIfaceID (returns "" if the interface that
// originally hosted the tunnel is no longer present; the tunnel stays
// latent, per §4.7). The tunnel's path entries keep their stored
// ReceivingInterface unchanged.
func UnmarshalTunnels(data []byte, resolveIfaceID func(ifaceHash string) string) (map[core.DestHash]*tables.TunnelEntry, error) {
	var records []tunnelRecord
	if err := msgpack.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("persist: decoding tunnels: %w", err)
	}

	out := make(map[core.DestHash]*tables.TunnelEntry, len(records))
	for _, r := range records {
		paths := make(map[core.DestHash]*tables.PathEntry, len(r.Paths))
		for _, p := range r.Paths {
			paths[p.Dst] = toPathEntry(p)
		}
		out[r.TunnelID] = &tables.TunnelEntry{
			InterfaceID: resolveIfaceID(r.IfaceHash),
			Paths:       paths,
			Expires:     timeFromUnix(r.Expires),
		}
	}
	return out, nil
}

// MarshalAnnounceCacheEntry encodes a cached announce packet's raw wire
// bytes alongside the receiving interface's string identifier, per
// <cache>/announces/<hex>.
func MarshalAnnounceCacheEntry(raw []byte, ifaceStr string) ([]byte, error) {
	return msgpack.Marshal([]interface{}{raw, ifaceStr})
}

// UnmarshalAnnounceCacheEntry decodes a cached announce cache entry.
func UnmarshalAnnounceCacheEntry(data []byte) (raw []byte, ifaceStr string, err error) {
	var pair []interface{}
	if err := msgpack.Unmarshal(data, &pair); err != nil {
		return nil, "", fmt.Errorf("persist: decoding announce cache entry: %w", err)
	}
	if len(pair) != 2 {
		return nil, "", fmt.Errorf("persist: announce cache entry has %d fields, want 2", len(pair))
	}
	rawBytes, ok := pair[0].([]byte)
	if !ok {
		return nil, "", fmt.Errorf("persist: announce cache entry field 0 is not bytes")
	}
	ifaceVal, ok := pair[1].(string)
	if !ok {
		return nil, "", fmt.Errorf("persist: announce cache entry field 1 is not a string")
	}
	return rawBytes, ifaceVal, nil
}
