// Package peerdb implements the fixed-slot peer database (C7): a
// deterministically-slotted neighbor table backed by LevelDB, generalizing
// the teacher's storage.LevelDB wrapper (storage/leveldb.go) from a
// block/tip KV store to a fixed-capacity peer table with whitelist,
// blacklist, and random-eviction semantics (spec.md §4.7).
package peerdb

import (
	"encoding/binary"
	"net"
)

// NeighborKey identifies one peer by its network address and port,
// matching spec.md §3's peer identity tuple.
type NeighborKey struct {
	Addr net.IP
	Port uint16
}

// Bytes returns a fixed-width encoding of the key suitable for hashing and
// LevelDB keys.
func (k NeighborKey) Bytes() []byte {
	ip := k.Addr.To16()
	b := make([]byte, 18)
	copy(b, ip)
	binary.BigEndian.PutUint16(b[16:], k.Port)
	return b
}

func (k NeighborKey) String() string {
	return net.JoinHostPort(k.Addr.String(), itoa(k.Port))
}

// Equal reports whether k and other identify the same peer. NeighborKey
// embeds a net.IP (a byte slice), so it cannot be compared with ==/!=;
// this compares the addresses with net.IP.Equal and then the ports.
func (k NeighborKey) Equal(other NeighborKey) bool {
	return k.Addr.Equal(other.Addr) && k.Port == other.Port
}

func itoa(p uint16) string {
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = byte('0' + p%10)
		p /= 10
	}
	return string(buf[i:])
}

// Neighbor is one stored peer record.
type Neighbor struct {
	Key            NeighborKey
	PublicKey      []byte
	ASN            uint32
	LastContact    int64 // unix seconds
	Whitelisted    bool
	Blacklisted    bool
	HandshakeNonce uint64 // anti-replay token from the most recent handshake
}
