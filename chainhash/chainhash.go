// Package chainhash centralizes the 256-bit hash type and the double-SHA256
// / hash160 helpers shared by burnchain, ops, sortition and snapshot. It
// wraps btcsuite's chainhash.Hash rather than redefining a byte-array type,
// since every burnchain-facing package already needs Bitcoin-compatible
// hashing.
package chainhash

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // required for Bitcoin hash160 compatibility
)

// Hash is the 32-byte double-SHA256 digest type used for burn header
// hashes, txids, consensus hashes and the sortition hash.
type Hash = chainhash.Hash

// HashSize is the byte length of Hash, re-exported so callers never need to
// import btcsuite's chainhash package directly.
const HashSize = chainhash.HashSize

// DoubleSHA256 returns sha256(sha256(data)) as a Hash, Bitcoin's standard
// block/tx hashing function.
func DoubleSHA256(data []byte) Hash {
	return chainhash.HashH(data)
}

// Hash160 returns ripemd160(sha256(data)), Bitcoin's standard 20-byte
// "hash160" used for address payloads and for UserBurnSupportOp's
// block_header_hash_160.
func Hash160(data []byte) [20]byte {
	sha := sha256.Sum256(data)
	r := ripemd160.New()
	r.Write(sha[:])
	var out [20]byte
	copy(out[:], r.Sum(nil))
	return out
}

// FromHex parses a big-endian display hex string into a Hash, the same
// convention block explorers and RPC responses use.
func FromHex(s string) (Hash, error) {
	return chainhash.NewHashFromStr(s)
}
