// Package ops implements the operation classifier (C2) and checker (C3):
// mapping a raw burnchain transaction to one of three domain operations, and
// validating each against current ledger state. Generalizes the teacher's
// TxType/payload split (core/transaction.go) from game-asset transactions
// to burnchain consensus operations, and is generic over an (Address,
// PublicKey) capability pair per spec.md §9's design note.
package ops

import (
	"github.com/tolelom/sortichain/chainhash"
)

// Opcode identifies which of the three domain operations a transaction's
// OP_RETURN payload encodes.
type Opcode byte

const (
	OpcodeLeaderKeyRegister Opcode = '?'
	OpcodeLeaderBlockCommit Opcode = '['
	OpcodeUserBurnSupport   Opcode = '$'
)

// AddressCodec is the capability bundle spec.md §9 asks for: a burnchain
// implementation (Bitcoin, or a future chain) supplies one so the
// classifier/checker never hard-codes an address format.
type AddressCodec interface {
	// DecodeAddress parses a burnchain-native address string, returning an
	// error if it is malformed.
	DecodeAddress(s string) error
}

// VRFKeyCodec validates VRF public key encodings without the
// classifier/checker needing to know the VRF scheme's internals.
type VRFKeyCodec interface {
	// DecodeVRFPublicKey parses and validates a VRF public key's encoding.
	DecodeVRFPublicKey(b []byte) error
}

// LeaderKeyRegisterOp registers a VRF key bound to a recent consensus hash.
type LeaderKeyRegisterOp struct {
	ConsensusHash chainhash.Hash
	VRFPublicKey  []byte
	Memo          []byte
	Address       string

	Txid        chainhash.Hash
	VtxIndex    int
	BlockHeight int64
	BlockHash   chainhash.Hash
}

// LeaderBlockCommitOp commits burn in favor of a child block, referencing a
// prior leader key.
type LeaderBlockCommitOp struct {
	BlockHeaderHash   chainhash.Hash
	NewSeed           chainhash.Hash
	ParentBlockBackptr uint16
	ParentVtxIndex     uint16
	KeyBlockBackptr    uint16
	KeyVtxIndex        uint16
	EpochNum           uint32
	Memo               []byte
	BurnFee            uint64
	Input              []byte // compressed secp256k1 pubkey that authorized the burn

	Txid        chainhash.Hash
	VtxIndex    int
	BlockHeight int64
	BlockHash   chainhash.Hash
}

// UserBurnSupportOp is a user-contributed burn matching a specific
// (key, candidate) pair.
type UserBurnSupportOp struct {
	ConsensusHash        chainhash.Hash
	VRFPublicKey         []byte
	BlockHeaderHash160   [20]byte
	Memo                 []byte
	BurnFee              uint64

	Txid        chainhash.Hash
	VtxIndex    int
	BlockHeight int64
	BlockHash   chainhash.Hash
}

// Op is the sum type returned by Classify: exactly one field is non-nil.
type Op struct {
	LeaderKeyRegister *LeaderKeyRegisterOp
	LeaderBlockCommit *LeaderBlockCommitOp
	UserBurnSupport   *UserBurnSupportOp
}
