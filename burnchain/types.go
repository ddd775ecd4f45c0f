// Package burnchain models the parent proof-of-burn chain: headers, parsed
// blocks and transactions, the on-disk headers file, and reorg detection.
// It is the data layer consumed by the pipeline package (the three-stage
// sync driver) and by ops (the operation classifier/checker).
package burnchain

import (
	"github.com/tolelom/sortichain/chainhash"
)

// Header is one entry of the parent chain's linear header sequence.
type Header struct {
	Height     int64
	Hash       chainhash.Hash
	ParentHash chainhash.Hash
	Timestamp  int64
}

// BurnchainTransaction is a transaction extracted from a parsed
// BurnchainBlock, still in its raw post-decode form; ops.Classify turns it
// into one of the three domain operations (or drops it).
type BurnchainTransaction struct {
	Txid     chainhash.Hash
	VtxIndex int  // index within the block
	Opcode   byte // first byte of the OP_RETURN payload, 0 if none
	Data     []byte
	Inputs   []TxIn
	Outputs  []TxOut
}

// TxIn is the subset of a transaction input the classifier/checker need:
// which public key authorized it, used to recover LeaderBlockCommitOp.input.
type TxIn struct {
	PrevTxid chainhash.Hash
	PrevVout uint32
	PubKey   []byte // compressed secp256k1 pubkey recovered from the scriptSig/witness
}

// TxOut is a transaction output: value burned and the destination script.
type TxOut struct {
	Value  uint64
	Script []byte
}

// BurnchainBlock is a fully parsed view of one parent-chain block.
type BurnchainBlock struct {
	Height     int64
	Hash       chainhash.Hash
	ParentHash chainhash.Hash
	Txs        []BurnchainTransaction
}
