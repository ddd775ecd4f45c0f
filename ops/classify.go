package ops

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/tolelom/sortichain/burnchain"
	"github.com/tolelom/sortichain/chainhash"
)

// Classify maps a raw burnchain transaction to one of the three domain
// operations, or nil if the opcode is unrecognized or the payload is
// malformed. A decoder failure is logged and treated as "no operation" —
// never fatal to the block (spec.md §4.2).
func Classify(tx burnchain.BurnchainTransaction, blockHeight int64, blockHash chainhash.Hash, log *zap.SugaredLogger) *Op {
	if len(tx.Data) == 0 {
		return nil
	}
	switch Opcode(tx.Data[0]) {
	case OpcodeLeaderKeyRegister:
		op, err := decodeLeaderKeyRegister(tx, blockHeight, blockHash)
		if err != nil {
			log.Warnw("drop malformed leader key register", "txid", tx.Txid, "err", err)
			return nil
		}
		return &Op{LeaderKeyRegister: op}
	case OpcodeLeaderBlockCommit:
		op, err := decodeLeaderBlockCommit(tx, blockHeight, blockHash)
		if err != nil {
			log.Warnw("drop malformed leader block commit", "txid", tx.Txid, "err", err)
			return nil
		}
		return &Op{LeaderBlockCommit: op}
	case OpcodeUserBurnSupport:
		op, err := decodeUserBurnSupport(tx, blockHeight, blockHash)
		if err != nil {
			log.Warnw("drop malformed user burn support", "txid", tx.Txid, "err", err)
			return nil
		}
		return &Op{UserBurnSupport: op}
	default:
		return nil
	}
}

// Wire layout (after the 1-byte opcode): all multi-byte integers big-endian.
//
// LeaderKeyRegister:  consensus_hash(32) vrf_pubkey(33) memo(var)
// LeaderBlockCommit:  block_header_hash(32) new_seed(32) parent_backptr(2)
//                     parent_vtx(2) key_backptr(2) key_vtx(2) epoch(4)
//                     burn_fee(8) memo(var)
// UserBurnSupport:    consensus_hash(32) vrf_pubkey(33) block_header_hash160(20)
//                     burn_fee(8) memo(var)

func decodeLeaderKeyRegister(tx burnchain.BurnchainTransaction, height int64, blockHash chainhash.Hash) (*LeaderKeyRegisterOp, error) {
	d := tx.Data[1:]
	const fixed = 32 + 33
	if len(d) < fixed {
		return nil, fmt.Errorf("payload too short: %d < %d", len(d), fixed)
	}
	var ch chainhash.Hash
	copy(ch[:], d[0:32])
	vrfPub := append([]byte(nil), d[32:65]...)
	memo := append([]byte(nil), d[65:]...)

	var address string
	if len(tx.Outputs) > 0 {
		address = fmt.Sprintf("%x", tx.Outputs[0].Script)
	}

	return &LeaderKeyRegisterOp{
		ConsensusHash: ch,
		VRFPublicKey:  vrfPub,
		Memo:          memo,
		Address:       address,
		Txid:          tx.Txid,
		VtxIndex:      tx.VtxIndex,
		BlockHeight:   height,
		BlockHash:     blockHash,
	}, nil
}

func decodeLeaderBlockCommit(tx burnchain.BurnchainTransaction, height int64, blockHash chainhash.Hash) (*LeaderBlockCommitOp, error) {
	d := tx.Data[1:]
	const fixed = 32 + 32 + 2 + 2 + 2 + 2 + 4 + 8
	if len(d) < fixed {
		return nil, fmt.Errorf("payload too short: %d < %d", len(d), fixed)
	}
	var headerHash, seed chainhash.Hash
	copy(headerHash[:], d[0:32])
	copy(seed[:], d[32:64])
	off := 64
	parentBackptr := binary.BigEndian.Uint16(d[off:])
	off += 2
	parentVtx := binary.BigEndian.Uint16(d[off:])
	off += 2
	keyBackptr := binary.BigEndian.Uint16(d[off:])
	off += 2
	keyVtx := binary.BigEndian.Uint16(d[off:])
	off += 2
	epoch := binary.BigEndian.Uint32(d[off:])
	off += 4
	burnFee := binary.BigEndian.Uint64(d[off:])
	off += 8
	memo := append([]byte(nil), d[off:]...)

	var input []byte
	if len(tx.Inputs) > 0 {
		input = tx.Inputs[0].PubKey
	}

	return &LeaderBlockCommitOp{
		BlockHeaderHash:    headerHash,
		NewSeed:            seed,
		ParentBlockBackptr: parentBackptr,
		ParentVtxIndex:     parentVtx,
		KeyBlockBackptr:    keyBackptr,
		KeyVtxIndex:        keyVtx,
		EpochNum:           epoch,
		Memo:               memo,
		BurnFee:            burnFee,
		Input:              input,
		Txid:               tx.Txid,
		VtxIndex:           tx.VtxIndex,
		BlockHeight:        height,
		BlockHash:          blockHash,
	}, nil
}

func decodeUserBurnSupport(tx burnchain.BurnchainTransaction, height int64, blockHash chainhash.Hash) (*UserBurnSupportOp, error) {
	d := tx.Data[1:]
	const fixed = 32 + 33 + 20 + 8
	if len(d) < fixed {
		return nil, fmt.Errorf("payload too short: %d < %d", len(d), fixed)
	}
	var ch chainhash.Hash
	copy(ch[:], d[0:32])
	vrfPub := append([]byte(nil), d[32:65]...)
	var h160 [20]byte
	copy(h160[:], d[65:85])
	burnFee := binary.BigEndian.Uint64(d[85:93])
	memo := append([]byte(nil), d[93:]...)

	return &UserBurnSupportOp{
		ConsensusHash:      ch,
		VRFPublicKey:       vrfPub,
		BlockHeaderHash160: h160,
		BurnFee:            burnFee,
		Memo:               memo,
		Txid:               tx.Txid,
		VtxIndex:           tx.VtxIndex,
		BlockHeight:        height,
		BlockHash:          blockHash,
	}, nil
}
