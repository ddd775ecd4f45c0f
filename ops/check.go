package ops

import (
	"context"
	"fmt"

	"github.com/tolelom/sortichain/chainhash"
)

// CheckResult is the outcome of validating one op. Only the *Ok variants
// cause acceptance; any other value silently rejects that single op while
// the block proceeds (spec.md §4.3).
type CheckResult int

const (
	LeaderKeyOk CheckResult = iota
	BlockCommitOk
	UserBurnSupportOk

	ErrMalformedAddress
	ErrMalformedVRFKey
	ErrConsensusHashExpired
	ErrBackptrOutOfRange
	ErrKeyNotFound
	ErrKeyExpired
	ErrKeyAlreadyConsumed
	ErrNoMatchingCommit
)

func (r CheckResult) Ok() bool {
	return r == LeaderKeyOk || r == BlockCommitOk || r == UserBurnSupportOk
}

// LedgerView is the read-only ledger state the checker consults. It is
// satisfied by snapshot.DB (wired at the top level, not imported here, to
// avoid a snapshot<->ops import cycle since snapshot stores ops' own types).
type LedgerView interface {
	// LeaderKeyAt returns the leader key registered at (height, vtxindex),
	// and whether it has already been consumed by an earlier accepted
	// commit in this or a prior block.
	LeaderKeyAt(ctx context.Context, height int64, vtxindex int) (key *LeaderKeyRegisterOp, consumed bool, err error)
	// ConsensusHashExists reports whether ch is the consensus hash of a
	// known snapshot. The snapshot.DB implementation accepts the hash of any
	// canonical snapshot; it does not limit the check to a
	// ConsensusHashLifetime window of the chain tip.
	ConsensusHashExists(ctx context.Context, ch chainhash.Hash) (bool, error)
}

// Checker validates classified ops against ledger state (C3).
type Checker struct {
	ledger             LedgerView
	addressCodec       AddressCodec
	vrfCodec           VRFKeyCodec
	retentionWindow    int64 // max allowed key_block_backptr/parent_block_backptr
}

// NewChecker constructs a Checker. retentionWindow bounds how far back a
// *_backptr may point (spec.md §4.3 "references land within retention
// windows").
func NewChecker(ledger LedgerView, addressCodec AddressCodec, vrfCodec VRFKeyCodec, retentionWindow int64) *Checker {
	return &Checker{ledger: ledger, addressCodec: addressCodec, vrfCodec: vrfCodec, retentionWindow: retentionWindow}
}

// CheckLeaderKeyRegister validates a key-register op.
func (c *Checker) CheckLeaderKeyRegister(ctx context.Context, op *LeaderKeyRegisterOp) (CheckResult, error) {
	if err := c.addressCodec.DecodeAddress(op.Address); err != nil {
		return ErrMalformedAddress, nil
	}
	if err := c.vrfCodec.DecodeVRFPublicKey(op.VRFPublicKey); err != nil {
		return ErrMalformedVRFKey, nil
	}
	ok, err := c.ledger.ConsensusHashExists(ctx, op.ConsensusHash)
	if err != nil {
		return 0, fmt.Errorf("consensus hash lookup: %w", err)
	}
	if !ok {
		return ErrConsensusHashExpired, nil
	}
	return LeaderKeyOk, nil
}

// CheckLeaderBlockCommit validates a block-commit op, resolving its
// referenced leader key. It does not mark the key consumed; the key stays
// available to other checks until the snapshot controller persists the
// block that consumes it.
func (c *Checker) CheckLeaderBlockCommit(ctx context.Context, op *LeaderBlockCommitOp) (CheckResult, *LeaderKeyRegisterOp, error) {
	if int64(op.KeyBlockBackptr) <= 0 || int64(op.KeyBlockBackptr) > c.retentionWindow {
		return ErrBackptrOutOfRange, nil, nil
	}
	if int64(op.ParentBlockBackptr) > c.retentionWindow {
		return ErrBackptrOutOfRange, nil, nil
	}
	keyHeight := op.BlockHeight - int64(op.KeyBlockBackptr)
	key, consumed, err := c.ledger.LeaderKeyAt(ctx, keyHeight, int(op.KeyVtxIndex))
	if err != nil {
		return 0, nil, fmt.Errorf("leader key lookup: %w", err)
	}
	if key == nil {
		return ErrKeyNotFound, nil, nil
	}
	if consumed {
		return ErrKeyAlreadyConsumed, nil, nil
	}
	return BlockCommitOk, key, nil
}

// CheckUserBurnSupport validates a user-burn-support op against the set of
// block commits accepted earlier in the same block (spec.md invariant 3:
// persisted only if a matching commit AND its key both exist in-block).
func (c *Checker) CheckUserBurnSupport(ctx context.Context, op *UserBurnSupportOp, commitsInBlock []*LeaderBlockCommitOp, keysInBlock map[commitKeyRef]*LeaderKeyRegisterOp) (CheckResult, error) {
	if err := c.vrfCodec.DecodeVRFPublicKey(op.VRFPublicKey); err != nil {
		return ErrMalformedVRFKey, nil
	}
	ok, err := c.ledger.ConsensusHashExists(ctx, op.ConsensusHash)
	if err != nil {
		return 0, fmt.Errorf("consensus hash lookup: %w", err)
	}
	if !ok {
		return ErrConsensusHashExpired, nil
	}

	for _, commit := range commitsInBlock {
		h160 := chainhash.Hash160(commit.BlockHeaderHash[:])
		if h160 != op.BlockHeaderHash160 {
			continue
		}
		ref := commitKeyRef{height: commit.BlockHeight - int64(commit.KeyBlockBackptr), vtxindex: int(commit.KeyVtxIndex)}
		key, ok := keysInBlock[ref]
		if !ok {
			continue
		}
		if string(key.VRFPublicKey) != string(op.VRFPublicKey) {
			continue
		}
		return UserBurnSupportOk, nil
	}
	return ErrNoMatchingCommit, nil
}

// commitKeyRef identifies a leader key by its (height, vtxindex) coordinate.
type commitKeyRef struct {
	height   int64
	vtxindex int
}
