package snapshot

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"math"
	"math/big"
	"sort"

	"github.com/russross/meddler"
	"go.uber.org/zap"

	"github.com/tolelom/sortichain/burnchain"
	"github.com/tolelom/sortichain/chainhash"
	"github.com/tolelom/sortichain/errs"
	"github.com/tolelom/sortichain/events"
	"github.com/tolelom/sortichain/ops"
	"github.com/tolelom/sortichain/sortition"
)

// BurnQuotaConfig are the controller gains spec.md §4.5/§6 name explicitly:
// on a block whose total burn meets the quota, the quota is scaled down by
// DecNum/DecDen; otherwise it is bumped up by Inc exactly once, on the
// block immediately following the most recently registered sortition.
type BurnQuotaConfig struct {
	Inc    int64
	DecNum int64
	DecDen int64
}

// DefaultBurnQuotaConfig is spec.md §6's documented bitcoin default:
// inc=21000, dec_num/dec_den=4/5.
var DefaultBurnQuotaConfig = BurnQuotaConfig{Inc: 21000, DecNum: 4, DecDen: 5}

// Controller is the snapshot & burn-quota controller (C5). It classifies
// and checks every op in a block, runs sortition, derives the block's
// consensus_hash/ops_hash, persists the result atomically, and feeds the
// burn-quota oscillator. Generalizes the teacher's consensus.Engine's
// single-block apply/commit step (consensus/poa.go ProduceBlock/
// ValidateBlock) from producing one game-chain block to indexing one
// burnchain block's worth of consensus operations.
type Controller struct {
	db        *DB
	checker   *ops.Checker
	addrCodec ops.AddressCodec
	vrfCodec  ops.VRFKeyCodec
	quotaCfg  BurnQuotaConfig
	// consensusHashLifetime is the fixed window size of prior consensus
	// hashes folded into consensus_hash (spec.md §4.5/§6's per-chain
	// ConsensusHashLifetime constant).
	consensusHashLifetime int64
	log                   *zap.SugaredLogger
	emitter               *events.Emitter

	genesisSeed chainhash.Hash
}

// NewController builds a Controller. genesisSeed is the chain's first
// new_seed value, used when no prior snapshot exists (spec.md design note:
// "the genesis seed is a network parameter, not derived"). emitter may be
// nil to disable event publication.
func NewController(db *DB, checker *ops.Checker, addrCodec ops.AddressCodec, vrfCodec ops.VRFKeyCodec, quotaCfg BurnQuotaConfig, consensusHashLifetime int64, genesisSeed chainhash.Hash, emitter *events.Emitter, log *zap.SugaredLogger) *Controller {
	return &Controller{db: db, checker: checker, addrCodec: addrCodec, vrfCodec: vrfCodec, quotaCfg: quotaCfg, consensusHashLifetime: consensusHashLifetime, genesisSeed: genesisSeed, emitter: emitter, log: log}
}

// ApplyBlock implements pipeline.Applier: classify, check, run sortition,
// and persist everything for one burn block under a single DB transaction
// that rolls back whole on any fatal error (spec.md §4.1 step 5, §7 "DB
// errors abort the block").
func (c *Controller) ApplyBlock(ctx context.Context, block *burnchain.BurnchainBlock) error {
	classified := make([]*ops.Op, 0, len(block.Txs))
	for _, tx := range block.Txs {
		if op := ops.Classify(tx, block.Height, block.Hash, c.log); op != nil {
			classified = append(classified, op)
		}
	}

	prev, err := c.previousSnapshot(ctx, block.Height)
	if err != nil {
		return errs.Wrap(errs.DBError, err)
	}
	prevSeed := c.genesisSeed
	prevQuota := int64(0)
	prevTotalBurn := big.NewInt(0)
	prevSortitionBurn := big.NewInt(0)
	// Bootstrap: before any block has ever been processed, the quota
	// starts at 0 and the pending +inc bump is primed, so the first block
	// processed is treated as though it immediately follows a sortition
	// (spec.md §6 scenario S1: burn_quota
	// is bumped to inc exactly once, at the first empty block above
	// first_block_height, as if genesis were itself a sortition).
	prevPendingIncBump := true
	if prev != nil {
		seed, err := chainhash.FromHex(prev.NewSeed)
		if err != nil {
			return fmt.Errorf("parse previous new_seed: %w", err)
		}
		prevSeed = seed
		prevQuota = prev.BurnQuota
		if _, ok := prevTotalBurn.SetString(prev.TotalBurn, 10); !ok {
			return fmt.Errorf("parse previous total_burn %q", prev.TotalBurn)
		}
	}
	state, err := c.loadQuotaState(ctx)
	if err != nil {
		return errs.Wrap(errs.DBError, fmt.Errorf("load quota_state: %w", err))
	}
	if state != nil {
		prevQuota = state.CurrentQuota
		prevPendingIncBump = state.PendingIncBump
		if _, ok := prevSortitionBurn.SetString(state.SortitionBurn, 10); !ok {
			return fmt.Errorf("parse quota_state sortition_burn %q", state.SortitionBurn)
		}
	}

	var acceptedKeys []*ops.LeaderKeyRegisterOp
	var acceptedCommits []*ops.LeaderBlockCommitOp
	var acceptedBurns []*ops.UserBurnSupportOp
	keysByCommit := make(map[*ops.LeaderBlockCommitOp]*ops.LeaderKeyRegisterOp)
	keysInBlock := make(map[commitKeyRefLocal]*ops.LeaderKeyRegisterOp)

	for _, op := range classified {
		switch {
		case op.LeaderKeyRegister != nil:
			res, err := c.checker.CheckLeaderKeyRegister(ctx, op.LeaderKeyRegister)
			if err != nil {
				return errs.Wrap(errs.DBError, err)
			}
			if !res.Ok() {
				c.log.Warnw("reject leader key register", "txid", op.LeaderKeyRegister.Txid, "reason", res)
				continue
			}
			acceptedKeys = append(acceptedKeys, op.LeaderKeyRegister)
			keysInBlock[commitKeyRefLocal{height: op.LeaderKeyRegister.BlockHeight, vtxindex: op.LeaderKeyRegister.VtxIndex}] = op.LeaderKeyRegister
		}
	}
	for _, op := range classified {
		if op.LeaderBlockCommit == nil {
			continue
		}
		res, key, err := c.checker.CheckLeaderBlockCommit(ctx, op.LeaderBlockCommit)
		if err != nil {
			return errs.Wrap(errs.DBError, err)
		}
		if !res.Ok() {
			c.log.Warnw("reject leader block commit", "txid", op.LeaderBlockCommit.Txid, "reason", res)
			continue
		}
		// fall back to a key registered earlier in this same block
		if key == nil {
			ref := commitKeyRefLocal{height: op.LeaderBlockCommit.BlockHeight - int64(op.LeaderBlockCommit.KeyBlockBackptr), vtxindex: int(op.LeaderBlockCommit.KeyVtxIndex)}
			key = keysInBlock[ref]
		}
		acceptedCommits = append(acceptedCommits, op.LeaderBlockCommit)
		keysByCommit[op.LeaderBlockCommit] = key
	}
	for _, op := range classified {
		if op.UserBurnSupport == nil {
			continue
		}
		res, err := c.checker.CheckUserBurnSupport(ctx, op.UserBurnSupport, acceptedCommits, keysInBlock)
		if err != nil {
			return errs.Wrap(errs.DBError, err)
		}
		if !res.Ok() {
			c.log.Warnw("reject user burn support", "txid", op.UserBurnSupport.Txid, "reason", res)
			continue
		}
		acceptedBurns = append(acceptedBurns, op.UserBurnSupport)
	}

	result, err := sortition.Run(acceptedCommits, keysByCommit, acceptedBurns, prevSeed, block.Hash)
	if err != nil {
		return fmt.Errorf("sortition: %w", err)
	}

	blockBurn := sortition.TotalBurn(result.Points)
	hasCommit := len(acceptedCommits) > 0

	// Invariant 6 / §4.5: sortition holds iff this block's total burn meets
	// the quota AND at least one valid commit exists. sortition.Run has no
	// notion of the quota, so a winner it drew is only official once that
	// gate passes; otherwise the block is a miss regardless of what
	// sortition.Run computed.
	didSortition := hasCommit && blockBurn.Cmp(big.NewInt(prevQuota)) >= 0

	quota, sortitionBurn, pendingIncBump := nextQuota(prevQuota, prevSortitionBurn, blockBurn, didSortition, prevPendingIncBump, c.quotaCfg)

	totalBurn := new(big.Int).Add(prevTotalBurn, blockBurn)

	accepted := make([]*ops.Op, 0, len(acceptedKeys)+len(acceptedCommits)+len(acceptedBurns))
	for _, k := range acceptedKeys {
		accepted = append(accepted, &ops.Op{LeaderKeyRegister: k})
	}
	for _, cm := range acceptedCommits {
		accepted = append(accepted, &ops.Op{LeaderBlockCommit: cm})
	}
	for _, u := range acceptedBurns {
		accepted = append(accepted, &ops.Op{UserBurnSupport: u})
	}
	opsHash := deriveOpsHash(accepted)
	prevConsensusHashes, err := c.db.RecentConsensusHashes(ctx, block.Height, c.consensusHashLifetime)
	if err != nil {
		return errs.Wrap(errs.DBError, err)
	}
	consensusHash := deriveConsensusHash(opsHash, totalBurn, prevConsensusHashes)

	sqlTx, err := c.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.DBError, fmt.Errorf("begin apply tx: %w", err))
	}
	defer sqlTx.Rollback()

	if err := persistBlock(ctx, sqlTx, block, result, didSortition, prevSeed, opsHash, consensusHash, totalBurn, sortitionBurn, quota, acceptedKeys, keysByCommit, acceptedCommits, acceptedBurns); err != nil {
		return errs.Wrap(errs.DBError, err)
	}
	if err := saveQuotaState(ctx, sqlTx, quota, sortitionBurn, pendingIncBump); err != nil {
		return errs.Wrap(errs.DBError, err)
	}
	if err := sqlTx.Commit(); err != nil {
		return errs.Wrap(errs.DBError, fmt.Errorf("commit apply tx: %w", err))
	}

	if didSortition && result.Winner != nil {
		c.log.Infow("sortition winner", "height", block.Height, "txid", result.Winner.Candidate.Txid, "draw", result.Draw.String())
		c.emit(events.EventSortitionWinner, block.Height, map[string]any{
			"txid":             result.Winner.Candidate.Txid.String(),
			"block_header_hash": result.Winner.Candidate.BlockHeaderHash.String(),
			"draw":             result.Draw.String(),
		})
	} else {
		c.log.Infow("no sortition winner", "height", block.Height)
		c.emit(events.EventNoWinner, block.Height, nil)
	}
	return nil
}

func (c *Controller) emit(typ events.EventType, height int64, data map[string]any) {
	if c.emitter == nil {
		return
	}
	c.emitter.Emit(events.Event{Type: typ, BlockHeight: height, Data: data})
}

// EmitReorg publishes a reorg event; called by the pipeline after
// InvalidateAbove succeeds (spec.md §4.1 step 3).
func (c *Controller) EmitReorg(fromHeight, toHeight int64) {
	c.emit(events.EventReorg, toHeight, map[string]any{"from_height": fromHeight, "to_height": toHeight})
}

type commitKeyRefLocal struct {
	height   int64
	vtxindex int
}

func (c *Controller) previousSnapshot(ctx context.Context, height int64) (*Snapshot, error) {
	var row Snapshot
	err := meddler.QueryRowContext(ctx, c.db.sql, &row,
		`SELECT * FROM snapshots WHERE block_height = ? AND canonical = 1`, height-1)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query previous snapshot: %w", err)
	}
	return &row, nil
}

func (c *Controller) loadQuotaState(ctx context.Context) (*QuotaState, error) {
	var row QuotaState
	err := meddler.QueryRowContext(ctx, c.db.sql, &row, `SELECT * FROM quota_state WHERE id = 0`)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// nextQuota implements the §4.5 burn-quota feedback rule. On a hit (a
// sortition held this block), the quota decays by dec_num/dec_den and the
// sortition_burn accumulator resets; the block immediately following is
// flagged to receive the one-time +inc bump. On a miss, this block's burn
// adds to the running sortition_burn accumulator, and the quota only
// changes if the pending bump from a prior sortition is still outstanding,
// in which case it is consumed here and the quota increases by inc
// (Testable Property 5; scenarios S1, S2).
func nextQuota(currentQuota int64, prevSortitionBurn, blockBurn *big.Int, didSortition, pendingIncBump bool, cfg BurnQuotaConfig) (quota int64, sortitionBurn *big.Int, nextPendingIncBump bool) {
	if didSortition {
		quota = int64(math.Floor(float64(currentQuota) * float64(cfg.DecNum) / float64(cfg.DecDen)))
		if quota < 1 {
			quota = 1
		}
		return quota, big.NewInt(0), true
	}
	sortitionBurn = new(big.Int).Add(prevSortitionBurn, blockBurn)
	quota = currentQuota
	if pendingIncBump {
		quota = currentQuota + cfg.Inc
	}
	return quota, sortitionBurn, false
}

// deriveOpsHash double-SHA256s the concatenation of every accepted op's
// txid, sorted ascending, committing the block's entire accepted-op set to
// one fixed-size value independent of transaction order within the block
// (spec.md §4.5, testable property 3: "ops_hash = H(sorted txids of
// consensus ops)").
func deriveOpsHash(classified []*ops.Op) chainhash.Hash {
	txids := make([]chainhash.Hash, 0, len(classified))
	for _, op := range classified {
		switch {
		case op.LeaderKeyRegister != nil:
			txids = append(txids, op.LeaderKeyRegister.Txid)
		case op.LeaderBlockCommit != nil:
			txids = append(txids, op.LeaderBlockCommit.Txid)
		case op.UserBurnSupport != nil:
			txids = append(txids, op.UserBurnSupport.Txid)
		}
	}
	sort.Slice(txids, func(i, j int) bool { return bytes.Compare(txids[i][:], txids[j][:]) < 0 })
	var buf []byte
	for _, id := range txids {
		buf = append(buf, id[:]...)
	}
	return chainhash.DoubleSHA256(buf)
}

// deriveConsensusHash folds the ops hash, the chain's cumulative total
// burn, and the fixed-length window of prior consensus hashes into the
// value other nodes compare to agree they processed the same history
// (spec.md §4.5, invariant 4: "consensus_hash = H(ops_hash ‖ total_burn_le
// ‖ prev_consensus_hashes_vector)"). prevConsensusHashes is already padded
// to the chain's ConsensusHashLifetime by the caller.
func deriveConsensusHash(opsHash chainhash.Hash, totalBurn *big.Int, prevConsensusHashes []chainhash.Hash) chainhash.Hash {
	buf := make([]byte, 0, 32+8+32*len(prevConsensusHashes))
	buf = append(buf, opsHash[:]...)
	v := totalBurn.Uint64()
	var tb [8]byte
	for i := 0; i < 8; i++ {
		tb[i] = byte(v >> (8 * i))
	}
	buf = append(buf, tb[:]...)
	for _, h := range prevConsensusHashes {
		buf = append(buf, h[:]...)
	}
	return chainhash.DoubleSHA256(buf)
}

func persistBlock(ctx context.Context, tx *sql.Tx, block *burnchain.BurnchainBlock, result *sortition.Result, didSortition bool, prevSeed chainhash.Hash, opsHash, consensusHash chainhash.Hash, totalBurn, sortitionBurn *big.Int, quota int64,
	acceptedKeys []*ops.LeaderKeyRegisterOp, keysByCommit map[*ops.LeaderBlockCommitOp]*ops.LeaderKeyRegisterOp, acceptedCommits []*ops.LeaderBlockCommitOp, acceptedBurns []*ops.UserBurnSupportOp) error {

	var winningTxid, winningHash *string
	// Whatever sortition.Run drew only counts once the quota gate holds;
	// otherwise the seed chain does not advance past this block's entry
	// seed (invariant 6 / §4.5 — no sortition, no new winner, no new seed).
	newSeed := prevSeed
	if didSortition && result.Winner != nil {
		newSeed = result.NewSeed
		t := result.Winner.Candidate.Txid.String()
		h := result.Winner.Candidate.BlockHeaderHash.String()
		winningTxid, winningHash = &t, &h
	}

	snap := &Snapshot{
		BlockHeight:            block.Height,
		BurnHeaderHash:         block.Hash.String(),
		ParentHeaderHash:       block.ParentHash.String(),
		ConsensusHash:          consensusHash.String(),
		OpsHash:                opsHash.String(),
		TotalBurn:              totalBurn.String(),
		SortitionBurn:          sortitionBurn.String(),
		Sortition:              didSortition,
		SortitionHash:          result.SortitionHash.String(),
		NewSeed:                newSeed.String(),
		WinningTxid:            winningTxid,
		WinningBlockHeaderHash: winningHash,
		BurnQuota:              quota,
		Canonical:              true,
	}
	if err := meddler.Insert(tx, "snapshots", snap); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	// Every referenced leader key is consumed on acceptance, win or lose
	// (spec.md §4.4 supplement: a losing commit still spends its key, so
	// the same key cannot be replayed by a later commit).
	consumedHeights := make(map[commitKeyRefLocal]bool)
	for _, k := range keysByCommit {
		if k != nil {
			consumedHeights[commitKeyRefLocal{height: k.BlockHeight, vtxindex: k.VtxIndex}] = true
		}
	}

	for _, k := range acceptedKeys {
		row := &LeaderKeyRow{
			BlockHeight:    k.BlockHeight,
			VtxIndex:       k.VtxIndex,
			Txid:           k.Txid.String(),
			BurnHeaderHash: block.Hash.String(),
			ConsensusHash:  k.ConsensusHash.String(),
			VRFPublicKey:   k.VRFPublicKey,
			Memo:           k.Memo,
			Address:        k.Address,
			Consumed:       consumedHeights[commitKeyRefLocal{height: k.BlockHeight, vtxindex: k.VtxIndex}],
			Canonical:      true,
		}
		if err := meddler.Insert(tx, "leader_keys", row); err != nil {
			return fmt.Errorf("insert leader key: %w", err)
		}
	}
	for ref := range consumedHeights {
		if _, err := tx.ExecContext(ctx, `UPDATE leader_keys SET consumed = 1 WHERE block_height = ? AND vtxindex = ? AND canonical = 1`, ref.height, ref.vtxindex); err != nil {
			return fmt.Errorf("mark leader key consumed: %w", err)
		}
	}

	for _, c := range acceptedCommits {
		row := &BlockCommitRow{
			BlockHeight:        c.BlockHeight,
			VtxIndex:           c.VtxIndex,
			Txid:               c.Txid.String(),
			BurnHeaderHash:     block.Hash.String(),
			BlockHeaderHash:    c.BlockHeaderHash.String(),
			NewSeed:            c.NewSeed.String(),
			ParentBlockBackptr: int(c.ParentBlockBackptr),
			ParentVtxIndex:     int(c.ParentVtxIndex),
			KeyBlockBackptr:    int(c.KeyBlockBackptr),
			KeyVtxIndex:        int(c.KeyVtxIndex),
			EpochNum:           int(c.EpochNum),
			BurnFee:            int64(c.BurnFee),
			Memo:               c.Memo,
			Input:              c.Input,
			Canonical:          true,
		}
		if err := meddler.Insert(tx, "block_commits", row); err != nil {
			return fmt.Errorf("insert block commit: %w", err)
		}
	}
	for _, u := range acceptedBurns {
		row := &UserBurnRow{
			BlockHeight:        u.BlockHeight,
			VtxIndex:           u.VtxIndex,
			Txid:               u.Txid.String(),
			BurnHeaderHash:     block.Hash.String(),
			ConsensusHash:      u.ConsensusHash.String(),
			VRFPublicKey:       u.VRFPublicKey,
			BlockHeaderHash160: fmt.Sprintf("%x", u.BlockHeaderHash160),
			BurnFee:            int64(u.BurnFee),
			Memo:               u.Memo,
			Canonical:          true,
		}
		if err := meddler.Insert(tx, "user_burns", row); err != nil {
			return fmt.Errorf("insert user burn: %w", err)
		}
	}
	return nil
}

func saveQuotaState(ctx context.Context, tx *sql.Tx, quota int64, sortitionBurn *big.Int, pendingIncBump bool) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO quota_state (id, current_quota, sortition_burn, pending_inc_bump) VALUES (0, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET current_quota = excluded.current_quota, sortition_burn = excluded.sortition_burn, pending_inc_bump = excluded.pending_inc_bump
	`, quota, sortitionBurn.String(), pendingIncBump)
	return err
}
