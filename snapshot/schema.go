package snapshot

// schema is the sqlite DDL for the snapshot DB. One row of `snapshots` per
// burn block, plus one row per accepted op, mirroring the teacher's
// StateDB split between a "block-level" root and per-key values but backed
// by a relational schema instead of a KV tree, since spec.md §6 specifies
// relational queries ("find the leader key at this height/vtxindex",
// "find commits whose block_header_hash160 matches") that a KV store would
// need a hand-rolled secondary index to answer.
const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	block_height     INTEGER NOT NULL,
	burn_header_hash  TEXT NOT NULL,
	parent_header_hash TEXT NOT NULL,
	consensus_hash    TEXT NOT NULL,
	ops_hash          TEXT NOT NULL,
	total_burn        TEXT NOT NULL,
	sortition_burn    TEXT NOT NULL,
	sortition         INTEGER NOT NULL DEFAULT 0,
	sortition_hash    TEXT NOT NULL,
	new_seed          TEXT NOT NULL,
	winning_txid      TEXT,
	winning_block_header_hash TEXT,
	burn_quota        INTEGER NOT NULL,
	canonical         INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (block_height, burn_header_hash)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_canonical ON snapshots(canonical, block_height);
CREATE INDEX IF NOT EXISTS idx_snapshots_consensus_hash ON snapshots(consensus_hash);

CREATE TABLE IF NOT EXISTS leader_keys (
	block_height    INTEGER NOT NULL,
	vtxindex        INTEGER NOT NULL,
	txid            TEXT NOT NULL,
	burn_header_hash TEXT NOT NULL,
	consensus_hash  TEXT NOT NULL,
	vrf_public_key  BLOB NOT NULL,
	memo            BLOB,
	address         TEXT NOT NULL,
	consumed        INTEGER NOT NULL DEFAULT 0,
	canonical       INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (block_height, vtxindex, burn_header_hash)
);

CREATE INDEX IF NOT EXISTS idx_leader_keys_canonical ON leader_keys(canonical, block_height, vtxindex);

CREATE TABLE IF NOT EXISTS block_commits (
	block_height       INTEGER NOT NULL,
	vtxindex           INTEGER NOT NULL,
	txid               TEXT NOT NULL,
	burn_header_hash   TEXT NOT NULL,
	block_header_hash  TEXT NOT NULL,
	new_seed           TEXT NOT NULL,
	parent_block_backptr INTEGER NOT NULL,
	parent_vtxindex      INTEGER NOT NULL,
	key_block_backptr    INTEGER NOT NULL,
	key_vtxindex         INTEGER NOT NULL,
	epoch_num          INTEGER NOT NULL,
	burn_fee           INTEGER NOT NULL,
	memo               BLOB,
	input              BLOB,
	canonical          INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (block_height, vtxindex, burn_header_hash)
);

CREATE INDEX IF NOT EXISTS idx_block_commits_canonical ON block_commits(canonical, block_height);

CREATE TABLE IF NOT EXISTS user_burns (
	block_height        INTEGER NOT NULL,
	vtxindex            INTEGER NOT NULL,
	txid                TEXT NOT NULL,
	burn_header_hash    TEXT NOT NULL,
	consensus_hash      TEXT NOT NULL,
	vrf_public_key      BLOB NOT NULL,
	block_header_hash160 TEXT NOT NULL,
	burn_fee            INTEGER NOT NULL,
	memo                BLOB,
	canonical           INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (block_height, vtxindex, burn_header_hash)
);

CREATE INDEX IF NOT EXISTS idx_user_burns_canonical ON user_burns(canonical, block_height);

-- quota_state holds the single-row burn-quota controller feedback loop
-- state (spec.md §4.5's increase-on-miss/decrease-on-hit schedule): the
-- running sortition_burn_accumulated_since_last_sortition counter and
-- whether the next block is the one immediately following the last
-- sortition (the block that receives the +inc bump). Absent from the
-- distilled spec's data model, added so the schedule survives a restart
-- instead of resetting to its initial value.
CREATE TABLE IF NOT EXISTS quota_state (
	id                INTEGER PRIMARY KEY CHECK (id = 0),
	current_quota     INTEGER NOT NULL,
	sortition_burn    TEXT NOT NULL,
	pending_inc_bump  INTEGER NOT NULL
);
`

// Snapshot is one persisted burn block's consensus row.
type Snapshot struct {
	BlockHeight            int64   `meddler:"block_height"`
	BurnHeaderHash         string  `meddler:"burn_header_hash"`
	ParentHeaderHash       string  `meddler:"parent_header_hash"`
	ConsensusHash          string  `meddler:"consensus_hash"`
	OpsHash                string  `meddler:"ops_hash"`
	TotalBurn              string  `meddler:"total_burn"`
	SortitionBurn          string  `meddler:"sortition_burn"`
	Sortition              bool    `meddler:"sortition"`
	SortitionHash          string  `meddler:"sortition_hash"`
	NewSeed                string  `meddler:"new_seed"`
	WinningTxid            *string `meddler:"winning_txid"`
	WinningBlockHeaderHash *string `meddler:"winning_block_header_hash"`
	BurnQuota              int64   `meddler:"burn_quota"`
	Canonical              bool    `meddler:"canonical"`
}

// LeaderKeyRow is the persisted form of ops.LeaderKeyRegisterOp.
type LeaderKeyRow struct {
	BlockHeight    int64  `meddler:"block_height"`
	VtxIndex       int    `meddler:"vtxindex"`
	Txid           string `meddler:"txid"`
	BurnHeaderHash string `meddler:"burn_header_hash"`
	ConsensusHash  string `meddler:"consensus_hash"`
	VRFPublicKey   []byte `meddler:"vrf_public_key"`
	Memo           []byte `meddler:"memo"`
	Address        string `meddler:"address"`
	Consumed       bool   `meddler:"consumed"`
	Canonical      bool   `meddler:"canonical"`
}

// BlockCommitRow is the persisted form of ops.LeaderBlockCommitOp.
type BlockCommitRow struct {
	BlockHeight        int64  `meddler:"block_height"`
	VtxIndex           int    `meddler:"vtxindex"`
	Txid               string `meddler:"txid"`
	BurnHeaderHash     string `meddler:"burn_header_hash"`
	BlockHeaderHash    string `meddler:"block_header_hash"`
	NewSeed            string `meddler:"new_seed"`
	ParentBlockBackptr int    `meddler:"parent_block_backptr"`
	ParentVtxIndex     int    `meddler:"parent_vtxindex"`
	KeyBlockBackptr    int    `meddler:"key_block_backptr"`
	KeyVtxIndex        int    `meddler:"key_vtxindex"`
	EpochNum           int    `meddler:"epoch_num"`
	BurnFee            int64  `meddler:"burn_fee"`
	Memo               []byte `meddler:"memo"`
	Input              []byte `meddler:"input"`
	Canonical          bool   `meddler:"canonical"`
}

// UserBurnRow is the persisted form of ops.UserBurnSupportOp.
type UserBurnRow struct {
	BlockHeight        int64  `meddler:"block_height"`
	VtxIndex           int    `meddler:"vtxindex"`
	Txid               string `meddler:"txid"`
	BurnHeaderHash     string `meddler:"burn_header_hash"`
	ConsensusHash      string `meddler:"consensus_hash"`
	VRFPublicKey       []byte `meddler:"vrf_public_key"`
	BlockHeaderHash160 string `meddler:"block_header_hash160"`
	BurnFee            int64  `meddler:"burn_fee"`
	Memo               []byte `meddler:"memo"`
	Canonical          bool   `meddler:"canonical"`
}

// QuotaState is the single-row burn-quota feedback state.
type QuotaState struct {
	ID             int    `meddler:"id"`
	CurrentQuota   int64  `meddler:"current_quota"`
	SortitionBurn  string `meddler:"sortition_burn"`
	PendingIncBump bool   `meddler:"pending_inc_bump"`
}
