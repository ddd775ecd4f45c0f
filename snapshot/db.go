package snapshot

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/russross/meddler"

	"github.com/tolelom/sortichain/chainhash"
	"github.com/tolelom/sortichain/errs"
	"github.com/tolelom/sortichain/ops"
)

func init() {
	meddler.Default = meddler.SQLite
}

// DB is the relational snapshot store (C5). It wraps *sql.DB the way the
// teacher's storage.LevelDB wraps its KV handle: a thin type whose methods
// are the only sanctioned way the rest of the module touches persistence.
type DB struct {
	sql *sql.DB
}

var _ ops.LedgerView = (*DB)(nil)

// Open opens (and migrates) the sqlite-backed snapshot database at path.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite3", path+"?_journal=WAL&_foreign_keys=0")
	if err != nil {
		return nil, errs.Wrap(errs.DBError, fmt.Errorf("open snapshot db: %w", err))
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		return nil, errs.Wrap(errs.DBError, fmt.Errorf("migrate snapshot db: %w", err))
	}
	return &DB{sql: sqlDB}, nil
}

// Close closes the underlying sqlite handle.
func (db *DB) Close() error {
	return db.sql.Close()
}

// MaxHeight returns the highest canonical block height recorded, or -1 if
// the snapshot DB is empty (spec.md §4.1 "sync resumes from the DB's max
// height + 1").
func (db *DB) MaxHeight(ctx context.Context) (int64, error) {
	var height sql.NullInt64
	row := db.sql.QueryRowContext(ctx, `SELECT MAX(block_height) FROM snapshots WHERE canonical = 1`)
	if err := row.Scan(&height); err != nil {
		return 0, fmt.Errorf("query max height: %w", err)
	}
	if !height.Valid {
		return -1, nil
	}
	return height.Int64, nil
}

// LeaderKeyAt implements ops.LedgerView: resolves a leader key by its
// registration coordinate, reporting whether it has already been consumed
// by an earlier accepted commit.
func (db *DB) LeaderKeyAt(ctx context.Context, height int64, vtxindex int) (*ops.LeaderKeyRegisterOp, bool, error) {
	var row LeaderKeyRow
	err := meddler.QueryRowContext(ctx, db.sql, &row,
		`SELECT * FROM leader_keys WHERE block_height = ? AND vtxindex = ? AND canonical = 1`,
		height, vtxindex)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query leader key: %w", err)
	}
	op, err := rowToLeaderKey(&row)
	if err != nil {
		return nil, false, err
	}
	return op, row.Consumed, nil
}

// ConsensusHashExists implements ops.LedgerView: reports whether ch was
// recorded as the consensus hash of any canonical snapshot.
func (db *DB) ConsensusHashExists(ctx context.Context, ch chainhash.Hash) (bool, error) {
	var count int
	row := db.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots WHERE consensus_hash = ? AND canonical = 1`, ch.String())
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("query consensus hash: %w", err)
	}
	return count > 0, nil
}

// RecentConsensusHashes returns the fixed-length window of the `lifetime`
// most recent canonical consensus hashes strictly below height, ordered
// oldest-first, zero-padded at the front when the chain's history is
// shorter than the window (spec.md §4.5's prev_consensus_hashes_vector,
// §6's per-chain ConsensusHashLifetime constant).
func (db *DB) RecentConsensusHashes(ctx context.Context, height, lifetime int64) ([]chainhash.Hash, error) {
	if lifetime <= 0 {
		return nil, nil
	}
	rows, err := db.sql.QueryContext(ctx,
		`SELECT consensus_hash FROM snapshots WHERE block_height < ? AND canonical = 1 ORDER BY block_height DESC LIMIT ?`,
		height, lifetime)
	if err != nil {
		return nil, fmt.Errorf("query recent consensus hashes: %w", err)
	}
	defer rows.Close()

	var recent []chainhash.Hash
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, fmt.Errorf("scan consensus hash: %w", err)
		}
		h, err := chainhash.FromHex(hex)
		if err != nil {
			return nil, fmt.Errorf("parse consensus hash: %w", err)
		}
		recent = append(recent, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent consensus hashes: %w", err)
	}

	window := make([]chainhash.Hash, int(lifetime))
	// recent is newest-first; place it at the tail of the window so the
	// padding (zero hashes) lands at the front when history is short.
	for i, h := range recent {
		window[len(window)-1-i] = h
	}
	return window, nil
}

// InvalidateAbove flips canonical to 0 for every row at a height greater
// than keepHeight, across all four tables, inside one transaction. Rows
// are never deleted (spec.md §4.1 "reorg invalidates, it does not erase":
// an orphaned block's ops remain queryable for diagnostics, just excluded
// from every canonical-scoped query above). Grounded on the other example
// pack's reorg_detector.go pruning transaction, generalized from delete to
// flag-flip per spec.md's explicit invariant.
func (db *DB) InvalidateAbove(ctx context.Context, keepHeight int64) error {
	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin invalidate tx: %w", err)
	}
	defer tx.Rollback()

	tables := []string{"snapshots", "leader_keys", "block_commits", "user_burns"}
	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET canonical = 0 WHERE block_height > ?`, t), keepHeight); err != nil {
			return fmt.Errorf("invalidate %s above %d: %w", t, keepHeight, err)
		}
	}
	return tx.Commit()
}

func rowToLeaderKey(row *LeaderKeyRow) (*ops.LeaderKeyRegisterOp, error) {
	ch, err := chainhash.FromHex(row.ConsensusHash)
	if err != nil {
		return nil, fmt.Errorf("parse consensus hash: %w", err)
	}
	txid, err := chainhash.FromHex(row.Txid)
	if err != nil {
		return nil, fmt.Errorf("parse txid: %w", err)
	}
	bh, err := chainhash.FromHex(row.BurnHeaderHash)
	if err != nil {
		return nil, fmt.Errorf("parse burn header hash: %w", err)
	}
	return &ops.LeaderKeyRegisterOp{
		ConsensusHash: ch,
		VRFPublicKey:  row.VRFPublicKey,
		Memo:          row.Memo,
		Address:       row.Address,
		Txid:          txid,
		VtxIndex:      row.VtxIndex,
		BlockHeight:   row.BlockHeight,
		BlockHash:     bh,
	}, nil
}
