package snapshot

import (
	"context"
	"os"
	"testing"

	"github.com/russross/meddler"

	"github.com/tolelom/sortichain/chainhash"
)

func openTestSnapshotDB(t *testing.T) *DB {
	t.Helper()
	dir, err := os.MkdirTemp("", "snapshot-db-test")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	db, err := Open(dir + "/snapshots.sqlite")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMaxHeightEmptyDB(t *testing.T) {
	db := openTestSnapshotDB(t)
	h, err := db.MaxHeight(context.Background())
	if err != nil {
		t.Fatalf("MaxHeight: %v", err)
	}
	if h != -1 {
		t.Fatalf("expected -1 for an empty snapshot DB, got %d", h)
	}
}

func insertTestSnapshot(t *testing.T, db *DB, height int64, consensusHash string, canonical bool) {
	t.Helper()
	snap := &Snapshot{
		BlockHeight:      height,
		BurnHeaderHash:   chainhash.DoubleSHA256([]byte{byte(height)}).String(),
		ParentHeaderHash: chainhash.DoubleSHA256([]byte{byte(height - 1)}).String(),
		ConsensusHash:    consensusHash,
		OpsHash:          chainhash.DoubleSHA256([]byte("ops")).String(),
		TotalBurn:        "0",
		SortitionHash:    chainhash.DoubleSHA256([]byte("sh")).String(),
		NewSeed:          chainhash.DoubleSHA256([]byte("seed")).String(),
		BurnQuota:        1,
		Canonical:        canonical,
	}
	if err := meddler.Insert(db.sql, "snapshots", snap); err != nil {
		t.Fatalf("insert test snapshot: %v", err)
	}
}

func TestMaxHeightIgnoresNonCanonicalRows(t *testing.T) {
	db := openTestSnapshotDB(t)
	insertTestSnapshot(t, db, 5, chainhash.DoubleSHA256([]byte("c5")).String(), true)
	insertTestSnapshot(t, db, 9, chainhash.DoubleSHA256([]byte("c9")).String(), false)

	h, err := db.MaxHeight(context.Background())
	if err != nil {
		t.Fatalf("MaxHeight: %v", err)
	}
	if h != 5 {
		t.Fatalf("expected MaxHeight to ignore the non-canonical row at height 9, got %d", h)
	}
}

func TestConsensusHashExists(t *testing.T) {
	db := openTestSnapshotDB(t)
	ch := chainhash.DoubleSHA256([]byte("known"))
	insertTestSnapshot(t, db, 1, ch.String(), true)

	ok, err := db.ConsensusHashExists(context.Background(), ch)
	if err != nil {
		t.Fatalf("ConsensusHashExists: %v", err)
	}
	if !ok {
		t.Fatal("expected known consensus hash to exist")
	}

	unknown := chainhash.DoubleSHA256([]byte("unknown"))
	ok, err = db.ConsensusHashExists(context.Background(), unknown)
	if err != nil {
		t.Fatalf("ConsensusHashExists: %v", err)
	}
	if ok {
		t.Fatal("expected unknown consensus hash to not exist")
	}
}

func TestRecentConsensusHashesPadsShortHistory(t *testing.T) {
	db := openTestSnapshotDB(t)
	ch5 := chainhash.DoubleSHA256([]byte("c5"))
	insertTestSnapshot(t, db, 5, ch5.String(), true)

	window, err := db.RecentConsensusHashes(context.Background(), 6, 3)
	if err != nil {
		t.Fatalf("RecentConsensusHashes: %v", err)
	}
	if len(window) != 3 {
		t.Fatalf("expected a fixed-length window of 3, got %d", len(window))
	}
	if window[0] != (chainhash.Hash{}) || window[1] != (chainhash.Hash{}) {
		t.Fatalf("expected leading zero-padding for short history, got %+v", window)
	}
	if window[2] != ch5 {
		t.Fatalf("expected the most recent consensus hash last, got %v want %v", window[2], ch5)
	}
}

func TestRecentConsensusHashesOrdersOldestFirst(t *testing.T) {
	db := openTestSnapshotDB(t)
	ch1 := chainhash.DoubleSHA256([]byte("c1"))
	ch2 := chainhash.DoubleSHA256([]byte("c2"))
	ch3 := chainhash.DoubleSHA256([]byte("c3"))
	insertTestSnapshot(t, db, 1, ch1.String(), true)
	insertTestSnapshot(t, db, 2, ch2.String(), true)
	insertTestSnapshot(t, db, 3, ch3.String(), true)

	window, err := db.RecentConsensusHashes(context.Background(), 4, 2)
	if err != nil {
		t.Fatalf("RecentConsensusHashes: %v", err)
	}
	if len(window) != 2 {
		t.Fatalf("expected window length 2, got %d", len(window))
	}
	if window[0] != ch2 || window[1] != ch3 {
		t.Fatalf("expected [ch2, ch3] oldest-first, got %+v", window)
	}
}

func TestLeaderKeyAtNotFound(t *testing.T) {
	db := openTestSnapshotDB(t)
	key, consumed, err := db.LeaderKeyAt(context.Background(), 100, 0)
	if err != nil {
		t.Fatalf("LeaderKeyAt: %v", err)
	}
	if key != nil || consumed {
		t.Fatalf("expected no key found, got %+v consumed=%v", key, consumed)
	}
}

func TestLeaderKeyAtFound(t *testing.T) {
	db := openTestSnapshotDB(t)
	row := &LeaderKeyRow{
		BlockHeight:    50,
		VtxIndex:       1,
		Txid:           chainhash.DoubleSHA256([]byte("txid")).String(),
		BurnHeaderHash: chainhash.DoubleSHA256([]byte("bh")).String(),
		ConsensusHash:  chainhash.DoubleSHA256([]byte("ch")).String(),
		VRFPublicKey:   []byte{1, 2, 3},
		Address:        "addr1",
		Consumed:       true,
		Canonical:      true,
	}
	if err := meddler.Insert(db.sql, "leader_keys", row); err != nil {
		t.Fatalf("insert leader key: %v", err)
	}

	key, consumed, err := db.LeaderKeyAt(context.Background(), 50, 1)
	if err != nil {
		t.Fatalf("LeaderKeyAt: %v", err)
	}
	if key == nil {
		t.Fatal("expected to find the inserted key")
	}
	if !consumed {
		t.Fatal("expected consumed to be true")
	}
	if key.Address != "addr1" {
		t.Fatalf("unexpected address: %q", key.Address)
	}
}

func TestInvalidateAboveFlipsCanonicalAcrossTables(t *testing.T) {
	db := openTestSnapshotDB(t)
	insertTestSnapshot(t, db, 10, chainhash.DoubleSHA256([]byte("c10")).String(), true)
	insertTestSnapshot(t, db, 11, chainhash.DoubleSHA256([]byte("c11")).String(), true)

	if err := db.InvalidateAbove(context.Background(), 10); err != nil {
		t.Fatalf("InvalidateAbove: %v", err)
	}

	h, err := db.MaxHeight(context.Background())
	if err != nil {
		t.Fatalf("MaxHeight: %v", err)
	}
	if h != 10 {
		t.Fatalf("expected max canonical height 10 after invalidating above it, got %d", h)
	}

	// row at height 11 must still physically exist, just flagged non-canonical.
	var count int
	row := db.sql.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE block_height = 11`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan count: %v", err)
	}
	if count != 1 {
		t.Fatal("InvalidateAbove must not delete rows, only flip canonical")
	}
}
