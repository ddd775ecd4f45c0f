package snapshot

import (
	"context"
	"encoding/binary"
	"testing"

	"go.uber.org/zap"

	"github.com/tolelom/sortichain/burnchain"
	"github.com/tolelom/sortichain/chainhash"
	"github.com/tolelom/sortichain/ops"
)

// permissiveCodec accepts any address/VRF key encoding, standing in for
// ops.BitcoinCodec in tests that only care about the checker/controller's
// own logic, not real secp256k1/address validation.
type permissiveCodec struct{}

func (permissiveCodec) DecodeAddress(s string) error      { return nil }
func (permissiveCodec) DecodeVRFPublicKey(b []byte) error { return nil }

func testSugaredLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	l, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	return l.Sugar()
}

func leaderKeyRegisterTx(ch chainhash.Hash, vtxindex int) burnchain.BurnchainTransaction {
	vrfPub := make([]byte, 33)
	vrfPub[0] = 0x02
	buf := []byte{byte(ops.OpcodeLeaderKeyRegister)}
	buf = append(buf, ch[:]...)
	buf = append(buf, vrfPub...)
	return burnchain.BurnchainTransaction{
		Txid:     chainhash.DoubleSHA256([]byte{byte(vtxindex), 1}),
		VtxIndex: vtxindex,
		Data:     buf,
		Outputs:  []burnchain.TxOut{{Script: []byte{0x76, 0xa9}}},
	}
}

func leaderBlockCommitTx(headerHash, seed chainhash.Hash, keyBackptr, keyVtx uint16, burnFee uint64, vtxindex int) burnchain.BurnchainTransaction {
	buf := []byte{byte(ops.OpcodeLeaderBlockCommit)}
	buf = append(buf, headerHash[:]...)
	buf = append(buf, seed[:]...)
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], 0)
	buf = append(buf, u16[:]...) // parent backptr
	buf = append(buf, u16[:]...) // parent vtx
	binary.BigEndian.PutUint16(u16[:], keyBackptr)
	buf = append(buf, u16[:]...)
	binary.BigEndian.PutUint16(u16[:], keyVtx)
	buf = append(buf, u16[:]...)
	var u32 [4]byte
	buf = append(buf, u32[:]...) // epoch 0
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], burnFee)
	buf = append(buf, u64[:]...)
	return burnchain.BurnchainTransaction{
		Txid:     chainhash.DoubleSHA256([]byte{byte(vtxindex), 2}),
		VtxIndex: vtxindex,
		Data:     buf,
	}
}

func TestApplyBlockRegistersKeyThenCommitsAndSortitionPicksAWinner(t *testing.T) {
	db := openTestSnapshotDB(t)
	checker := ops.NewChecker(db, permissiveCodec{}, permissiveCodec{}, 10)
	genesisSeed := chainhash.DoubleSHA256([]byte("genesis"))
	ctrl := NewController(db, checker, permissiveCodec{}, permissiveCodec{}, DefaultBurnQuotaConfig, 24, genesisSeed, nil, testSugaredLogger(t))

	consensusHash98 := chainhash.DoubleSHA256([]byte("consensus-98"))
	insertTestSnapshot(t, db, 98, consensusHash98.String(), true)
	// Fix the entry quota at 1000 (below block 100's commit burn) and seed
	// quota_state so the bootstrap's one-time +inc bump doesn't fire here;
	// this fixture simulates resuming an already-running chain, not genesis.
	if _, err := db.sql.Exec(`UPDATE snapshots SET burn_quota = 1000 WHERE block_height = 98`); err != nil {
		t.Fatalf("fix up burn_quota: %v", err)
	}
	if _, err := db.sql.Exec(`INSERT INTO quota_state (id, current_quota, sortition_burn, pending_inc_bump) VALUES (0, 1000, '0', 0)`); err != nil {
		t.Fatalf("seed quota_state: %v", err)
	}

	block99Hash := chainhash.DoubleSHA256([]byte("block-99"))
	block99 := &burnchain.BurnchainBlock{
		Height:     99,
		Hash:       block99Hash,
		ParentHash: chainhash.DoubleSHA256([]byte("block-98")),
		Txs:        []burnchain.BurnchainTransaction{leaderKeyRegisterTx(consensusHash98, 0)},
	}
	if err := ctrl.ApplyBlock(context.Background(), block99); err != nil {
		t.Fatalf("ApplyBlock(99): %v", err)
	}

	key, consumed, err := db.LeaderKeyAt(context.Background(), 99, 0)
	if err != nil {
		t.Fatalf("LeaderKeyAt: %v", err)
	}
	if key == nil {
		t.Fatal("expected the leader key register to be accepted and persisted")
	}
	if consumed {
		t.Fatal("key should not be consumed before any commit references it")
	}

	block100Hash := chainhash.DoubleSHA256([]byte("block-100"))
	declaredSeed := chainhash.DoubleSHA256([]byte("declared-seed"))
	block100 := &burnchain.BurnchainBlock{
		Height:     100,
		Hash:       block100Hash,
		ParentHash: block99Hash,
		Txs:        []burnchain.BurnchainTransaction{leaderBlockCommitTx(block100Hash, declaredSeed, 1, 0, 5000, 0)},
	}
	if err := ctrl.ApplyBlock(context.Background(), block100); err != nil {
		t.Fatalf("ApplyBlock(100): %v", err)
	}

	maxHeight, err := db.MaxHeight(context.Background())
	if err != nil {
		t.Fatalf("MaxHeight: %v", err)
	}
	if maxHeight != 100 {
		t.Fatalf("expected max height 100, got %d", maxHeight)
	}

	_, consumedAfter, err := db.LeaderKeyAt(context.Background(), 99, 0)
	if err != nil {
		t.Fatalf("LeaderKeyAt after commit: %v", err)
	}
	if !consumedAfter {
		t.Fatal("expected the leader key to be consumed once a commit references it, win or lose")
	}

	var winningTxid *string
	row := db.sql.QueryRow(`SELECT winning_txid FROM snapshots WHERE block_height = 100`)
	if err := row.Scan(&winningTxid); err != nil {
		t.Fatalf("scan winning_txid: %v", err)
	}
	if winningTxid == nil {
		t.Fatal("expected a sortition winner when exactly one candidate exists with nonzero burn")
	}
}

func TestApplyBlockRejectsCommitWithUnknownKey(t *testing.T) {
	db := openTestSnapshotDB(t)
	checker := ops.NewChecker(db, permissiveCodec{}, permissiveCodec{}, 10)
	ctrl := NewController(db, checker, permissiveCodec{}, permissiveCodec{}, DefaultBurnQuotaConfig, 24, chainhash.DoubleSHA256([]byte("genesis")), nil, testSugaredLogger(t))

	blockHash := chainhash.DoubleSHA256([]byte("block-5"))
	block := &burnchain.BurnchainBlock{
		Height: 5,
		Hash:   blockHash,
		Txs:    []burnchain.BurnchainTransaction{leaderBlockCommitTx(blockHash, chainhash.DoubleSHA256([]byte("s")), 1, 0, 100, 0)},
	}
	if err := ctrl.ApplyBlock(context.Background(), block); err != nil {
		t.Fatalf("ApplyBlock should not error on a rejected (not fatal) commit: %v", err)
	}

	maxHeight, err := db.MaxHeight(context.Background())
	if err != nil {
		t.Fatalf("MaxHeight: %v", err)
	}
	if maxHeight != 5 {
		t.Fatalf("expected the block to still be recorded (with no winner) at height 5, got %d", maxHeight)
	}

	var winningTxid *string
	row := db.sql.QueryRow(`SELECT winning_txid FROM snapshots WHERE block_height = 5`)
	if err := row.Scan(&winningTxid); err != nil {
		t.Fatalf("scan winning_txid: %v", err)
	}
	if winningTxid != nil {
		t.Fatal("expected no winner when the only commit references a nonexistent key")
	}
}
