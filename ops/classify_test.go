package ops

import (
	"encoding/binary"
	"testing"

	"go.uber.org/zap"

	"github.com/tolelom/sortichain/burnchain"
	"github.com/tolelom/sortichain/chainhash"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	l, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("build logger: %v", err)
	}
	return l.Sugar()
}

func leaderKeyRegisterPayload(ch chainhash.Hash, vrfPub []byte, memo []byte) []byte {
	buf := []byte{byte(OpcodeLeaderKeyRegister)}
	buf = append(buf, ch[:]...)
	buf = append(buf, vrfPub...)
	buf = append(buf, memo...)
	return buf
}

func TestClassifyLeaderKeyRegister(t *testing.T) {
	ch := chainhash.DoubleSHA256([]byte("consensus"))
	vrfPub := make([]byte, 33)
	vrfPub[0] = 0x02
	tx := burnchain.BurnchainTransaction{
		Data:    leaderKeyRegisterPayload(ch, vrfPub, []byte("hi")),
		Outputs: []burnchain.TxOut{{Script: []byte{0x76, 0xa9}}},
	}

	op := Classify(tx, 100, chainhash.Hash{}, testLogger(t))
	if op == nil || op.LeaderKeyRegister == nil {
		t.Fatalf("expected a LeaderKeyRegister op, got %+v", op)
	}
	got := op.LeaderKeyRegister
	if got.ConsensusHash != ch {
		t.Errorf("consensus hash mismatch")
	}
	if string(got.VRFPublicKey) != string(vrfPub) {
		t.Errorf("vrf pubkey mismatch")
	}
	if string(got.Memo) != "hi" {
		t.Errorf("memo mismatch: %q", got.Memo)
	}
	if got.BlockHeight != 100 {
		t.Errorf("block height not threaded through: %d", got.BlockHeight)
	}
}

func TestClassifyLeaderBlockCommit(t *testing.T) {
	headerHash := chainhash.DoubleSHA256([]byte("header"))
	seed := chainhash.DoubleSHA256([]byte("seed"))
	buf := []byte{byte(OpcodeLeaderBlockCommit)}
	buf = append(buf, headerHash[:]...)
	buf = append(buf, seed[:]...)
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], 1)
	buf = append(buf, u16[:]...) // parent backptr
	binary.BigEndian.PutUint16(u16[:], 0)
	buf = append(buf, u16[:]...) // parent vtx
	binary.BigEndian.PutUint16(u16[:], 2)
	buf = append(buf, u16[:]...) // key backptr
	binary.BigEndian.PutUint16(u16[:], 3)
	buf = append(buf, u16[:]...) // key vtx
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], 7)
	buf = append(buf, u32[:]...) // epoch
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], 5000)
	buf = append(buf, u64[:]...) // burn fee

	tx := burnchain.BurnchainTransaction{
		Data:   buf,
		Inputs: []burnchain.TxIn{{PubKey: []byte{0x03, 0x01}}},
	}

	op := Classify(tx, 200, chainhash.Hash{}, testLogger(t))
	if op == nil || op.LeaderBlockCommit == nil {
		t.Fatalf("expected a LeaderBlockCommit op, got %+v", op)
	}
	c := op.LeaderBlockCommit
	if c.BurnFee != 5000 {
		t.Errorf("burn fee mismatch: %d", c.BurnFee)
	}
	if c.KeyBlockBackptr != 2 || c.KeyVtxIndex != 3 {
		t.Errorf("backptr/vtx mismatch: %d %d", c.KeyBlockBackptr, c.KeyVtxIndex)
	}
	if c.EpochNum != 7 {
		t.Errorf("epoch mismatch: %d", c.EpochNum)
	}
}

func TestClassifyUnknownOpcodeReturnsNil(t *testing.T) {
	tx := burnchain.BurnchainTransaction{Data: []byte{'Z', 1, 2, 3}}
	if op := Classify(tx, 1, chainhash.Hash{}, testLogger(t)); op != nil {
		t.Fatalf("expected nil for unrecognized opcode, got %+v", op)
	}
}

func TestClassifyEmptyPayloadReturnsNil(t *testing.T) {
	tx := burnchain.BurnchainTransaction{Data: nil}
	if op := Classify(tx, 1, chainhash.Hash{}, testLogger(t)); op != nil {
		t.Fatal("expected nil for empty data")
	}
}

func TestClassifyTruncatedPayloadDropped(t *testing.T) {
	tx := burnchain.BurnchainTransaction{Data: []byte{byte(OpcodeLeaderKeyRegister), 1, 2, 3}}
	if op := Classify(tx, 1, chainhash.Hash{}, testLogger(t)); op != nil {
		t.Fatal("expected nil for truncated leader key register payload")
	}
}
