package peerwalk

import (
	"encoding/json"
	"net"
	"os"
	"testing"

	"github.com/tolelom/sortichain/peerdb"
)

// immediatePollable is always done on the first Poll, for deterministic
// single-threaded walker tests that don't want asyncPollable's goroutine
// scheduling in the mix.
type immediatePollable struct {
	payload []byte
	err     error
}

func (p immediatePollable) Poll() (bool, error) { return true, p.err }
func (p immediatePollable) Result() []byte      { return p.payload }

type fakeTransport struct {
	neighborsPayload []byte
	pingErr          error
}

func (f *fakeTransport) Handshake(n *peerdb.Neighbor, nonce uint64) (Pollable, error) {
	return immediatePollable{}, nil
}

func (f *fakeTransport) GetNeighbors(n *peerdb.Neighbor) (Pollable, error) {
	return immediatePollable{payload: f.neighborsPayload}, nil
}

func (f *fakeTransport) Ping(n *peerdb.Neighbor) (Pollable, error) {
	if f.pingErr != nil {
		return nil, f.pingErr
	}
	return immediatePollable{}, nil
}

func walkerTestDB(t *testing.T) *peerdb.DB {
	t.Helper()
	dir, err := os.MkdirTemp("", "walker-test")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	db, err := peerdb.Open(dir + "/peers.ldb")
	if err != nil {
		t.Fatalf("peerdb.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func neighborsPayload(addrs ...string) []byte {
	type wireNeighbor struct {
		Addr string `json:"addr"`
		Port uint16 `json:"port"`
		ASN  uint32 `json:"asn"`
	}
	var out []wireNeighbor
	for i, a := range addrs {
		out = append(out, wireNeighbor{Addr: a, Port: uint16(4000 + i), ASN: uint32(i)})
	}
	b, _ := json.Marshal(out)
	return b
}

func TestWalkerStepsThroughFullHandshakeCycle(t *testing.T) {
	db := walkerTestDB(t)
	transport := &fakeTransport{neighborsPayload: neighborsPayload("10.0.0.1")}
	start := &peerdb.Neighbor{Key: peerdb.NeighborKey{Addr: net.ParseIP("10.0.0.0"), Port: 9000}}
	w := New(transport, db, DefaultSchedule, start, nil)

	states := []State{}
	finished := false
	var err error
	for i := 0; i < 10 && !finished; i++ {
		states = append(states, w.state)
		finished, err = w.Step()
		if err != nil {
			t.Fatalf("Step() at iteration %d: %v", i, err)
		}
	}
	if !finished {
		t.Fatal("walker did not reach Finished within 10 steps")
	}
	if w.state != Finished {
		t.Fatalf("expected final state Finished, got %v", w.state)
	}
}

func TestWalkerEndsEarlyWhenNoNeighborsDiscovered(t *testing.T) {
	db := walkerTestDB(t)
	transport := &fakeTransport{neighborsPayload: []byte(`[]`)}
	start := &peerdb.Neighbor{Key: peerdb.NeighborKey{Addr: net.ParseIP("10.0.0.0"), Port: 9000}}
	w := New(transport, db, DefaultSchedule, start, nil)

	var finished bool
	for i := 0; i < 10 && !finished; i++ {
		var err error
		finished, err = w.Step()
		if err != nil {
			t.Fatalf("Step(): %v", err)
		}
	}
	if !finished {
		t.Fatal("expected the walk to end early with no discovered neighbors")
	}
	if w.Current() != start {
		t.Fatal("walker should not have moved when no neighbors were discovered")
	}
}

func TestWalkerHandshakeFailureEndsWalk(t *testing.T) {
	db := walkerTestDB(t)
	transport := &fakeTransport{}
	start := &peerdb.Neighbor{Key: peerdb.NeighborKey{Addr: net.ParseIP("10.0.0.0"), Port: 9000}}
	w := New(transport, db, DefaultSchedule, start, nil)
	w.state = HandshakeWait
	w.pending = immediatePollable{err: os.ErrDeadlineExceeded}

	finished, err := w.Step()
	if !finished {
		t.Fatal("expected the walk to finish on handshake failure")
	}
	if err == nil {
		t.Fatal("expected handshake failure to propagate as an error")
	}
	if w.state != Finished {
		t.Fatalf("expected state Finished after failure, got %v", w.state)
	}
}
