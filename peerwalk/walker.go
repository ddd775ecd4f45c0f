// Package peerwalk implements the MHRWDA (Metropolis-Hastings Random Walk
// with Delayed Acceptance) peer-graph walker (C6): an explicit state
// machine that advances one step at a time across handshake/getneighbors/
// neighbors/ping/pong exchanges, using non-blocking pollable reply handles
// rather than callbacks, generalizing the teacher's network.Peer
// length-prefixed message exchange (network/peer.go, network/node.go)
// from "send one message, block for one reply" to "advance one state
// transition per poll, never block the caller's goroutine" (spec.md §4.6).
package peerwalk

import (
	"math/rand"
	"time"

	"github.com/tolelom/sortichain/peerdb"
)

// State is a step in the walker's handshake/query/reply sequence.
type State int

const (
	HandshakeBegin State = iota
	HandshakeWait
	GetNeighborsBegin
	GetNeighborsWait
	PingBegin
	PingWait
	Finished
)

// Schedule configures how long a walk runs before being reset to a fresh
// random neighbor, and how often a reset happens even without a failure
// (spec.md §4.6 "the walk doesn't run forever, and occasionally restarts
// even on a healthy path to keep exploring").
type Schedule struct {
	WalkMinDuration time.Duration
	WalkMaxDuration time.Duration
	WalkResetProb   float64 // probability of a forced restart, checked once per completed step
}

// DefaultSchedule mirrors the original implementation's walk timing
// (original_source's net/neighbors.rs uses a short minimum so unhealthy
// peers are dropped quickly, and a bounded maximum so one peer can't pin
// the walk indefinitely).
var DefaultSchedule = Schedule{
	WalkMinDuration: 30 * time.Second,
	WalkMaxDuration: 15 * time.Minute,
	WalkResetProb:   0.05,
}

// Pollable is a non-blocking handle on an in-flight network exchange. The
// walker calls Poll once per tick; Poll returns immediately with whatever
// progress has been made so far, never blocking on I/O (spec.md §4.6
// "poll-based reply handles, not callbacks" — so one slow peer cannot
// stall the walker's single-threaded step loop).
type Pollable interface {
	// Poll returns (done, err). done is false while the exchange is still
	// in flight; once true, Result returns its outcome.
	Poll() (done bool, err error)
	// Result returns the raw reply payload once Poll reports done.
	Result() []byte
}

// Transport issues non-blocking requests to neighbors. Implementations
// adapt the teacher's network.Peer.Send/Recv framing (network/peer.go)
// into a poll-based handle instead of a blocking read.
type Transport interface {
	Handshake(n *peerdb.Neighbor, nonce uint64) (Pollable, error)
	GetNeighbors(n *peerdb.Neighbor) (Pollable, error)
	Ping(n *peerdb.Neighbor) (Pollable, error)
}

// Walker runs one MHRWDA walk across the peer graph, rooted at a current
// neighbor and stepping to AS-biased candidates it discovers via
// GetNeighbors, replacing its current position only when the
// Metropolis-Hastings accept/reject rule says to (spec.md §4.6).
type Walker struct {
	transport Transport
	db        *peerdb.DB
	schedule  Schedule

	state       State
	current     *peerdb.Neighbor
	candidate   *peerdb.Neighbor
	pending     Pollable
	nonce       uint64
	discovered  []*peerdb.Neighbor
	startedAt   time.Time
	lastStepAt  time.Time
}

// New starts a walk rooted at start.
func New(transport Transport, db *peerdb.DB, schedule Schedule, start *peerdb.Neighbor, nowFn func() time.Time) *Walker {
	now := time.Now
	if nowFn != nil {
		now = nowFn
	}
	return &Walker{
		transport:  transport,
		db:         db,
		schedule:   schedule,
		state:      HandshakeBegin,
		current:    start,
		startedAt:  now(),
		lastStepAt: now(),
	}
}

// Step advances the state machine by exactly one transition, returning
// whether the walker reached Finished (and should be restarted by the
// caller). Step never blocks: in a *Wait state it polls its pending
// handle and, if not yet done, returns immediately without changing
// state.
func (w *Walker) Step() (finished bool, err error) {
	switch w.state {
	case HandshakeBegin:
		w.nonce = rand.Uint64()
		p, err := w.transport.Handshake(w.current, w.nonce)
		if err != nil {
			return w.fail(err)
		}
		w.pending = p
		w.state = HandshakeWait
		return false, nil

	case HandshakeWait:
		done, err := w.pending.Poll()
		if err != nil {
			return w.fail(err)
		}
		if !done {
			return false, nil
		}
		w.current.HandshakeNonce = w.nonce
		w.state = GetNeighborsBegin
		return false, nil

	case GetNeighborsBegin:
		p, err := w.transport.GetNeighbors(w.current)
		if err != nil {
			return w.fail(err)
		}
		w.pending = p
		w.state = GetNeighborsWait
		return false, nil

	case GetNeighborsWait:
		done, err := w.pending.Poll()
		if err != nil {
			return w.fail(err)
		}
		if !done {
			return false, nil
		}
		w.discovered = decodeNeighbors(w.pending.Result())
		if len(w.discovered) == 0 {
			w.state = Finished
			return true, nil
		}
		w.candidate = chooseASBiased(w.discovered, w.db)
		w.state = PingBegin
		return false, nil

	case PingBegin:
		p, err := w.transport.Ping(w.candidate)
		if err != nil {
			// candidate unreachable: stay put, end this step.
			w.state = Finished
			return true, nil
		}
		w.pending = p
		w.state = PingWait
		return false, nil

	case PingWait:
		done, err := w.pending.Poll()
		if err != nil {
			// candidate unreachable: stay put, end this step.
			w.state = Finished
			return true, nil
		}
		if !done {
			return false, nil
		}
		accept := acceptReject(w.current, w.candidate, w.db)
		if accept {
			w.evictAndReplace(w.candidate)
			w.current = w.candidate
		}
		w.lastStepAt = time.Now()
		w.state = Finished
		return true, nil

	default:
		return true, nil
	}
}

// ShouldRestart reports whether the walk has run long enough (or hit the
// forced-restart roll) that the caller should discard this Walker and
// start a fresh one from a uniformly random neighbor rather than
// continuing to step the current one (spec.md §4.6).
func (w *Walker) ShouldRestart(now time.Time) bool {
	elapsed := now.Sub(w.startedAt)
	if elapsed >= w.schedule.WalkMaxDuration {
		return true
	}
	if elapsed < w.schedule.WalkMinDuration {
		return false
	}
	return rand.Float64() < w.schedule.WalkResetProb
}

func (w *Walker) fail(err error) (bool, error) {
	w.state = Finished
	return true, err
}

// evictAndReplace inserts the accepted candidate into the peer DB,
// evicting whatever incumbent occupies that slot per spec.md §4.7's
// whitelist/blacklist eviction rules.
func (w *Walker) evictAndReplace(n *peerdb.Neighbor) {
	_, _, _ = w.db.InsertOrReplace(n)
}

// Current returns the walker's present position.
func (w *Walker) Current() *peerdb.Neighbor { return w.current }
