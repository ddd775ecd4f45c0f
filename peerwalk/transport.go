package peerwalk

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/tolelom/sortichain/crypto"
	"github.com/tolelom/sortichain/peerdb"
)

// MsgType labels one handshake/query/reply message, the same
// length-prefixed-JSON idea as the teacher's network.MsgType
// (network/peer.go), narrowed to the three exchanges the walker needs.
type MsgType string

const (
	MsgHandshake    MsgType = "handshake"
	MsgHandshakeAck MsgType = "handshake_ack"
	MsgGetNeighbors MsgType = "get_neighbors"
	MsgNeighbors    MsgType = "neighbors"
	MsgPing         MsgType = "ping"
	MsgPong         MsgType = "pong"
)

// Message is the wire envelope, identical in shape to the teacher's
// network.Message.
type Message struct {
	Type    MsgType         `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// asyncPollable runs one blocking request/reply exchange on a background
// goroutine and exposes it through the non-blocking Pollable interface,
// turning the teacher's blocking Peer.Send/Recv pair (network/peer.go)
// into the poll-based handle spec.md §4.6 requires without rewriting the
// framing itself.
type asyncPollable struct {
	done   chan struct{}
	result []byte
	err    error
}

func (p *asyncPollable) Poll() (bool, error) {
	select {
	case <-p.done:
		return true, p.err
	default:
		return false, nil
	}
}

func (p *asyncPollable) Result() []byte { return p.result }

func newAsyncPollable(run func() ([]byte, error)) *asyncPollable {
	p := &asyncPollable{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.result, p.err = run()
	}()
	return p
}

// TCPTransport implements Transport by dialing each neighbor directly,
// one short-lived connection per exchange. Long-lived peer connections
// and multiplexed message routing belong to the node's main gossip path,
// not the walker, which only needs three fire-and-forget request/reply
// round trips per step.
type TCPTransport struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration

	// IdentityKey signs this node's handshake nonce so the remote peer can
	// attribute the reply to a stable node identity; nil disables signing
	// (tests typically leave it unset).
	IdentityKey crypto.PrivateKey
}

func NewTCPTransport(identityKey crypto.PrivateKey) *TCPTransport {
	return &TCPTransport{DialTimeout: 5 * time.Second, ReadTimeout: 10 * time.Second, IdentityKey: identityKey}
}

var _ Transport = (*TCPTransport)(nil)

// handshakeAck is the remote peer's reply: an echo of the nonce signed by
// its own identity key, verified on return so a handshake cannot be
// replayed by a third party relaying a stale reply (original_source
// supplement to spec.md §4.6, which the distilled spec leaves implicit).
type handshakeAck struct {
	Nonce     uint64            `json:"nonce"`
	PublicKey crypto.PublicKey  `json:"public_key"`
	Signature string            `json:"signature"`
}

func (t *TCPTransport) Handshake(n *peerdb.Neighbor, nonce uint64) (Pollable, error) {
	req := struct {
		Nonce     uint64           `json:"nonce"`
		PublicKey crypto.PublicKey `json:"public_key"`
		Signature string           `json:"signature,omitempty"`
	}{Nonce: nonce}
	if t.IdentityKey != nil {
		req.PublicKey = t.IdentityKey.Public()
		req.Signature = crypto.Sign(t.IdentityKey, nonceBytes(nonce))
	}
	payload, _ := json.Marshal(req)
	return newAsyncPollable(func() ([]byte, error) {
		reply, err := t.roundTrip(n, Message{Type: MsgHandshake, Payload: payload}, MsgHandshakeAck)
		if err != nil {
			return nil, err
		}
		var ack handshakeAck
		if err := json.Unmarshal(reply, &ack); err != nil {
			return nil, fmt.Errorf("decode handshake ack: %w", err)
		}
		if ack.Nonce != nonce {
			return nil, fmt.Errorf("handshake nonce mismatch: sent %d, echoed %d", nonce, ack.Nonce)
		}
		if len(ack.PublicKey) > 0 {
			if err := crypto.Verify(ack.PublicKey, nonceBytes(nonce), ack.Signature); err != nil {
				return nil, fmt.Errorf("handshake signature: %w", err)
			}
		}
		return reply, nil
	}), nil
}

func nonceBytes(nonce uint64) []byte {
	return []byte(strconv.FormatUint(nonce, 10))
}

func (t *TCPTransport) GetNeighbors(n *peerdb.Neighbor) (Pollable, error) {
	return newAsyncPollable(func() ([]byte, error) {
		return t.roundTrip(n, Message{Type: MsgGetNeighbors}, MsgNeighbors)
	}), nil
}

func (t *TCPTransport) Ping(n *peerdb.Neighbor) (Pollable, error) {
	return newAsyncPollable(func() ([]byte, error) {
		return t.roundTrip(n, Message{Type: MsgPing}, MsgPong)
	}), nil
}

func (t *TCPTransport) roundTrip(n *peerdb.Neighbor, req Message, wantReply MsgType) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", n.Key.String(), t.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", n.Key.String(), err)
	}
	defer conn.Close()

	if err := writeMessage(conn, req); err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Now().Add(t.ReadTimeout))
	reply, err := readMessage(conn)
	if err != nil {
		return nil, err
	}
	if reply.Type != wantReply {
		return nil, fmt.Errorf("unexpected reply type %q, want %q", reply.Type, wantReply)
	}
	return reply.Payload, nil
}

// writeMessage and readMessage use the same 4-byte big-endian length
// prefix as the teacher's network.Peer.Send/Recv (network/peer.go).
func writeMessage(w io.Writer, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readMessage(r io.Reader) (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, err
	}
	size := binary.BigEndian.Uint32(header[:])
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(buf, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}
