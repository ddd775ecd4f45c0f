package peerwalk

import (
	"encoding/json"
	"net"
	"testing"
	"time"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	msg := Message{Type: MsgPing, Payload: json.RawMessage(`{"a":1}`)}

	errCh := make(chan error, 1)
	go func() { errCh <- writeMessage(client, msg) }()

	got, err := readMessage(server)
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	if werr := <-errCh; werr != nil {
		t.Fatalf("writeMessage: %v", werr)
	}
	if got.Type != msg.Type {
		t.Fatalf("type mismatch: got %q want %q", got.Type, msg.Type)
	}
	if string(got.Payload) != string(msg.Payload) {
		t.Fatalf("payload mismatch: got %s want %s", got.Payload, msg.Payload)
	}
}

func TestAsyncPollableReportsDoneOnlyAfterCompletion(t *testing.T) {
	release := make(chan struct{})
	p := newAsyncPollable(func() ([]byte, error) {
		<-release
		return []byte("result"), nil
	})

	if done, _ := p.Poll(); done {
		t.Fatal("expected Poll to report not-done before the goroutine finishes")
	}

	close(release)
	deadline := time.After(2 * time.Second)
	for {
		done, err := p.Poll()
		if done {
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(p.Result()) != "result" {
				t.Fatalf("unexpected result: %s", p.Result())
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for Poll to report done")
		default:
		}
	}
}
