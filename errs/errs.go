// Package errs defines the kind-tagged error taxonomy shared by every
// component of the indexer and peer walker. A Kind is attached to the
// underlying cause with fmt.Errorf's %w verb so callers can recover it with
// errors.Is/errors.As without string-matching messages.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error without specifying a concrete type for it,
// mirroring the sentinel-error idiom the teacher used for core.ErrNotFound.
type Kind string

const (
	// Fatal at construction time.
	UnsupportedBurnchain Kind = "unsupported_burnchain"
	UnrecognizedNetwork  Kind = "unrecognized_network"

	// Fatal to the current sync cycle; the caller should retry on the next
	// invocation of sync().
	FSError        Kind = "fs_error"
	MissingHeaders Kind = "missing_headers"

	// Non-fatal: the offending operation is dropped, the block proceeds.
	OpParseError     Kind = "op_parse_error"
	OpCheckRejected  Kind = "op_check_rejected"

	// Fatal to the in-progress block transaction; it is rolled back and the
	// sync cycle aborts.
	DBError Kind = "db_error"

	// Walker-local: the peer is recorded as broken and the walk resets.
	PeerNotConnected  Kind = "peer_not_connected"
	InvalidMessage    Kind = "invalid_message"
	ConnectionBroken  Kind = "connection_broken"
	ThreadChannelError Kind = "thread_channel_error"

	// The walker cannot start this tick; deferred to the next one.
	NoSuchNeighbor Kind = "no_such_neighbor"
)

// kindError pairs a Kind with an underlying cause.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return string(e.kind)
	}
	return fmt.Sprintf("%s: %v", e.kind, e.cause)
}

func (e *kindError) Unwrap() error { return e.cause }

// Wrap attaches kind to cause. A nil cause still produces a non-nil error
// carrying only the kind, useful for sentinel-style comparisons.
func Wrap(kind Kind, cause error) error {
	return &kindError{kind: kind, cause: cause}
}

// Is reports whether err (or any error it wraps) carries kind.
func Is(err error, kind Kind) bool {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind == kind
	}
	return false
}

// KindOf returns the Kind attached to err, if any, and whether one was found.
func KindOf(err error) (Kind, bool) {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind, true
	}
	return "", false
}

// Fatal reports whether kind should abort the current sync cycle (as opposed
// to being silently dropped at the op level), per spec.md §7's policy table.
func Fatal(kind Kind) bool {
	switch kind {
	case OpParseError, OpCheckRejected:
		return false
	case PeerNotConnected, InvalidMessage, ConnectionBroken, ThreadChannelError, NoSuchNeighbor:
		return false
	default:
		return true
	}
}
