// Package driver defines the interface for log substrate implementations.
// It provides a common contract for append-only, per-subject ordered record
// stores such as the in-memory, etcd, bbolt and NATS JetStream backends.
package driver

import (
	"context"

	"github.com/tarantool/go-logkv/header"
)

// Publisher is the record level part of the log substrate.
type Publisher interface {
	// Publish appends a record to the stream whose subjects bind the given subject
	// and returns the sequence number the substrate assigned to it.
	// The header carries the tombstone, rollup and expected last subject
	// sequence markers; a mismatching expected sequence fails with
	// ErrWrongLastSequence and appends nothing.
	Publish(ctx context.Context, subject string, data []byte, hdr header.Header) (uint64, error)

	// LastMsg returns the most recent record of the subject within the stream.
	// It fails with ErrStreamNotFound or ErrMsgNotFound.
	LastMsg(ctx context.Context, stream, subject string) (Record, error)
}

// Manager is the stream level part of the log substrate.
type Manager interface {
	// StreamInfo returns the configuration and state of the stream.
	// It fails with ErrStreamNotFound when the stream does not exist.
	StreamInfo(ctx context.Context, name string) (StreamInfo, error)

	// AddStream creates a stream. Adding a stream that already exists with
	// an identical configuration succeeds, a different configuration fails
	// with ErrStreamNameAlreadyInUse.
	AddStream(ctx context.Context, cfg StreamConfig) (StreamInfo, error)

	// DeleteStream destroys the stream and all of its records.
	DeleteStream(ctx context.Context, name string) error
}

// Driver is the interface that log substrate drivers must implement.
type Driver interface {
	Publisher
	Manager
}
