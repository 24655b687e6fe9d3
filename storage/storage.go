// Package storage defines the persistent storage boundary of the kernel:
// sequential WAL append with fsync, checkpoint storage, and blob storage
// for segment content. Implementations: File (production), Memory (tests),
// RedisBlob (alternative blob backend).
package storage

import (
	"context"
	"io"
)

// WAL is sequential append-only record storage. Frames are opaque bytes;
// framing belongs to the kernel.
type WAL interface {
	// Append writes one frame to the end of the log.
	Append(frame []byte) error
	// Sync flushes appended frames to durable media.
	Sync() error
	// Reader streams the log from the beginning.
	Reader() (io.ReadCloser, error)
	// Rewrite atomically replaces the whole log. Used for checkpoint
	// truncation and for discarding a torn tail after recovery.
	Rewrite(content []byte) error
}

// Blob is keyed full-content storage for context segments.
type Blob interface {
	Put(ctx context.Context, key string, content []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Checkpoints stores the most recent kernel checkpoint.
type Checkpoints interface {
	PutCheckpoint(content []byte) error
	// GetCheckpoint returns the checkpoint and whether one exists.
	GetCheckpoint() ([]byte, bool, error)
}

// Store is the full persistent storage surface the kernel consumes.
type Store interface {
	WAL
	Blob
	Checkpoints
}
