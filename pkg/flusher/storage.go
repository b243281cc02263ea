package flusher

import (
	"context"
	"io"
)

// Storage is the out-of-scope durable blob storage collaborator (§6).
// Keys are either content-addressed or engine-chosen; the engine never
// lists or deletes objects, only gets and puts by key.
type Storage interface {
	// Put durably stores the bytes read from r under key. Put is expected
	// to be idempotent: re-putting the same key with the same bytes after
	// a crash must not corrupt previously-durable data.
	Put(ctx context.Context, key string, r io.Reader) error

	// Get opens the object stored under key for reading. The caller must
	// Close the returned reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}
