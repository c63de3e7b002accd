package storage

import (
	"context"
	"io"
)

// FileStorage is the blob store the export pipeline writes archive segments
// to. References are opaque strings scoped to the configured destination.
type FileStorage interface {
	// Put stores the full content of r and returns its reference.
	Put(ctx context.Context, r io.Reader) (string, error)
	// Get opens the referenced blob for reading.
	Get(ctx context.Context, ref string) (io.ReadCloser, error)
	// Delete removes the referenced blob. Deleting an unknown reference is
	// not an error.
	Delete(ctx context.Context, ref string) error
}
