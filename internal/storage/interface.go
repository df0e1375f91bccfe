// Package storage persists scan batches and wheel state.
package storage

import "context"

// Object is a stored blob and the opaque version it was read at.
type Object struct {
	Version string
	Data    []byte
}

// BlobStore is a flat key/value object store keyed by slash-separated paths.
//
// Implementations must be safe for concurrent use. Versions are opaque: callers
// only pass back what Get or Put returned.
type BlobStore interface {
	Get(ctx context.Context, key string) (Object, error)
	Put(ctx context.Context, key string, data []byte) (string, error)
	// PutIfMatch writes only if the stored version still equals version,
	// returning ErrConcurrentUpdate otherwise.
	PutIfMatch(ctx context.Context, key string, data []byte, version string) (string, error)
	// List returns every key under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// Ensure implementations satisfy BlobStore
var (
	_ BlobStore = (*FileBlobStore)(nil)
	_ BlobStore = (*S3BlobStore)(nil)
	_ BlobStore = (*MemoryBlobStore)(nil)
)
