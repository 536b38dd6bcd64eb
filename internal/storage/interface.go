package storage

import (
	"context"
	"io"
)

// ObjectStorage defines the interface for blob storage operations.
// Implementations return an error wrapping domain.ErrNotFound for missing keys.
type ObjectStorage interface {
	// Upload stores an object, replacing any previous object under key.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download opens an object for reading.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete deletes an object from storage
	Delete(ctx context.Context, key string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, key string) (bool, error)

	// EnsureBucket prepares the backing container (bucket or directory).
	EnsureBucket(ctx context.Context) error
}
