package simplestorage

import (
	"context"
	"iter"
)

// DefaultContentType is used when nothing more specific can be determined.
const DefaultContentType = "application/octet-stream"

// Service is the storage contract every backend implements.
type Service interface {
	// Name identifies the backend ("fs", "s3", ...).
	Name() string

	// Init prepares the backend (root directory, bucket, container, index).
	// It is idempotent and safe to call concurrently.
	Init(ctx context.Context) error

	// Exists reports whether a file or directory is present at path.
	Exists(ctx context.Context, path string) (bool, error)

	// Open returns the file or directory at path, or nil when absent.
	Open(ctx context.Context, path string) (Blob, error)

	// Upload stores req at path, replacing any existing file.
	Upload(ctx context.Context, path string, req UploadRequest) error

	// Delete removes the entry at path. Deleting an absent path is a no-op.
	Delete(ctx context.Context, path string) error

	// List enumerates the entries below dir ("" for the root). The sequence
	// is lazy and re-enumerates the backend each time it is ranged over.
	List(ctx context.Context, dir string, opts ...ListOption) iter.Seq2[Blob, error]

	// Close releases long-lived client resources.
	Close() error
}

// Describer is implemented by services that can report a blob's attributes
// without transferring its content. A described File carries no Data; its
// Loader reads the content on demand.
type Describer interface {
	Describe(ctx context.Context, path string) (Blob, error)
}

// Describe returns the blob at path without its content when svc is a
// Describer, and falls back to Open otherwise.
func Describe(ctx context.Context, svc Service, path string) (Blob, error) {
	if d, ok := svc.(Describer); ok {
		return d.Describe(ctx, path)
	}
	return svc.Open(ctx, path)
}

// ContentTypeResolver classifies content that was uploaded without an
// explicit content type. Implementations never fail.
type ContentTypeResolver interface {
	Resolve(filename string, data []byte) string
}

// ResolverFunc adapts a function to ContentTypeResolver.
type ResolverFunc func(filename string, data []byte) string

func (f ResolverFunc) Resolve(filename string, data []byte) string {
	return f(filename, data)
}
