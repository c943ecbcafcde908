package simplestorage

import (
	"bytes"
	"fmt"
	"strings"
)

// UploadRequest describes content to upload. It is immutable once built.
type UploadRequest struct {
	data        []byte
	contentType string
	metadata    Metadata
}

// UploadOption configures an UploadRequest.
type UploadOption func(*UploadRequest) error

// NewUploadRequest builds an UploadRequest over a copy of data. A nil slice is
// rejected with ErrNoContent; an empty non-nil slice is a zero-length upload.
func NewUploadRequest(data []byte, opts ...UploadOption) (UploadRequest, error) {
	if data == nil {
		return UploadRequest{}, fmt.Errorf("%w: %w", ErrInvalidArgument, ErrNoContent)
	}
	req := UploadRequest{data: bytes.Clone(data)}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&req); err != nil {
			return UploadRequest{}, err
		}
	}
	return req, nil
}

// WithContentType sets an explicit content type, bypassing resolution.
func WithContentType(contentType string) UploadOption {
	return func(r *UploadRequest) error {
		contentType = strings.TrimSpace(contentType)
		if contentType == "" {
			return fmt.Errorf("%w: content type is empty", ErrInvalidArgument)
		}
		r.contentType = contentType
		return nil
	}
}

// WithMetadata merges entries into the request metadata. Later values win.
func WithMetadata(m Metadata) UploadOption {
	return func(r *UploadRequest) error {
		for k, v := range m {
			if err := setMetadata(r, k, v); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithMetadataEntry adds a single metadata entry.
func WithMetadataEntry(key, value string) UploadOption {
	return func(r *UploadRequest) error {
		return setMetadata(r, key, value)
	}
}

func setMetadata(r *UploadRequest, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: metadata key is empty", ErrInvalidArgument)
	}
	if r.metadata == nil {
		r.metadata = Metadata{}
	}
	r.metadata[key] = value
	return nil
}

// Data returns the request content. Callers must not modify it.
func (r UploadRequest) Data() []byte { return r.data }

// Size returns the content length in bytes.
func (r UploadRequest) Size() uint64 { return uint64(len(r.data)) }

// ContentType returns the explicit content type, if one was set.
func (r UploadRequest) ContentType() (string, bool) {
	return r.contentType, r.contentType != ""
}

// Metadata returns a copy of the request metadata.
func (r UploadRequest) Metadata() Metadata { return r.metadata.Clone() }

// IsZero reports whether r was never built by NewUploadRequest.
func (r UploadRequest) IsZero() bool { return r.data == nil }

// ResolveContentType returns the explicit content type of req or, failing
// that, the resolver's verdict for the request bytes.
func ResolveContentType(resolver ContentTypeResolver, path string, req UploadRequest) string {
	if ct, ok := req.ContentType(); ok {
		return ct
	}
	if resolver == nil {
		return DefaultContentType
	}
	return resolver.Resolve(BaseName(path), req.data)
}
