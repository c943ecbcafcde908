package simplestorage

import (
	"context"
	"fmt"
	"maps"
	"time"
)

// Blob is a single entry in a storage backend: either a *File or a *Directory.
type Blob interface {
	// BlobPath returns the normalized logical path of the entry.
	BlobPath() string
	// BlobName returns the last path segment.
	BlobName() string
	// IsDir reports whether the entry is a *Directory.
	IsDir() bool

	sealed()
}

// Metadata is a flat string map attached to a file.
type Metadata map[string]string

// Clone returns a copy of m. A nil map clones to nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// ContentLoader fetches the content of a listed file on demand.
type ContentLoader func(ctx context.Context) ([]byte, error)

// File is a stored file. Values returned by Open carry Data; values yielded by
// List usually carry a Loader instead and fetch content on demand.
type File struct {
	Path         string
	Name         string
	Size         uint64
	ContentType  string
	LastModified *time.Time
	CreatedAt    *time.Time
	Metadata     Metadata
	Data         []byte
	Loader       ContentLoader
}

func (f *File) BlobPath() string { return f.Path }
func (f *File) BlobName() string { return f.Name }
func (f *File) IsDir() bool      { return false }
func (f *File) sealed()          {}

// Content returns the file bytes, invoking the loader when the snapshot was
// produced without data.
func (f *File) Content(ctx context.Context) ([]byte, error) {
	if f.Data != nil || f.Loader == nil {
		return f.Data, nil
	}
	return f.Loader(ctx)
}

func (f *File) String() string {
	return fmt.Sprintf("file [%s] (%d bytes) | %s", f.Path, f.Size, f.ContentType)
}

// Directory is a real or emulated directory. Path is stored without the
// trailing separator.
type Directory struct {
	Path      string
	Name      string
	CreatedAt *time.Time
}

func (d *Directory) BlobPath() string { return d.Path }
func (d *Directory) BlobName() string { return d.Name }
func (d *Directory) IsDir() bool      { return true }
func (d *Directory) sealed()          {}

func (d *Directory) String() string {
	return fmt.Sprintf("directory [%s/]", d.Path)
}

// NewFile builds a File for path with the name derived from the last segment.
func NewFile(path string, data []byte, contentType string, metadata Metadata) *File {
	return &File{
		Path:        path,
		Name:        BaseName(path),
		Size:        uint64(len(data)),
		ContentType: contentType,
		Metadata:    metadata,
		Data:        data,
	}
}

// NewDirectory builds a Directory for path.
func NewDirectory(path string) *Directory {
	return &Directory{Path: path, Name: BaseName(path)}
}
