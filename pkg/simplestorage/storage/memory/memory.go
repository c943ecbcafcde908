// Package memory is an in-memory implementation of simplestorage.Service.
//
// Keys are flat; directories are emulated from key prefixes. Listings are
// returned in lexical order. Metadata is stored as given.
package memory

import (
	"bytes"
	"context"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tendant/simple-storage/pkg/simplestorage"
	"github.com/tendant/simple-storage/pkg/simplestorage/contenttype"
)

// Name identifies the backend in errors and logs.
const Name = "memory"

// Config options for the memory backend
type Config struct {
	Resolver simplestorage.ContentTypeResolver `mapstructure:"-"`
	Logger   *slog.Logger                      `mapstructure:"-"`
}

type object struct {
	data        []byte
	contentType string
	metadata    simplestorage.Metadata
	createdAt   time.Time
	modifiedAt  time.Time
}

// Backend is an in-memory implementation of the simplestorage.Service interface
type Backend struct {
	mu       sync.RWMutex
	objects  map[string]*object
	resolver simplestorage.ContentTypeResolver
	logger   *slog.Logger
	now      func() time.Time
}

var _ simplestorage.Service = (*Backend)(nil)

// New creates a new in-memory storage backend
func New(config Config) *Backend {
	if config.Resolver == nil {
		config.Resolver = contenttype.New()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Backend{
		objects:  make(map[string]*object),
		resolver: config.Resolver,
		logger:   config.Logger.With("backend", Name),
		now:      time.Now,
	}
}

func (b *Backend) Name() string { return Name }

// Init is a no-op; the backend is usable as soon as it is constructed.
func (b *Backend) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return simplestorage.NewError(Name, "init", "", simplestorage.KindCanceled, err)
	}
	return nil
}

func (b *Backend) Close() error { return nil }

// Exists reports whether a file or an emulated directory is present at path.
func (b *Backend) Exists(ctx context.Context, path string) (bool, error) {
	p, err := b.prepare(ctx, "exists", path)
	if err != nil {
		return false, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if _, ok := b.objects[p]; ok {
		return true, nil
	}
	return b.hasChildrenLocked(p), nil
}

// Open returns a copy of the stored file, a synthetic directory, or nil.
func (b *Backend) Open(ctx context.Context, path string) (simplestorage.Blob, error) {
	p, err := b.prepare(ctx, "open", path)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if obj, ok := b.objects[p]; ok {
		return obj.file(p), nil
	}
	if b.hasChildrenLocked(p) {
		return simplestorage.NewDirectory(p), nil
	}
	return nil, nil
}

// Upload stores the request content, replacing any existing file at path.
func (b *Backend) Upload(ctx context.Context, path string, req simplestorage.UploadRequest) error {
	p, err := b.prepare(ctx, "upload", path)
	if err != nil {
		return err
	}
	if req.IsZero() {
		return simplestorage.NewError(Name, "upload", p, simplestorage.KindInvalidArgument, simplestorage.ErrNoContent)
	}

	contentType := simplestorage.ResolveContentType(b.resolver, p, req)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hasChildrenLocked(p) {
		return simplestorage.NewError(Name, "upload", p, simplestorage.KindConflict, nil)
	}
	for _, dir := range simplestorage.Ancestors(p) {
		if _, ok := b.objects[dir]; ok {
			return simplestorage.NewError(Name, "upload", p, simplestorage.KindConflict, nil)
		}
	}

	now := b.now()
	created := now
	if prev, ok := b.objects[p]; ok {
		created = prev.createdAt
	}
	b.objects[p] = &object{
		data:        bytes.Clone(req.Data()),
		contentType: contentType,
		metadata:    req.Metadata(),
		createdAt:   created,
		modifiedAt:  now,
	}
	b.logger.Debug("uploaded blob", "path", p, "size", req.Size(), "content_type", contentType)
	return nil
}

// Delete removes the file at path. Directories have no marker to remove.
func (b *Backend) Delete(ctx context.Context, path string) error {
	p, err := b.prepare(ctx, "delete", path)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.objects, p)
	return nil
}

// List enumerates a lexically ordered snapshot of the entries below dir.
func (b *Backend) List(ctx context.Context, dir string, opts ...simplestorage.ListOption) iter.Seq2[simplestorage.Blob, error] {
	o := simplestorage.NewListOptions(opts...)
	d, err := simplestorage.NormalizeDir(dir)
	if err != nil {
		return simplestorage.Failed(simplestorage.NewError(Name, "list", dir, simplestorage.KindInvalidPath, err))
	}

	files := func(yield func(*simplestorage.File, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, simplestorage.NewError(Name, "list", d, simplestorage.KindCanceled, err))
			return
		}
		for _, f := range b.snapshot(simplestorage.ChildPrefix(d)) {
			if !yield(f, nil) {
				return
			}
		}
	}
	return simplestorage.ApplyListOptions(simplestorage.GroupByPrefix(d, o.Recursive, files), o)
}

func (b *Backend) snapshot(prefix string) []*simplestorage.File {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	out := make([]*simplestorage.File, 0, len(keys))
	for _, k := range keys {
		out = append(out, b.objects[k].file(k))
	}
	return out
}

func (b *Backend) prepare(ctx context.Context, op, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", simplestorage.NewError(Name, op, path, simplestorage.KindCanceled, err)
	}
	p, err := simplestorage.NormalizePath(path)
	if err != nil {
		return "", simplestorage.NewError(Name, op, path, simplestorage.KindInvalidPath, err)
	}
	return p, nil
}

func (b *Backend) hasChildrenLocked(p string) bool {
	prefix := simplestorage.ChildPrefix(p)
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

func (o *object) file(p string) *simplestorage.File {
	f := simplestorage.NewFile(p, bytes.Clone(o.data), o.contentType, o.metadata.Clone())
	created, modified := o.createdAt, o.modifiedAt
	f.CreatedAt = &created
	f.LastModified = &modified
	return f
}
