// Package fs implements simplestorage.Service on a local directory tree.
//
// Logical paths map onto files below Root. Directories are real, so deleting
// a non-empty directory is a conflict. Content types and metadata are kept in
// a badger index under the reserved ".simplestorage" directory, which is
// hidden from listings and cannot be addressed. Files placed below Root by
// other means have their content type resolved when read. Listings are in
// lexical order.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tendant/simple-storage/pkg/simplestorage"
	"github.com/tendant/simple-storage/pkg/simplestorage/contenttype"
)

const (
	// Name identifies the backend in errors and logs.
	Name = "fs"

	// ReservedDir holds the staging area and the index below Root.
	ReservedDir = ".simplestorage"
)

// Config options for the filesystem backend
type Config struct {
	Root     string      `mapstructure:"root" validate:"required"`
	DirMode  os.FileMode `mapstructure:"dir_mode"`
	FileMode os.FileMode `mapstructure:"file_mode"`
	// AutoInit runs Init on first use instead of failing with ErrNotInitialized.
	AutoInit bool `mapstructure:"auto_init"`

	Resolver simplestorage.ContentTypeResolver `mapstructure:"-"`
	Logger   *slog.Logger                      `mapstructure:"-"`
}

// Backend is a filesystem implementation of the simplestorage.Service interface
type Backend struct {
	// mu serializes commits (rename, remove, directory pruning) against reads.
	mu       sync.RWMutex
	root     string
	config   Config
	guard    *simplestorage.InitGuard
	index    *index
	resolver simplestorage.ContentTypeResolver
	logger   *slog.Logger
}

var _ simplestorage.Service = (*Backend)(nil)

// New creates a filesystem backend. No directories are touched until Init.
func New(config Config) (*Backend, error) {
	if config.Root == "" {
		return nil, errors.New("root directory is required")
	}
	root, err := filepath.Abs(config.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root directory: %w", err)
	}
	if config.DirMode == 0 {
		config.DirMode = 0o755
	}
	if config.FileMode == 0 {
		config.FileMode = 0o644
	}
	if config.Resolver == nil {
		config.Resolver = contenttype.New()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Backend{
		root:     root,
		config:   config,
		guard:    simplestorage.NewInitGuard(config.AutoInit),
		resolver: config.Resolver,
		logger:   config.Logger.With("backend", Name),
	}, nil
}

func (b *Backend) Name() string { return Name }

// Root returns the absolute root directory.
func (b *Backend) Root() string { return b.root }

// Init creates the root directory, the staging area and the index.
func (b *Backend) Init(ctx context.Context) error {
	if err := b.guard.Init(ctx, b.initialize); err != nil {
		return simplestorage.NewError(Name, "init", "", simplestorage.KindBackendUnavailable, err)
	}
	return nil
}

func (b *Backend) initialize(ctx context.Context) error {
	info, err := os.Stat(b.root)
	switch {
	case err == nil && !info.IsDir():
		return simplestorage.NewError(Name, "init", "", simplestorage.KindConflict,
			fmt.Errorf("root %s is not a directory", b.root))
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return b.osError("init", "", err)
	}

	for _, dir := range []string{b.root, b.tmpDir(), b.indexDir()} {
		if err := os.MkdirAll(dir, b.config.DirMode); err != nil {
			return b.osError("init", "", fmt.Errorf("failed to create directory: %w", err))
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.index == nil {
		idx, err := openIndex(b.indexDir(), b.logger)
		if err != nil {
			return simplestorage.NewError(Name, "init", "", simplestorage.KindBackendUnavailable, err)
		}
		b.index = idx
	}

	b.logger.Info("filesystem storage initialized", "root", b.root)
	return nil
}

// Close releases the index. The backend can be initialized again afterwards.
func (b *Backend) Close() error {
	b.guard.Reset()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.index == nil {
		return nil
	}
	err := b.index.close()
	b.index = nil
	return err
}

// Exists reports whether a file or directory is present at path.
func (b *Backend) Exists(ctx context.Context, path string) (bool, error) {
	_, abs, err := b.resolve(ctx, "exists", path)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(abs); err != nil {
		if isAbsent(err) {
			return false, nil
		}
		return false, b.osError("exists", path, err)
	}
	return true, nil
}

// Open reads the file or directory at path.
func (b *Backend) Open(ctx context.Context, path string) (simplestorage.Blob, error) {
	p, abs, err := b.resolve(ctx, "open", path)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	idx, err := b.activeIndex("open", p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if isAbsent(err) {
			return nil, nil
		}
		return nil, b.osError("open", p, err)
	}
	if info.IsDir() {
		return simplestorage.NewDirectory(p), nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if isAbsent(err) {
			return nil, nil
		}
		return nil, b.osError("open", p, err)
	}

	rec, err := lookup(idx, p, int64(len(data)))
	if err != nil {
		return nil, simplestorage.NewError(Name, "open", p, simplestorage.KindBackendUnavailable, err)
	}
	return b.file(p, info, rec, data), nil
}

// Describe reports the file or directory at path without reading content.
func (b *Backend) Describe(ctx context.Context, path string) (simplestorage.Blob, error) {
	p, abs, err := b.resolve(ctx, "describe", path)
	if err != nil {
		return nil, err
	}
	return b.describeEntry(p, abs)
}

// Upload stages the content in a temporary file and renames it into place,
// so readers never observe a partially written file.
func (b *Backend) Upload(ctx context.Context, path string, req simplestorage.UploadRequest) error {
	p, abs, err := b.resolve(ctx, "upload", path)
	if err != nil {
		return err
	}
	if req.IsZero() {
		return simplestorage.NewError(Name, "upload", p, simplestorage.KindInvalidArgument, simplestorage.ErrNoContent)
	}

	contentType := simplestorage.ResolveContentType(b.resolver, p, req)

	tmp, err := b.stage(req.Data())
	if err != nil {
		return b.osError("upload", p, err)
	}
	committed := false
	defer func() {
		if !committed {
			if err := os.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
				b.logger.Warn("failed to remove staged upload", "path", p, "err", err)
			}
		}
	}()

	if err := ctx.Err(); err != nil {
		return simplestorage.NewError(Name, "upload", p, simplestorage.KindCanceled, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	idx, err := b.activeIndex("upload", p)
	if err != nil {
		return err
	}
	if err := b.checkConflicts(p, abs); err != nil {
		return err
	}
	created := b.firstMissingDir(p)
	if err := os.MkdirAll(filepath.Dir(abs), b.config.DirMode); err != nil {
		b.removeCreatedDirs(filepath.Dir(abs), created)
		return b.osError("upload", p, err)
	}

	prev, err := idx.get(p)
	if err != nil {
		return simplestorage.NewError(Name, "upload", p, simplestorage.KindBackendUnavailable, err)
	}
	rec := record{
		ContentType: contentType,
		Metadata:    req.Metadata(),
		Size:        req.Size(),
		CreatedAt:   time.Now().UTC(),
	}
	if prev != nil {
		rec.CreatedAt = prev.CreatedAt
	}
	if err := idx.put(p, rec); err != nil {
		b.removeCreatedDirs(filepath.Dir(abs), created)
		return simplestorage.NewError(Name, "upload", p, simplestorage.KindBackendUnavailable, err)
	}

	if err := os.Rename(tmp, abs); err != nil {
		if rerr := idx.restore(p, prev); rerr != nil {
			b.logger.Error("failed to restore index entry", "path", p, "err", rerr)
		}
		b.removeCreatedDirs(filepath.Dir(abs), created)
		return b.osError("upload", p, err)
	}
	committed = true

	b.logger.Debug("uploaded blob", "path", p, "size", req.Size(), "content_type", contentType)
	return nil
}

// Delete removes a file, or an empty directory. Directories left empty by the
// removal are pruned up to Root.
func (b *Backend) Delete(ctx context.Context, path string) error {
	p, abs, err := b.resolve(ctx, "delete", path)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	idx, err := b.activeIndex("delete", p)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if isAbsent(err) {
			return nil
		}
		return b.osError("delete", p, err)
	}

	if info.IsDir() {
		entries, err := os.ReadDir(abs)
		if err != nil {
			return b.osError("delete", p, err)
		}
		if len(entries) > 0 {
			return simplestorage.NewError(Name, "delete", p, simplestorage.KindConflict,
				errors.New("directory is not empty"))
		}
	}

	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return b.osError("delete", p, err)
	}
	if !info.IsDir() {
		if err := idx.delete(p); err != nil {
			b.logger.Warn("failed to delete index entry", "path", p, "err", err)
		}
	}

	b.cleanupEmptyDirectories(filepath.Dir(abs))
	return nil
}

// List enumerates the entries below dir in lexical order.
func (b *Backend) List(ctx context.Context, dir string, opts ...simplestorage.ListOption) iter.Seq2[simplestorage.Blob, error] {
	o := simplestorage.NewListOptions(opts...)

	entries := func(yield func(simplestorage.Blob, error) bool) {
		d, abs, err := b.resolveDir(ctx, dir)
		if err != nil {
			yield(nil, err)
			return
		}
		info, err := os.Stat(abs)
		if err != nil {
			if !isAbsent(err) {
				yield(nil, b.osError("list", d, err))
			}
			return
		}
		if !info.IsDir() {
			return
		}
		if o.Recursive {
			b.walk(ctx, d, abs, yield)
			return
		}
		b.readDir(ctx, d, abs, yield)
	}
	return simplestorage.ApplyListOptions(entries, o)
}

func (b *Backend) readDir(ctx context.Context, d, abs string, yield func(simplestorage.Blob, error) bool) {
	dirEntries, err := os.ReadDir(abs)
	if err != nil {
		if !isAbsent(err) {
			yield(nil, b.osError("list", d, err))
		}
		return
	}
	for _, e := range dirEntries {
		if err := ctx.Err(); err != nil {
			yield(nil, simplestorage.NewError(Name, "list", d, simplestorage.KindCanceled, err))
			return
		}
		if d == "" && e.Name() == ReservedDir {
			continue
		}
		blob, err := b.describeEntry(simplestorage.JoinPath(d, e.Name()), filepath.Join(abs, e.Name()))
		if err != nil {
			yield(nil, err)
			return
		}
		if blob == nil {
			continue
		}
		if !yield(blob, nil) {
			return
		}
	}
}

func (b *Backend) walk(ctx context.Context, d, abs string, yield func(simplestorage.Blob, error) bool) {
	reserved := filepath.Join(b.root, ReservedDir)
	stopped := false
	err := filepath.WalkDir(abs, func(current string, entry fs.DirEntry, err error) error {
		if err != nil {
			if isAbsent(err) {
				return nil
			}
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if entry.IsDir() {
			if current == reserved {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(b.root, current)
		if err != nil {
			return err
		}
		blob, err := b.describeEntry(filepath.ToSlash(rel), current)
		if err != nil {
			return err
		}
		if blob == nil || blob.IsDir() {
			return nil
		}
		if !yield(blob, nil) {
			stopped = true
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil && !stopped {
		yield(nil, b.osError("list", d, err))
	}
}

// describeEntry stats one entry and looks up its index record under the read
// lock, so the pair never straddles an upload. Entries that vanished or are
// neither files nor directories give nil.
func (b *Backend) describeEntry(p, abs string) (simplestorage.Blob, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	idx, err := b.activeIndex("describe", p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if isAbsent(err) {
			return nil, nil
		}
		return nil, b.osError("describe", p, err)
	}
	switch {
	case info.IsDir():
		return simplestorage.NewDirectory(p), nil
	case info.Mode().IsRegular():
		return b.listedFile(idx, p, abs, info)
	}
	return nil, nil
}

// listedFile describes a file without reading it; content loads on demand.
func (b *Backend) listedFile(idx *index, p, abs string, info os.FileInfo) (*simplestorage.File, error) {
	rec, err := lookup(idx, p, info.Size())
	if err != nil {
		return nil, simplestorage.NewError(Name, "list", p, simplestorage.KindBackendUnavailable, err)
	}
	if rec == nil {
		head, err := readHead(abs, contenttype.DefaultSniffLimit)
		if err != nil {
			return nil, b.osError("list", p, err)
		}
		rec = &record{ContentType: b.resolveStored(p, head, info.Size())}
	}

	f := b.file(p, info, rec, nil)
	f.Loader = func(ctx context.Context) ([]byte, error) {
		blob, err := b.Open(ctx, p)
		if err != nil {
			return nil, err
		}
		file, ok := blob.(*simplestorage.File)
		if !ok {
			return nil, simplestorage.NewError(Name, "open", p, simplestorage.KindNotFound, nil)
		}
		return file.Data, nil
	}
	return f, nil
}

func (b *Backend) file(p string, info os.FileInfo, rec *record, data []byte) *simplestorage.File {
	size := uint64(info.Size())
	if data != nil {
		size = uint64(len(data))
	}
	if rec == nil {
		rec = &record{ContentType: b.resolveStored(p, data, int64(size))}
	}

	modified := info.ModTime()
	f := &simplestorage.File{
		Path:         p,
		Name:         simplestorage.BaseName(p),
		Size:         size,
		ContentType:  rec.ContentType,
		LastModified: &modified,
		Metadata:     simplestorage.Metadata(rec.Metadata).Clone(),
		Data:         data,
	}
	if !rec.CreatedAt.IsZero() {
		created := rec.CreatedAt
		f.CreatedAt = &created
	}
	return f
}

// resolveStored classifies a file that has no index entry.
func (b *Backend) resolveStored(p string, data []byte, size int64) string {
	if size == 0 {
		return simplestorage.DefaultContentType
	}
	return b.resolver.Resolve(simplestorage.BaseName(p), data)
}

// stage writes data to a fresh file in the staging area and syncs it.
func (b *Backend) stage(data []byte) (string, error) {
	tmp := filepath.Join(b.tmpDir(), uuid.NewString()+".part")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, b.config.FileMode)
	if err != nil {
		return "", fmt.Errorf("failed to create staging file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to write staging file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to sync staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to close staging file: %w", err)
	}
	return tmp, nil
}

// checkConflicts rejects uploads onto a directory or below a file.
func (b *Backend) checkConflicts(p, abs string) error {
	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return simplestorage.NewError(Name, "upload", p, simplestorage.KindConflict,
			errors.New("path is a directory"))
	}
	for _, dir := range simplestorage.Ancestors(p) {
		info, err := os.Stat(filepath.Join(b.root, filepath.FromSlash(dir)))
		if err != nil {
			if isAbsent(err) {
				return nil
			}
			return b.osError("upload", p, err)
		}
		if !info.IsDir() {
			return simplestorage.NewError(Name, "upload", p, simplestorage.KindConflict,
				fmt.Errorf("%s is a file", dir))
		}
	}
	return nil
}

// activeIndex returns the open index. Callers hold b.mu.
func (b *Backend) activeIndex(op, p string) (*index, error) {
	if b.index == nil {
		return nil, simplestorage.NewError(Name, op, p, simplestorage.KindBackendUnavailable, simplestorage.ErrNotInitialized)
	}
	return b.index, nil
}

// lookup returns the index record for p. A record whose size disagrees with
// the file on disk describes content replaced outside the backend and is
// ignored.
func lookup(idx *index, p string, size int64) (*record, error) {
	rec, err := idx.get(p)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Size != uint64(size) {
		return nil, nil
	}
	return rec, nil
}

// firstMissingDir returns the outermost ancestor directory of p that does
// not exist yet, or "" when all of them do.
func (b *Backend) firstMissingDir(p string) string {
	for _, dir := range simplestorage.Ancestors(p) {
		abs := filepath.Join(b.root, filepath.FromSlash(dir))
		if _, err := os.Stat(abs); isAbsent(err) {
			return abs
		}
	}
	return ""
}

// removeCreatedDirs removes the empty directories from dir up to and
// including top, the first directory an upload created.
func (b *Backend) removeCreatedDirs(dir, top string) {
	if top == "" {
		return
	}
	for dir == top || strings.HasPrefix(dir, top+string(filepath.Separator)) {
		if os.Remove(dir) != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// cleanupEmptyDirectories recursively removes empty directories up to root
func (b *Backend) cleanupEmptyDirectories(dir string) {
	if dir == b.root || !strings.HasPrefix(dir, b.root) {
		return
	}
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		if os.Remove(dir) == nil {
			b.cleanupEmptyDirectories(filepath.Dir(dir))
		}
	}
}

// resolve checks readiness and maps a logical path below root.
func (b *Backend) resolve(ctx context.Context, op, path string) (string, string, error) {
	if err := b.ready(ctx, op, path); err != nil {
		return "", "", err
	}
	p, err := simplestorage.NormalizePath(path)
	if err != nil {
		return "", "", simplestorage.NewError(Name, op, path, simplestorage.KindInvalidPath, err)
	}
	abs, err := b.abs(p)
	if err != nil {
		return "", "", simplestorage.NewError(Name, op, path, simplestorage.KindInvalidPath, err)
	}
	return p, abs, nil
}

func (b *Backend) resolveDir(ctx context.Context, dir string) (string, string, error) {
	if err := b.ready(ctx, "list", dir); err != nil {
		return "", "", err
	}
	d, err := simplestorage.NormalizeDir(dir)
	if err != nil {
		return "", "", simplestorage.NewError(Name, "list", dir, simplestorage.KindInvalidPath, err)
	}
	if d == "" {
		return "", b.root, nil
	}
	abs, err := b.abs(d)
	if err != nil {
		return "", "", simplestorage.NewError(Name, "list", dir, simplestorage.KindInvalidPath, err)
	}
	return d, abs, nil
}

func (b *Backend) ready(ctx context.Context, op, path string) error {
	if err := ctx.Err(); err != nil {
		return simplestorage.NewError(Name, op, path, simplestorage.KindCanceled, err)
	}
	if err := b.guard.Ready(ctx, b.initialize); err != nil {
		return simplestorage.NewError(Name, op, path, simplestorage.KindBackendUnavailable, err)
	}
	return nil
}

func (b *Backend) abs(p string) (string, error) {
	if first, _, _ := strings.Cut(p, "/"); first == ReservedDir {
		return "", fmt.Errorf("%w: %s is reserved", simplestorage.ErrInvalidPath, ReservedDir)
	}
	abs := filepath.Join(b.root, filepath.FromSlash(p))
	rel, err := filepath.Rel(b.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes the root", simplestorage.ErrInvalidPath, p)
	}
	return abs, nil
}

func (b *Backend) tmpDir() string   { return filepath.Join(b.root, ReservedDir, "tmp") }
func (b *Backend) indexDir() string { return filepath.Join(b.root, ReservedDir, "index") }

func (b *Backend) osError(op, path string, err error) error {
	kind := simplestorage.KindUnknown
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = simplestorage.KindNotFound
	case errors.Is(err, fs.ErrPermission):
		kind = simplestorage.KindPermissionDenied
	case errors.Is(err, syscall.ENOTDIR), errors.Is(err, syscall.EISDIR), errors.Is(err, syscall.ENOTEMPTY):
		kind = simplestorage.KindConflict
	}
	return simplestorage.NewError(Name, op, path, kind, err)
}

// isAbsent treats a missing entry and a path running through a file alike.
func isAbsent(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:read], nil
}
