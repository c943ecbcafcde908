// Package gridfs implements simplestorage.Service on a MongoDB GridFS bucket.
//
// Every upload writes a new revision under the blob's path and then removes
// the older revisions. Reads always pick the latest complete revision, so a
// reader never observes a partially written file. Content type, metadata
// and the creation time live in the GridFS file document's metadata field.
package gridfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/tendant/simple-storage/pkg/simplestorage"
	"github.com/tendant/simple-storage/pkg/simplestorage/contenttype"
)

// Name identifies the backend in errors and logs.
const Name = "gridfs"

const (
	defaultBucket    = "fs"
	defaultChunkSize = 255 * 1024
)

// MongoDB server error codes that mean the caller lacks access.
const (
	codeUnauthorized         = 13
	codeAuthenticationFailed = 18
)

// Config options for the GridFS backend
type Config struct {
	URI      string `mapstructure:"uri" validate:"required_without=Client"`
	Database string `mapstructure:"database" validate:"required"`
	// Bucket is the GridFS bucket name; files live in <bucket>.files and <bucket>.chunks.
	Bucket         string `mapstructure:"bucket"`
	ChunkSizeBytes int32  `mapstructure:"chunk_size_bytes" validate:"gte=0"`
	AutoInit       bool   `mapstructure:"auto_init"`

	// Client reuses an existing connection; Close then leaves it open.
	Client *mongo.Client `mapstructure:"-"`

	Resolver simplestorage.ContentTypeResolver `mapstructure:"-"`
	Logger   *slog.Logger                      `mapstructure:"-"`
}

type fileMetadata struct {
	ContentType string            `bson:"contentType"`
	Attributes  map[string]string `bson:"attributes,omitempty"`
	CreatedAt   time.Time         `bson:"createdAt"`
}

type fileDoc struct {
	ID         bson.ObjectID `bson:"_id"`
	Filename   string        `bson:"filename"`
	Length     int64         `bson:"length"`
	UploadDate time.Time     `bson:"uploadDate"`
	Metadata   *fileMetadata `bson:"metadata,omitempty"`
}

// Backend stores blobs as GridFS files.
type Backend struct {
	client   *mongo.Client
	owned    bool
	bucket   *mongo.GridFSBucket
	files    *mongo.Collection
	config   Config
	guard    *simplestorage.InitGuard
	resolver simplestorage.ContentTypeResolver
	logger   *slog.Logger
}

var _ simplestorage.Service = (*Backend)(nil)

// New creates a GridFS backend. The driver connects lazily, so New sends
// nothing to the server.
func New(config Config) (*Backend, error) {
	if config.Database == "" {
		return nil, errors.New("database name is required")
	}
	if config.Bucket == "" {
		config.Bucket = defaultBucket
	}
	if config.ChunkSizeBytes == 0 {
		config.ChunkSizeBytes = defaultChunkSize
	}
	if config.ChunkSizeBytes < 0 {
		return nil, errors.New("chunk size must be positive")
	}
	if config.Resolver == nil {
		config.Resolver = contenttype.New()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	client, owned := config.Client, false
	if client == nil {
		if config.URI == "" {
			return nil, errors.New("mongodb uri is required")
		}
		c, err := mongo.Connect(options.Client().ApplyURI(config.URI))
		if err != nil {
			return nil, fmt.Errorf("failed to create mongodb client: %w", err)
		}
		client, owned = c, true
	}

	db := client.Database(config.Database)
	bucket := db.GridFSBucket(options.GridFSBucket().
		SetName(config.Bucket).
		SetChunkSizeBytes(config.ChunkSizeBytes))

	return &Backend{
		client:   client,
		owned:    owned,
		bucket:   bucket,
		files:    bucket.GetFilesCollection(),
		config:   config,
		guard:    simplestorage.NewInitGuard(config.AutoInit),
		resolver: config.Resolver,
		logger:   config.Logger.With("backend", Name, "database", config.Database, "bucket", config.Bucket),
	}, nil
}

func (b *Backend) Name() string { return Name }

// Init pings the server and ensures the index used for revision lookups.
func (b *Backend) Init(ctx context.Context) error {
	if err := b.guard.Init(ctx, b.setup); err != nil {
		return b.apiError("init", "", err)
	}
	return nil
}

func (b *Backend) setup(ctx context.Context) error {
	if err := b.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("failed to ping mongodb: %w", err)
	}
	_, err := b.files.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "filename", Value: 1}, {Key: "uploadDate", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create files index: %w", err)
	}
	b.logger.Info("gridfs bucket ready")
	return nil
}

// Close disconnects the client when the backend created it.
func (b *Backend) Close() error {
	b.guard.Reset()
	if !b.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.client.Disconnect(ctx); err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
		return b.apiError("close", "", err)
	}
	return nil
}

// Exists reports whether a file or an emulated directory is present at path.
func (b *Backend) Exists(ctx context.Context, path string) (bool, error) {
	p, err := b.prepare(ctx, "exists", path)
	if err != nil {
		return false, err
	}

	doc, err := b.latest(ctx, p)
	if err != nil {
		return false, b.apiError("exists", p, err)
	}
	if doc != nil {
		return true, nil
	}
	isDir, err := b.hasChildren(ctx, p)
	if err != nil {
		return false, b.apiError("exists", p, err)
	}
	return isDir, nil
}

// Open reads the latest revision at path or reports an emulated directory.
func (b *Backend) Open(ctx context.Context, path string) (simplestorage.Blob, error) {
	p, err := b.prepare(ctx, "open", path)
	if err != nil {
		return nil, err
	}

	// A revision replaced between lookup and read is retried once; the
	// newer revision wins.
	for attempt := 0; ; attempt++ {
		doc, err := b.latest(ctx, p)
		if err != nil {
			return nil, b.apiError("open", p, err)
		}
		if doc == nil {
			isDir, err := b.hasChildren(ctx, p)
			if err != nil {
				return nil, b.apiError("open", p, err)
			}
			if isDir {
				return simplestorage.NewDirectory(p), nil
			}
			return nil, nil
		}

		data, err := b.download(ctx, doc.ID)
		if errors.Is(err, mongo.ErrFileNotFound) && attempt == 0 {
			continue
		}
		if err != nil {
			return nil, b.apiError("open", p, err)
		}
		f := b.file(doc)
		f.Data = data
		f.Size = uint64(len(data))
		return f, nil
	}
}

// Upload writes a new revision and then drops the older ones.
func (b *Backend) Upload(ctx context.Context, path string, req simplestorage.UploadRequest) error {
	p, err := b.prepare(ctx, "upload", path)
	if err != nil {
		return err
	}
	if req.IsZero() {
		return simplestorage.NewError(Name, "upload", p, simplestorage.KindInvalidArgument, simplestorage.ErrNoContent)
	}
	if err := b.checkConflicts(ctx, p); err != nil {
		return err
	}

	prev, err := b.latest(ctx, p)
	if err != nil {
		return b.apiError("upload", p, err)
	}
	meta := fileMetadata{
		ContentType: simplestorage.ResolveContentType(b.resolver, p, req),
		Attributes:  req.Metadata(),
		CreatedAt:   time.Now().UTC(),
	}
	if prev != nil && prev.Metadata != nil && !prev.Metadata.CreatedAt.IsZero() {
		meta.CreatedAt = prev.Metadata.CreatedAt
	}

	id, err := b.bucket.UploadFromStream(ctx, p, bytes.NewReader(req.Data()), options.GridFSUpload().SetMetadata(meta))
	if err != nil {
		return b.apiError("upload", p, fmt.Errorf("failed to upload file: %w", err))
	}

	if err := b.deleteRevisions(ctx, p, id); err != nil {
		b.logger.Warn("failed to remove old revisions", "path", p, "err", err)
	}

	b.logger.Debug("uploaded blob", "path", p, "size", req.Size(), "content_type", meta.ContentType)
	return nil
}

// Delete removes every revision at path.
func (b *Backend) Delete(ctx context.Context, path string) error {
	p, err := b.prepare(ctx, "delete", path)
	if err != nil {
		return err
	}
	if err := b.deleteRevisions(ctx, p, bson.NilObjectID); err != nil {
		return b.apiError("delete", p, err)
	}
	return nil
}

// List scans the files collection for names below dir in lexical order and
// keeps the latest revision of each.
func (b *Backend) List(ctx context.Context, dir string, opts ...simplestorage.ListOption) iter.Seq2[simplestorage.Blob, error] {
	o := simplestorage.NewListOptions(opts...)
	d, err := simplestorage.NormalizeDir(dir)
	if err != nil {
		return simplestorage.Failed(simplestorage.NewError(Name, "list", dir, simplestorage.KindInvalidPath, err))
	}

	files := func(yield func(*simplestorage.File, error) bool) {
		if err := b.ready(ctx, "list", d); err != nil {
			yield(nil, err)
			return
		}

		filter := bson.D{}
		if prefix := simplestorage.ChildPrefix(d); prefix != "" {
			filter = bson.D{{Key: "filename", Value: prefixFilter(prefix)}}
		}
		cursor, err := b.bucket.Find(ctx, filter, options.GridFSFind().
			SetSort(bson.D{{Key: "filename", Value: 1}, {Key: "uploadDate", Value: -1}, {Key: "_id", Value: -1}}))
		if err != nil {
			yield(nil, b.apiError("list", d, err))
			return
		}
		defer cursor.Close(context.WithoutCancel(ctx))

		last := ""
		for cursor.Next(ctx) {
			var doc fileDoc
			if err := cursor.Decode(&doc); err != nil {
				yield(nil, b.apiError("list", d, err))
				return
			}
			if doc.Filename == last {
				continue
			}
			last = doc.Filename
			if !yield(b.listed(&doc), nil) {
				return
			}
		}
		if err := cursor.Err(); err != nil {
			yield(nil, b.apiError("list", d, err))
		}
	}
	return simplestorage.ApplyListOptions(simplestorage.GroupByPrefix(d, o.Recursive, files), o)
}

func (b *Backend) listed(doc *fileDoc) *simplestorage.File {
	f := b.file(doc)
	p := doc.Filename
	f.Loader = func(ctx context.Context) ([]byte, error) {
		latest, err := b.latest(ctx, p)
		if err != nil {
			return nil, b.apiError("open", p, err)
		}
		if latest == nil {
			return nil, simplestorage.NewError(Name, "open", p, simplestorage.KindNotFound, nil)
		}
		data, err := b.download(ctx, latest.ID)
		if err != nil {
			kind := simplestorage.KindBackendUnavailable
			if errors.Is(err, mongo.ErrFileNotFound) {
				kind = simplestorage.KindNotFound
			}
			return nil, simplestorage.NewError(Name, "open", p, kind, err)
		}
		return data, nil
	}
	return f
}

func (b *Backend) file(doc *fileDoc) *simplestorage.File {
	f := &simplestorage.File{
		Path:        doc.Filename,
		Name:        simplestorage.BaseName(doc.Filename),
		Size:        uint64(max(doc.Length, 0)),
		ContentType: simplestorage.DefaultContentType,
	}
	uploaded := doc.UploadDate
	f.LastModified = &uploaded
	if m := doc.Metadata; m != nil {
		if m.ContentType != "" {
			f.ContentType = m.ContentType
		}
		if len(m.Attributes) > 0 {
			f.Metadata = simplestorage.Metadata(m.Attributes).Clone()
		}
		if !m.CreatedAt.IsZero() {
			created := m.CreatedAt
			f.CreatedAt = &created
		}
	}
	return f
}

// latest returns the newest revision stored under p, or nil.
func (b *Backend) latest(ctx context.Context, p string) (*fileDoc, error) {
	cursor, err := b.bucket.Find(ctx, bson.D{{Key: "filename", Value: p}}, options.GridFSFind().
		SetSort(bson.D{{Key: "uploadDate", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(1))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(context.WithoutCancel(ctx))

	if !cursor.Next(ctx) {
		return nil, cursor.Err()
	}
	var doc fileDoc
	if err := cursor.Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (b *Backend) download(ctx context.Context, id bson.ObjectID) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := b.bucket.DownloadToStream(ctx, id, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// deleteRevisions removes every revision at p except keep.
func (b *Backend) deleteRevisions(ctx context.Context, p string, keep bson.ObjectID) error {
	filter := bson.D{{Key: "filename", Value: p}}
	if !keep.IsZero() {
		filter = append(filter, bson.E{Key: "_id", Value: bson.D{{Key: "$ne", Value: keep}}})
	}
	cursor, err := b.bucket.Find(ctx, filter)
	if err != nil {
		return err
	}
	var docs []fileDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return err
	}
	for _, doc := range docs {
		if err := b.bucket.Delete(ctx, doc.ID); err != nil && !errors.Is(err, mongo.ErrFileNotFound) {
			return err
		}
	}
	return nil
}

// hasChildren reports whether any file lives below p.
func (b *Backend) hasChildren(ctx context.Context, p string) (bool, error) {
	err := b.files.FindOne(ctx, bson.D{{Key: "filename", Value: prefixFilter(simplestorage.ChildPrefix(p))}}).Err()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *Backend) checkConflicts(ctx context.Context, p string) error {
	isDir, err := b.hasChildren(ctx, p)
	if err != nil {
		return b.apiError("upload", p, err)
	}
	if isDir {
		return simplestorage.NewError(Name, "upload", p, simplestorage.KindConflict, errors.New("path is a directory"))
	}
	for _, dir := range simplestorage.Ancestors(p) {
		doc, err := b.latest(ctx, dir)
		if err != nil {
			return b.apiError("upload", p, err)
		}
		if doc != nil {
			return simplestorage.NewError(Name, "upload", p, simplestorage.KindConflict, fmt.Errorf("%s is a file", dir))
		}
	}
	return nil
}

func (b *Backend) prepare(ctx context.Context, op, path string) (string, error) {
	if err := b.ready(ctx, op, path); err != nil {
		return "", err
	}
	p, err := simplestorage.NormalizePath(path)
	if err != nil {
		return "", simplestorage.NewError(Name, op, path, simplestorage.KindInvalidPath, err)
	}
	return p, nil
}

func (b *Backend) ready(ctx context.Context, op, path string) error {
	if err := ctx.Err(); err != nil {
		return simplestorage.NewError(Name, op, path, simplestorage.KindCanceled, err)
	}
	if err := b.guard.Ready(ctx, b.setup); err != nil {
		if errors.Is(err, simplestorage.ErrNotInitialized) {
			return simplestorage.NewError(Name, op, path, simplestorage.KindBackendUnavailable, err)
		}
		return b.apiError(op, path, err)
	}
	return nil
}

func (b *Backend) apiError(op, path string, err error) error {
	return simplestorage.NewError(Name, op, path, classify(err), err)
}

func classify(err error) simplestorage.Kind {
	var se mongo.ServerError
	if errors.As(err, &se) && (se.HasErrorCode(codeUnauthorized) || se.HasErrorCode(codeAuthenticationFailed)) {
		return simplestorage.KindPermissionDenied
	}
	if errors.Is(err, mongo.ErrFileNotFound) {
		return simplestorage.KindNotFound
	}
	return simplestorage.KindBackendUnavailable
}

// prefixFilter matches filenames starting with prefix.
func prefixFilter(prefix string) bson.Regex {
	return bson.Regex{Pattern: "^" + regexp.QuoteMeta(prefix)}
}
