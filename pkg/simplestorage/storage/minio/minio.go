// Package minio implements simplestorage.Service on a MinIO bucket through
// the minio-go client.
//
// # Layout
//
// Keys are flat and directories are emulated from key prefixes, the same
// way the s3 backend does it. Content types travel as the object
// Content-Type, metadata as user metadata. MinIO canonicalizes user
// metadata keys, so they are read back lowercased.
//
// # Testing
//
// The backend talks to MinIO only through the Client interface, so unit
// tests run against testify mocks (see the mocks package) or an in-memory
// fake instead of a server.
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/tendant/simple-storage/pkg/simplestorage"
	"github.com/tendant/simple-storage/pkg/simplestorage/contenttype"
)

// Name identifies the backend in errors and logs.
const Name = "minio"

// Config holds configuration for the MinIO backend.
type Config struct {
	// Endpoint is the host:port of the MinIO service. A scheme is tolerated and stripped.
	Endpoint string `mapstructure:"endpoint" validate:"required"`
	// AccessKey is the access key ID for authentication.
	AccessKey string `mapstructure:"access_key"`
	// SecretKey is the secret access key for authentication.
	SecretKey string `mapstructure:"secret_key"`
	// UseSSL indicates whether to use SSL/TLS for connections.
	UseSSL bool `mapstructure:"use_ssl"`
	// Bucket is the name of the bucket to store blobs in.
	Bucket string `mapstructure:"bucket" validate:"required"`
	// Region is the location of the bucket (e.g., us-east-1).
	Region string `mapstructure:"region"`
	// Prefix scopes every key below a fixed prefix inside the bucket.
	Prefix string `mapstructure:"prefix"`
	// TimeoutSeconds is the connection timeout in seconds.
	TimeoutSeconds int `mapstructure:"timeout_seconds" validate:"gte=0"`
	// AutoInit initializes the backend on first use instead of requiring Init.
	AutoInit bool `mapstructure:"auto_init"`

	Resolver simplestorage.ContentTypeResolver `mapstructure:"-"`
	Logger   *slog.Logger                      `mapstructure:"-"`
}

// Backend stores blobs in a MinIO bucket.
type Backend struct {
	client   Client
	bucket   string
	region   string
	prefix   string
	guard    *simplestorage.InitGuard
	resolver simplestorage.ContentTypeResolver
	logger   *slog.Logger
}

var _ simplestorage.Service = (*Backend)(nil)

// New creates a MinIO backend. The client connects lazily.
func New(config Config) (*Backend, error) {
	if config.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	client, err := NewClient(config)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, config)
}

// NewWithClient creates a backend over an existing client.
func NewWithClient(client Client, config Config) (*Backend, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if config.Resolver == nil {
		config.Resolver = contenttype.New()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	prefix, err := simplestorage.NormalizeDir(config.Prefix)
	if err != nil {
		return nil, fmt.Errorf("invalid key prefix: %w", err)
	}

	return &Backend{
		client:   client,
		bucket:   config.Bucket,
		region:   config.Region,
		prefix:   simplestorage.ChildPrefix(prefix),
		guard:    simplestorage.NewInitGuard(config.AutoInit),
		resolver: config.Resolver,
		logger:   config.Logger.With("backend", Name, "bucket", config.Bucket),
	}, nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Close() error { return nil }

// Init ensures the bucket exists.
func (b *Backend) Init(ctx context.Context) error {
	if err := b.guard.Init(ctx, b.ensureBucket); err != nil {
		return b.apiError("init", "", err)
	}
	return nil
}

func (b *Backend) ensureBucket(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}

	err = b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{Region: b.region})
	if err != nil {
		code := errorCode(err)
		if code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	b.logger.Info("created bucket", "region", b.region)
	return nil
}

// Exists reports whether an object or an emulated directory is present at path.
func (b *Backend) Exists(ctx context.Context, path string) (bool, error) {
	p, err := b.prepare(ctx, "exists", path)
	if err != nil {
		return false, err
	}

	info, err := b.stat(ctx, p)
	if err != nil {
		return false, b.apiError("exists", p, err)
	}
	if info != nil {
		return true, nil
	}
	isDir, err := b.hasChildren(ctx, p)
	if err != nil {
		return false, b.apiError("exists", p, err)
	}
	return isDir, nil
}

// Open downloads the object at path or reports an emulated directory. The
// file's attributes come from the same response as its bytes.
func (b *Backend) Open(ctx context.Context, path string) (simplestorage.Blob, error) {
	p, err := b.prepare(ctx, "open", path)
	if err != nil {
		return nil, err
	}

	info, data, err := b.fetch(ctx, p, "")
	if err != nil {
		return nil, b.apiError("open", p, err)
	}
	if info == nil {
		isDir, err := b.hasChildren(ctx, p)
		if err != nil {
			return nil, b.apiError("open", p, err)
		}
		if isDir {
			return simplestorage.NewDirectory(p), nil
		}
		return nil, nil
	}

	f := b.file(p, *info)
	f.Data = data
	f.Size = uint64(len(data))
	return f, nil
}

// Describe reports the object at path from StatObject, or an emulated
// directory, without downloading content.
func (b *Backend) Describe(ctx context.Context, path string) (simplestorage.Blob, error) {
	p, err := b.prepare(ctx, "describe", path)
	if err != nil {
		return nil, err
	}

	f, err := b.describe(ctx, p)
	if err != nil {
		return nil, b.apiError("describe", p, err)
	}
	if f != nil {
		return f, nil
	}

	isDir, err := b.hasChildren(ctx, p)
	if err != nil {
		return nil, b.apiError("describe", p, err)
	}
	if isDir {
		return simplestorage.NewDirectory(p), nil
	}
	return nil, nil
}

// Upload puts the object in a single request of known size.
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

	contentType := simplestorage.ResolveContentType(b.resolver, p, req)
	_, err = b.client.PutObject(ctx, b.bucket, b.key(p), bytes.NewReader(req.Data()), int64(req.Size()), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: req.Metadata(),
	})
	if err != nil {
		return b.apiError("upload", p, fmt.Errorf("failed to upload object: %w", err))
	}

	b.logger.Debug("uploaded blob", "path", p, "size", req.Size(), "content_type", contentType)
	return nil
}

// Delete removes the object at path. Emulated directories have nothing to delete.
func (b *Backend) Delete(ctx context.Context, path string) error {
	p, err := b.prepare(ctx, "delete", path)
	if err != nil {
		return err
	}
	err = b.client.RemoveObject(ctx, b.bucket, b.key(p), minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return b.apiError("delete", p, fmt.Errorf("failed to delete object: %w", err))
	}
	return nil
}

// List streams the keys below dir. Non-recursive listings come back from
// MinIO with directories as keys ending in "/".
func (b *Backend) List(ctx context.Context, dir string, opts ...simplestorage.ListOption) iter.Seq2[simplestorage.Blob, error] {
	o := simplestorage.NewListOptions(opts...)

	entries := func(yield func(simplestorage.Blob, error) bool) {
		d, err := b.prepareDir(ctx, dir)
		if err != nil {
			yield(nil, err)
			return
		}

		listCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		listPrefix := b.prefix + simplestorage.ChildPrefix(d)
		objects := b.client.ListObjects(listCtx, b.bucket, minio.ListObjectsOptions{
			Prefix:    listPrefix,
			Recursive: o.Recursive,
		})
		for info := range objects {
			if info.Err != nil {
				yield(nil, b.apiError("list", d, info.Err))
				return
			}
			if info.Key == listPrefix {
				continue
			}

			var blob simplestorage.Blob
			if strings.HasSuffix(info.Key, "/") {
				if o.Recursive {
					continue
				}
				logical, ok := b.logical(strings.TrimSuffix(info.Key, "/"))
				if !ok {
					continue
				}
				blob = simplestorage.NewDirectory(logical)
			} else {
				logical, ok := b.logical(info.Key)
				if !ok {
					continue
				}
				f, err := b.describe(ctx, logical)
				if err != nil {
					yield(nil, b.apiError("list", logical, err))
					return
				}
				if f == nil {
					continue
				}
				blob = f
			}
			if !yield(blob, nil) {
				return
			}
		}
		if err := ctx.Err(); err != nil {
			yield(nil, simplestorage.NewError(Name, "list", d, simplestorage.KindCanceled, err))
		}
	}
	return simplestorage.ApplyListOptions(entries, o)
}

// describe stats a key; content loads lazily and only while the object is
// still the version that was described.
func (b *Backend) describe(ctx context.Context, p string) (*simplestorage.File, error) {
	info, err := b.stat(ctx, p)
	if err != nil || info == nil {
		return nil, err
	}
	f := b.file(p, *info)
	etag := info.ETag
	f.Loader = func(ctx context.Context) ([]byte, error) {
		current, data, err := b.fetch(ctx, p, etag)
		if err != nil {
			if errorCode(err) == "PreconditionFailed" {
				return nil, simplestorage.NewError(Name, "open", p, simplestorage.KindConflict, errors.New("object changed since it was described"))
			}
			return nil, b.apiError("open", p, err)
		}
		if current == nil {
			return nil, simplestorage.NewError(Name, "open", p, simplestorage.KindNotFound, nil)
		}
		return data, nil
	}
	return f, nil
}

func (b *Backend) file(p string, info minio.ObjectInfo) *simplestorage.File {
	f := &simplestorage.File{
		Path:        p,
		Name:        simplestorage.BaseName(p),
		Size:        uint64(max(info.Size, 0)),
		ContentType: info.ContentType,
		Metadata:    metadataOf(info.UserMetadata),
	}
	if f.ContentType == "" {
		f.ContentType = simplestorage.DefaultContentType
	}
	if !info.LastModified.IsZero() {
		modified := info.LastModified
		f.LastModified = &modified
	}
	return f
}

// stat returns nil when the key does not exist.
func (b *Backend) stat(ctx context.Context, p string) (*minio.ObjectInfo, error) {
	info, err := b.client.StatObject(ctx, b.bucket, b.key(p), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}
	return &info, nil
}

// fetch downloads the object and returns it with the info of that same
// response. A non-empty etag makes the read conditional on that version.
// Both results are nil when the key does not exist.
func (b *Backend) fetch(ctx context.Context, p, etag string) (*minio.ObjectInfo, []byte, error) {
	opts := minio.GetObjectOptions{}
	if etag != "" {
		if err := opts.SetMatchETag(etag); err != nil {
			return nil, nil, err
		}
	}
	obj, err := b.client.GetObject(ctx, b.bucket, b.key(p), opts)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to get object: %w", err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read object: %w", err)
	}
	return &info, data, nil
}

// hasChildren reports whether any key lives below p.
func (b *Backend) hasChildren(ctx context.Context, p string) (bool, error) {
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for info := range b.client.ListObjects(listCtx, b.bucket, minio.ListObjectsOptions{
		Prefix:    b.key(p) + "/",
		Recursive: true,
		MaxKeys:   1,
	}) {
		if info.Err != nil {
			return false, info.Err
		}
		return true, nil
	}
	return false, ctx.Err()
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
		info, err := b.stat(ctx, dir)
		if err != nil {
			return b.apiError("upload", p, err)
		}
		if info != nil {
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

func (b *Backend) prepareDir(ctx context.Context, dir string) (string, error) {
	if err := b.ready(ctx, "list", dir); err != nil {
		return "", err
	}
	d, err := simplestorage.NormalizeDir(dir)
	if err != nil {
		return "", simplestorage.NewError(Name, "list", dir, simplestorage.KindInvalidPath, err)
	}
	return d, nil
}

func (b *Backend) ready(ctx context.Context, op, path string) error {
	if err := ctx.Err(); err != nil {
		return simplestorage.NewError(Name, op, path, simplestorage.KindCanceled, err)
	}
	if err := b.guard.Ready(ctx, b.ensureBucket); err != nil {
		if errors.Is(err, simplestorage.ErrNotInitialized) {
			return simplestorage.NewError(Name, op, path, simplestorage.KindBackendUnavailable, err)
		}
		return b.apiError(op, path, err)
	}
	return nil
}

func (b *Backend) key(p string) string {
	return b.prefix + p
}

func (b *Backend) logical(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, b.prefix)
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}

// apiError classifies MinIO error responses by code, then HTTP status.
func (b *Backend) apiError(op, path string, err error) error {
	kind := simplestorage.KindBackendUnavailable

	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.Code {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			kind = simplestorage.KindNotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			kind = simplestorage.KindPermissionDenied
		case "NotImplemented":
			kind = simplestorage.KindUnsupported
		case "InvalidArgument", "KeyTooLongError", "XMinioInvalidObjectName", "InvalidBucketName":
			kind = simplestorage.KindInvalidPath
		default:
			switch resp.StatusCode {
			case http.StatusForbidden, http.StatusUnauthorized:
				kind = simplestorage.KindPermissionDenied
			case http.StatusNotFound:
				kind = simplestorage.KindNotFound
			}
		}
	}
	return simplestorage.NewError(Name, op, path, kind, err)
}

func errorCode(err error) string {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code
	}
	return ""
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return false
	}
	return resp.Code == "NoSuchKey" || (resp.Code == "" && resp.StatusCode == http.StatusNotFound)
}

func metadataOf(m map[string]string) simplestorage.Metadata {
	if len(m) == 0 {
		return nil
	}
	out := make(simplestorage.Metadata, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
