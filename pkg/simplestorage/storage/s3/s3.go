// Package s3 implements simplestorage.Service on an S3-compatible bucket.
//
// Keys are flat; directories are emulated from key prefixes and never
// written. Content types travel as the object Content-Type and metadata as
// user metadata, whose keys S3 lowercases. Listing order is the order the
// service returns keys in.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/tendant/simple-storage/pkg/simplestorage"
	"github.com/tendant/simple-storage/pkg/simplestorage/contenttype"
)

// Name identifies the backend in errors and logs.
const Name = "s3"

const defaultRegion = "us-east-1"

// Config options for the S3 backend
type Config struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket" validate:"required"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`

	// Optional custom endpoint for S3-compatible services
	Endpoint     string `mapstructure:"endpoint" validate:"omitempty,url"`
	UsePathStyle bool   `mapstructure:"use_path_style"`

	// Prefix scopes every key below a fixed prefix inside the bucket.
	Prefix string `mapstructure:"prefix"`

	// MaxRetries caps SDK retry attempts. Zero keeps the SDK default.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`

	// Server-side encryption options
	EnableSSE    bool   `mapstructure:"enable_sse"`
	SSEAlgorithm string `mapstructure:"sse_algorithm" validate:"omitempty,oneof=AES256 aws:kms"`
	SSEKMSKeyID  string `mapstructure:"sse_kms_key_id"`

	// SkipBucketCreation makes Init verify the bucket instead of creating it.
	SkipBucketCreation bool `mapstructure:"skip_bucket_creation"`
	AutoInit           bool `mapstructure:"auto_init"`

	Resolver simplestorage.ContentTypeResolver `mapstructure:"-"`
	Logger   *slog.Logger                      `mapstructure:"-"`
}

// Client is the subset of *s3.Client the backend uses.
type Client interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Backend is an S3-compatible implementation of the simplestorage.Service interface
type Backend struct {
	client   Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	config   Config
	guard    *simplestorage.InitGuard
	resolver simplestorage.ContentTypeResolver
	logger   *slog.Logger
}

var _ simplestorage.Service = (*Backend)(nil)

// New creates a new S3-compatible storage backend. Credentials and endpoint
// settings are resolved locally; nothing is sent until Init.
func New(config Config) (*Backend, error) {
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if config.Region == "" {
		config.Region = defaultRegion
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(config.Region),
	}
	if config.AccessKeyID != "" && config.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			config.AccessKeyID,
			config.SecretAccessKey,
			config.SessionToken,
		)))
	}
	if config.MaxRetries > 0 {
		loadOpts = append(loadOpts, awsconfig.WithRetryMaxAttempts(config.MaxRetries))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Custom endpoint for S3-compatible services (MinIO, etc.)
	var s3Options []func(*s3.Options)
	if config.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
			o.UsePathStyle = config.UsePathStyle
		})
	}

	return NewWithClient(s3.NewFromConfig(awsCfg, s3Options...), config)
}

// NewWithClient creates a backend over an existing client.
func NewWithClient(client Client, config Config) (*Backend, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if config.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if config.Region == "" {
		config.Region = defaultRegion
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
		uploader: manager.NewUploader(client),
		bucket:   config.Bucket,
		prefix:   simplestorage.ChildPrefix(prefix),
		config:   config,
		guard:    simplestorage.NewInitGuard(config.AutoInit),
		resolver: config.Resolver,
		logger:   config.Logger.With("backend", Name, "bucket", config.Bucket),
	}, nil
}

func (b *Backend) Name() string { return Name }

// Close is a no-op; the SDK client holds no long-lived connections of its own.
func (b *Backend) Close() error { return nil }

// Init verifies the bucket and creates it when absent.
func (b *Backend) Init(ctx context.Context) error {
	if err := b.guard.Init(ctx, b.createBucketIfNotExists); err != nil {
		return b.apiError("init", "", err)
	}
	return nil
}

// createBucketIfNotExists creates the bucket if it doesn't exist
func (b *Backend) createBucketIfNotExists(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err == nil {
		return nil
	}

	// Handle multiple error types for MinIO compatibility
	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	if !errors.As(err, &notFound) && !errors.As(err, &noSuchBucket) &&
		!strings.Contains(err.Error(), "BadRequest") &&
		!strings.Contains(err.Error(), "NoSuchBucket") {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if b.config.SkipBucketCreation {
		return simplestorage.NewError(Name, "init", "", simplestorage.KindBackendUnavailable,
			fmt.Errorf("bucket %s does not exist", b.bucket))
	}

	createInput := &s3.CreateBucketInput{
		Bucket: aws.String(b.bucket),
	}
	// Add location constraint for regions other than us-east-1
	if b.config.Region != defaultRegion {
		createInput.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(b.config.Region),
		}
	}

	if _, err := b.client.CreateBucket(ctx, createInput); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("failed to create bucket: %w", err)
	}

	b.logger.Info("created bucket", "region", b.config.Region)
	return nil
}

// Exists reports whether an object or an emulated directory is present at path.
func (b *Backend) Exists(ctx context.Context, path string) (bool, error) {
	p, err := b.prepare(ctx, "exists", path)
	if err != nil {
		return false, err
	}

	head, err := b.head(ctx, b.key(p))
	if err != nil {
		return false, b.apiError("exists", p, err)
	}
	if head != nil {
		return true, nil
	}

	isDir, err := b.hasChildren(ctx, p)
	if err != nil {
		return false, b.apiError("exists", p, err)
	}
	return isDir, nil
}

// Open downloads the object at path or reports an emulated directory.
func (b *Backend) Open(ctx context.Context, path string) (simplestorage.Blob, error) {
	p, err := b.prepare(ctx, "open", path)
	if err != nil {
		return nil, err
	}

	f, err := b.download(ctx, p)
	if err != nil {
		return nil, b.apiError("open", p, err)
	}
	if f != nil {
		return f, nil
	}

	isDir, err := b.hasChildren(ctx, p)
	if err != nil {
		return nil, b.apiError("open", p, err)
	}
	if isDir {
		return simplestorage.NewDirectory(p), nil
	}
	return nil, nil
}

// Describe reports the object at path from a HEAD request, or an emulated
// directory. Content is downloaded only when the file's Content is called.
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

// Upload puts the object in a single request; S3 replaces objects atomically.
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
	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key(p)),
		Body:        bytes.NewReader(req.Data()),
		ContentType: aws.String(contentType),
		Metadata:    req.Metadata(),
	}
	b.applySSE(input)

	if _, err := b.uploader.Upload(ctx, input); err != nil {
		return b.apiError("upload", p, fmt.Errorf("failed to upload to S3: %w", err))
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

	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
	})
	if err != nil && !isNotFound(err) {
		return b.apiError("delete", p, fmt.Errorf("failed to delete from S3: %w", err))
	}
	return nil
}

// List pages through the keys below dir. Non-recursive listings use the "/"
// delimiter so directories come back as common prefixes.
//
// ListObjectsV2 does not return content types or user metadata, so every
// listed file costs one HeadObject request on top of the page request.
// Callers walking large prefixes should narrow the listing with WithLimit,
// WithExtensions or WithExclude, which are applied before the HEAD is sent.
// Files are described one at a time as the caller consumes them, so a
// stopped iteration sends no further requests. Content is never downloaded
// until the file's Content is called.
func (b *Backend) List(ctx context.Context, dir string, opts ...simplestorage.ListOption) iter.Seq2[simplestorage.Blob, error] {
	o := simplestorage.NewListOptions(opts...)

	entries := func(yield func(simplestorage.Blob, error) bool) {
		d, err := b.prepareDir(ctx, dir)
		if err != nil {
			yield(nil, err)
			return
		}

		listPrefix := b.prefix + simplestorage.ChildPrefix(d)
		input := &s3.ListObjectsV2Input{
			Bucket: aws.String(b.bucket),
			Prefix: aws.String(listPrefix),
		}
		if !o.Recursive {
			input.Delimiter = aws.String("/")
		}

		paginator := s3.NewListObjectsV2Paginator(b.client, input)
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(nil, b.apiError("list", d, err))
				return
			}

			// Files are described only when they are about to be yielded,
			// so filtered or unconsumed entries never cost a HEAD.
			pending := make([]simplestorage.Blob, 0, len(page.Contents)+len(page.CommonPrefixes))
			for _, cp := range page.CommonPrefixes {
				name := strings.TrimSuffix(aws.ToString(cp.Prefix), "/")
				if logical, ok := b.logical(name); ok && logical != d {
					pending = append(pending, simplestorage.NewDirectory(logical))
				}
			}
			for _, obj := range page.Contents {
				key := aws.ToString(obj.Key)
				if key == listPrefix || strings.HasSuffix(key, "/") {
					continue
				}
				if logical, ok := b.logical(key); ok {
					pending = append(pending, &simplestorage.File{Path: logical, Name: simplestorage.BaseName(logical)})
				}
			}
			slices.SortFunc(pending, func(x, y simplestorage.Blob) int {
				return strings.Compare(x.BlobPath(), y.BlobPath())
			})

			for _, blob := range pending {
				if !blob.IsDir() {
					if !o.Matches(blob) {
						continue
					}
					f, err := b.describe(ctx, blob.BlobPath())
					if err != nil {
						yield(nil, b.apiError("list", blob.BlobPath(), err))
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
		}
	}
	return simplestorage.ApplyListOptions(entries, o)
}

// describe builds a file from its HEAD response; content loads lazily.
func (b *Backend) describe(ctx context.Context, p string) (*simplestorage.File, error) {
	head, err := b.head(ctx, b.key(p))
	if err != nil || head == nil {
		return nil, err
	}

	f := &simplestorage.File{
		Path:         p,
		Name:         simplestorage.BaseName(p),
		Size:         uint64(max(aws.ToInt64(head.ContentLength), 0)),
		ContentType:  contentTypeOf(head.ContentType),
		LastModified: head.LastModified,
		Metadata:     metadataOf(head.Metadata),
	}
	f.Loader = func(ctx context.Context) ([]byte, error) {
		file, err := b.download(ctx, p)
		if err != nil {
			return nil, b.apiError("open", p, err)
		}
		if file == nil {
			return nil, simplestorage.NewError(Name, "open", p, simplestorage.KindNotFound, nil)
		}
		return file.Data, nil
	}
	return f, nil
}

// download fetches an object, returning nil when the key does not exist.
func (b *Backend) download(ctx context.Context, p string) (*simplestorage.File, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(p)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	if result.ContentLength != nil && *result.ContentLength != int64(len(data)) {
		return nil, fmt.Errorf("short read: got %d of %d bytes", len(data), *result.ContentLength)
	}

	f := simplestorage.NewFile(p, data, contentTypeOf(result.ContentType), metadataOf(result.Metadata))
	f.LastModified = result.LastModified
	return f, nil
}

func (b *Backend) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	result, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get object metadata: %w", err)
	}
	return result, nil
}

// hasChildren reports whether any key lives below p.
func (b *Backend) hasChildren(ctx context.Context, p string) (bool, error) {
	result, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucket),
		Prefix:  aws.String(b.key(p) + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, err
	}
	return len(result.Contents) > 0 || len(result.CommonPrefixes) > 0, nil
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
		head, err := b.head(ctx, b.key(dir))
		if err != nil {
			return b.apiError("upload", p, err)
		}
		if head != nil {
			return simplestorage.NewError(Name, "upload", p, simplestorage.KindConflict, fmt.Errorf("%s is a file", dir))
		}
	}
	return nil
}

func (b *Backend) applySSE(input *s3.PutObjectInput) {
	if !b.config.EnableSSE {
		return
	}
	switch b.config.SSEAlgorithm {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "aws:kms":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if b.config.SSEKMSKeyID != "" {
			input.SSEKMSKeyId = aws.String(b.config.SSEKMSKeyID)
		}
	}
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
	if err := b.guard.Ready(ctx, b.createBucketIfNotExists); err != nil {
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

// logical strips the configured prefix from a key.
func (b *Backend) logical(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, b.prefix)
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}

// apiError classifies SDK errors by service error code, then HTTP status.
// Errors without either never reached the service.
func (b *Backend) apiError(op, path string, err error) error {
	kind := simplestorage.KindBackendUnavailable

	var apiErr smithy.APIError
	var respErr *awshttp.ResponseError
	switch {
	case errors.As(err, &apiErr):
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			kind = simplestorage.KindNotFound
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AllAccessDisabled":
			kind = simplestorage.KindPermissionDenied
		case "NotImplemented":
			kind = simplestorage.KindUnsupported
		case "InvalidArgument", "KeyTooLongError", "InvalidObjectName":
			kind = simplestorage.KindInvalidPath
		case "BucketAlreadyExists":
			kind = simplestorage.KindConflict
		}
	case errors.As(err, &respErr):
		switch respErr.HTTPStatusCode() {
		case http.StatusForbidden, http.StatusUnauthorized:
			kind = simplestorage.KindPermissionDenied
		case http.StatusNotFound:
			kind = simplestorage.KindNotFound
		}
	}
	return simplestorage.NewError(Name, op, path, kind, err)
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

func contentTypeOf(ct *string) string {
	if ct == nil || *ct == "" {
		return simplestorage.DefaultContentType
	}
	return *ct
}

func metadataOf(m map[string]string) simplestorage.Metadata {
	if len(m) == 0 {
		return nil
	}
	return simplestorage.Metadata(m).Clone()
}
