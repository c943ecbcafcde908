// Package azblob implements simplestorage.Service on an Azure Blob Storage
// container.
//
// Blobs are block blobs written in one commit, so readers see either the
// previous or the new content. Directories are emulated from name prefixes.
// Azure metadata names must be valid C# identifiers; they are read back
// lowercased.
package azblob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/tendant/simple-storage/pkg/simplestorage"
	"github.com/tendant/simple-storage/pkg/simplestorage/contenttype"
)

// Name identifies the backend in errors and logs.
const Name = "azblob"

// Backend stores blobs in an Azure Blob Storage container.
type Backend struct {
	client   *container.Client
	config   Config
	prefix   string
	guard    *simplestorage.InitGuard
	resolver simplestorage.ContentTypeResolver
	logger   *slog.Logger
}

var _ simplestorage.Service = (*Backend)(nil)

// New creates an Azure Blob Storage backend. The container client is built
// locally; nothing is sent until Init.
func New(config Config) (*Backend, error) {
	config.setDefaults()
	if err := config.check(); err != nil {
		return nil, err
	}
	if config.Resolver == nil {
		config.Resolver = contenttype.New()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	prefix, err := simplestorage.NormalizeDir(config.Prefix)
	if err != nil {
		return nil, fmt.Errorf("invalid name prefix: %w", err)
	}

	client, err := newContainerClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create container client: %w", err)
	}

	return &Backend{
		client:   client,
		config:   config,
		prefix:   simplestorage.ChildPrefix(prefix),
		guard:    simplestorage.NewInitGuard(config.AutoInit),
		resolver: config.Resolver,
		logger:   config.Logger.With("backend", Name, "container", config.Container),
	}, nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Close() error { return nil }

// Init creates the container unless it already exists.
func (b *Backend) Init(ctx context.Context) error {
	if err := b.guard.Init(ctx, b.ensureContainer); err != nil {
		return b.apiError("init", "", err)
	}
	return nil
}

func (b *Backend) ensureContainer(ctx context.Context) error {
	if b.config.SkipContainerCreation {
		if _, err := b.client.GetProperties(ctx, nil); err != nil {
			return fmt.Errorf("failed to check container: %w", err)
		}
		return nil
	}

	_, err := b.client.Create(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
			return nil
		}
		return fmt.Errorf("failed to create container: %w", err)
	}
	b.logger.Info("created container", "location", b.config.Location)
	return nil
}

// Exists reports whether a blob or an emulated directory is present at path.
func (b *Backend) Exists(ctx context.Context, path string) (bool, error) {
	p, err := b.prepare(ctx, "exists", path)
	if err != nil {
		return false, err
	}

	_, err = b.client.NewBlobClient(b.key(p)).GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	if !isNotFound(err) {
		return false, b.apiError("exists", p, err)
	}
	isDir, err := b.hasChildren(ctx, p)
	if err != nil {
		return false, b.apiError("exists", p, err)
	}
	return isDir, nil
}

// Open downloads the blob at path or reports an emulated directory.
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

// Upload commits the content as a block blob, replacing any existing blob.
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
	_, err = b.client.NewBlockBlobClient(b.key(p)).UploadBuffer(ctx, req.Data(), &blockblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
		Metadata:    toAzureMetadata(req.Metadata()),
	})
	if err != nil {
		return b.apiError("upload", p, fmt.Errorf("failed to upload blob: %w", err))
	}

	b.logger.Debug("uploaded blob", "path", p, "size", req.Size(), "content_type", contentType)
	return nil
}

// Delete removes the blob at path together with its snapshots.
func (b *Backend) Delete(ctx context.Context, path string) error {
	p, err := b.prepare(ctx, "delete", path)
	if err != nil {
		return err
	}

	_, err = b.client.NewBlobClient(b.key(p)).Delete(ctx, &blob.DeleteOptions{
		DeleteSnapshots: to.Ptr(blob.DeleteSnapshotsOptionTypeInclude),
	})
	if err != nil && !isNotFound(err) {
		return b.apiError("delete", p, fmt.Errorf("failed to delete blob: %w", err))
	}
	return nil
}

// List pages through the blobs below dir. Non-recursive listings use the
// hierarchy listing with a "/" delimiter; recursive ones the flat listing.
func (b *Backend) List(ctx context.Context, dir string, opts ...simplestorage.ListOption) iter.Seq2[simplestorage.Blob, error] {
	o := simplestorage.NewListOptions(opts...)

	entries := func(yield func(simplestorage.Blob, error) bool) {
		d, err := b.prepareDir(ctx, dir)
		if err != nil {
			yield(nil, err)
			return
		}

		listPrefix := b.prefix + simplestorage.ChildPrefix(d)
		var prefix *string
		if listPrefix != "" {
			prefix = to.Ptr(listPrefix)
		}
		include := container.ListBlobsInclude{Metadata: true}

		emit := func(items []*container.BlobItem, prefixes []*container.BlobPrefix) bool {
			blobs := make([]simplestorage.Blob, 0, len(items)+len(prefixes))
			for _, bp := range prefixes {
				name := strings.TrimSuffix(deref(bp.Name), "/")
				if logical, ok := b.logical(name); ok && logical != d {
					blobs = append(blobs, simplestorage.NewDirectory(logical))
				}
			}
			for _, item := range items {
				name := deref(item.Name)
				if name == listPrefix || strings.HasSuffix(name, "/") {
					continue
				}
				if logical, ok := b.logical(name); ok {
					blobs = append(blobs, b.listed(logical, item))
				}
			}
			slices.SortFunc(blobs, func(x, y simplestorage.Blob) int {
				return strings.Compare(x.BlobPath(), y.BlobPath())
			})
			for _, entry := range blobs {
				if !yield(entry, nil) {
					return false
				}
			}
			return true
		}

		if o.Recursive {
			pager := b.client.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: prefix, Include: include})
			for pager.More() {
				page, err := pager.NextPage(ctx)
				if err != nil {
					yield(nil, b.apiError("list", d, err))
					return
				}
				if page.Segment == nil {
					continue
				}
				if !emit(page.Segment.BlobItems, nil) {
					return
				}
			}
			return
		}

		pager := b.client.NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{Prefix: prefix, Include: include})
		for pager.More() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				yield(nil, b.apiError("list", d, err))
				return
			}
			if page.Segment == nil {
				continue
			}
			if !emit(page.Segment.BlobItems, page.Segment.BlobPrefixes) {
				return
			}
		}
	}
	return simplestorage.ApplyListOptions(entries, o)
}

// listed builds a file from a listing item; content loads lazily.
func (b *Backend) listed(p string, item *container.BlobItem) *simplestorage.File {
	f := &simplestorage.File{
		Path:        p,
		Name:        simplestorage.BaseName(p),
		ContentType: simplestorage.DefaultContentType,
		Metadata:    fromAzureMetadata(item.Metadata),
	}
	if props := item.Properties; props != nil {
		f.Size = uint64(max(deref(props.ContentLength), 0))
		if ct := deref(props.ContentType); ct != "" {
			f.ContentType = ct
		}
		f.LastModified = props.LastModified
		f.CreatedAt = props.CreationTime
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
	return f
}

// download fetches a blob, returning nil when it does not exist.
func (b *Backend) download(ctx context.Context, p string) (*simplestorage.File, error) {
	resp, err := b.client.NewBlobClient(b.key(p)).DownloadStream(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to download blob: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob body: %w", err)
	}

	contentType := deref(resp.ContentType)
	if contentType == "" {
		contentType = simplestorage.DefaultContentType
	}
	f := simplestorage.NewFile(p, data, contentType, fromAzureMetadata(resp.Metadata))
	f.LastModified = resp.LastModified
	return f, nil
}

// hasChildren reports whether any blob lives below p.
func (b *Backend) hasChildren(ctx context.Context, p string) (bool, error) {
	pager := b.client.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix:     to.Ptr(b.key(p) + "/"),
		MaxResults: to.Ptr(int32(1)),
	})
	if !pager.More() {
		return false, nil
	}
	page, err := pager.NextPage(ctx)
	if err != nil {
		return false, err
	}
	return page.Segment != nil && len(page.Segment.BlobItems) > 0, nil
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
		_, err := b.client.NewBlobClient(b.key(dir)).GetProperties(ctx, nil)
		if err == nil {
			return simplestorage.NewError(Name, "upload", p, simplestorage.KindConflict, fmt.Errorf("%s is a file", dir))
		}
		if !isNotFound(err) {
			return b.apiError("upload", p, err)
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
	if err := b.guard.Ready(ctx, b.ensureContainer); err != nil {
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

func (b *Backend) logical(name string) (string, bool) {
	rest, ok := strings.CutPrefix(name, b.prefix)
	if !ok || rest == "" {
		return "", false
	}
	return rest, true
}

// apiError classifies service errors by error code, then HTTP status.
func (b *Backend) apiError(op, path string, err error) error {
	return simplestorage.NewError(Name, op, path, classify(err), err)
}

func classify(err error) simplestorage.Kind {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return simplestorage.KindBackendUnavailable
	}
	switch respErr.ErrorCode {
	case "BlobNotFound", "ContainerNotFound", "ResourceNotFound":
		return simplestorage.KindNotFound
	case "AuthenticationFailed", "AuthorizationFailure", "AuthorizationPermissionMismatch",
		"InsufficientAccountPermissions", "AccountIsDisabled":
		return simplestorage.KindPermissionDenied
	case "InvalidResourceName", "InvalidUri":
		return simplestorage.KindInvalidPath
	case "InvalidMetadata", "MetadataTooLarge", "InvalidHeaderValue":
		return simplestorage.KindInvalidArgument
	case "UnsupportedHeader", "FeatureVersionMismatch":
		return simplestorage.KindUnsupported
	case "ContainerBeingDeleted", "LeaseIdMissing", "LeaseAlreadyPresent":
		return simplestorage.KindConflict
	}
	switch respErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return simplestorage.KindPermissionDenied
	case http.StatusNotFound:
		return simplestorage.KindNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return simplestorage.KindConflict
	case http.StatusBadRequest:
		return simplestorage.KindInvalidArgument
	}
	return simplestorage.KindBackendUnavailable
}

func isNotFound(err error) bool {
	return bloberror.HasCode(err, bloberror.BlobNotFound)
}

func toAzureMetadata(m simplestorage.Metadata) map[string]*string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]*string, len(m))
	for k, v := range m {
		out[k] = to.Ptr(v)
	}
	return out
}

func fromAzureMetadata(m map[string]*string) simplestorage.Metadata {
	if len(m) == 0 {
		return nil
	}
	out := make(simplestorage.Metadata, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = deref(v)
	}
	return out
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
