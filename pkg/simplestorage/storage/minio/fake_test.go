package minio

import (
	"bytes"
	"context"
	"io"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
)

type fakeObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
	etag        string
}

func (o *fakeObject) info(key string) minio.ObjectInfo {
	return minio.ObjectInfo{
		Key:          key,
		Size:         int64(len(o.data)),
		ETag:         o.etag,
		ContentType:  o.contentType,
		LastModified: o.modified,
		UserMetadata: maps.Clone(o.metadata),
	}
}

// fakeReader serves one version of an object, like *minio.Object.
type fakeReader struct {
	*bytes.Reader
	info minio.ObjectInfo
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) Stat() (minio.ObjectInfo, error) { return r.info, nil }

// fakeClient is an in-memory MinIO with the listing semantics of the real
// client: sorted keys, and "/"-terminated prefixes in non-recursive mode.
type fakeClient struct {
	mu      sync.Mutex
	buckets map[string]map[string]*fakeObject
	version int
}

var _ Client = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{buckets: make(map[string]map[string]*fakeObject)}
}

func noSuchKey() error {
	return minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound, Message: "The specified key does not exist."}
}

func noSuchBucket() error {
	return minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: http.StatusNotFound, Message: "The specified bucket does not exist"}
}

func (c *fakeClient) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.buckets[bucketName]
	return ok, nil
}

func (c *fakeClient) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.buckets[bucketName]; ok {
		return minio.ErrorResponse{Code: "BucketAlreadyOwnedByYou", StatusCode: http.StatusConflict}
	}
	c.buckets[bucketName] = make(map[string]*fakeObject)
	return nil
}

func (c *fakeClient) PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if err := ctx.Err(); err != nil {
		return minio.UploadInfo{}, err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	objects, ok := c.buckets[bucketName]
	if !ok {
		return minio.UploadInfo{}, noSuchBucket()
	}
	// MinIO canonicalizes user metadata keys.
	meta := make(map[string]string, len(opts.UserMetadata))
	for k, v := range opts.UserMetadata {
		meta[http.CanonicalHeaderKey(k)] = v
	}
	c.version++
	objects[objectName] = &fakeObject{
		data:        data,
		contentType: opts.ContentType,
		metadata:    meta,
		modified:    time.Now().UTC(),
		etag:        strconv.Itoa(c.version),
	}
	return minio.UploadInfo{Bucket: bucketName, Key: objectName, Size: int64(len(data))}, nil
}

func (c *fakeClient) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	objects, ok := c.buckets[bucketName]
	if !ok {
		return nil, noSuchBucket()
	}
	obj, ok := objects[objectName]
	if !ok {
		return nil, noSuchKey()
	}
	if match := strings.Trim(opts.Header().Get("If-Match"), `"`); match != "" && match != obj.etag {
		return nil, minio.ErrorResponse{Code: "PreconditionFailed", StatusCode: http.StatusPreconditionFailed}
	}
	return &fakeReader{Reader: bytes.NewReader(bytes.Clone(obj.data)), info: obj.info(objectName)}, nil
}

func (c *fakeClient) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	objects, ok := c.buckets[bucketName]
	if !ok {
		return minio.ObjectInfo{}, noSuchBucket()
	}
	obj, ok := objects[objectName]
	if !ok {
		return minio.ObjectInfo{}, noSuchKey()
	}
	return obj.info(objectName), nil
}

func (c *fakeClient) ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	c.mu.Lock()
	var infos []minio.ObjectInfo
	objects, ok := c.buckets[bucketName]
	if !ok {
		infos = append(infos, minio.ObjectInfo{Err: noSuchBucket()})
	} else {
		seen := make(map[string]bool)
		for _, key := range slices.Sorted(maps.Keys(objects)) {
			if !strings.HasPrefix(key, opts.Prefix) {
				continue
			}
			if !opts.Recursive {
				if i := strings.Index(key[len(opts.Prefix):], "/"); i >= 0 {
					cp := key[:len(opts.Prefix)+i+1]
					if !seen[cp] {
						seen[cp] = true
						infos = append(infos, minio.ObjectInfo{Key: cp})
					}
					continue
				}
			}
			obj := objects[key]
			infos = append(infos, minio.ObjectInfo{Key: key, Size: int64(len(obj.data)), ETag: obj.etag, LastModified: obj.modified})
		}
		slices.SortFunc(infos, func(a, b minio.ObjectInfo) int { return strings.Compare(a.Key, b.Key) })
		if opts.MaxKeys > 0 && len(infos) > opts.MaxKeys {
			infos = infos[:opts.MaxKeys]
		}
	}
	c.mu.Unlock()

	ch := make(chan minio.ObjectInfo)
	go func() {
		defer close(ch)
		for _, info := range infos {
			select {
			case ch <- info:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (c *fakeClient) RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	objects, ok := c.buckets[bucketName]
	if !ok {
		return noSuchBucket()
	}
	delete(objects, objectName)
	return nil
}
