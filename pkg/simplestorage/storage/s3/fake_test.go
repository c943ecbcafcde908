package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	modified    time.Time
}

// fakeClient is an in-memory stand-in for an S3 endpoint, honoring the
// delimiter and pagination semantics of ListObjectsV2.
type fakeClient struct {
	mu       sync.Mutex
	buckets  map[string]map[string]*fakeObject
	pageSize int32
	calls    map[string]int
}

var _ Client = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{
		buckets:  make(map[string]map[string]*fakeObject),
		pageSize: 1000,
		calls:    make(map[string]int),
	}
}

func (c *fakeClient) record(op string) {
	c.calls[op]++
}

func (c *fakeClient) bucket(name *string) (map[string]*fakeObject, error) {
	objects, ok := c.buckets[aws.ToString(name)]
	if !ok {
		return nil, &types.NoSuchBucket{Message: aws.String("bucket does not exist")}
	}
	return objects, nil
}

func (c *fakeClient) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("HeadBucket")
	if _, ok := c.buckets[aws.ToString(params.Bucket)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (c *fakeClient) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("CreateBucket")
	name := aws.ToString(params.Bucket)
	if _, ok := c.buckets[name]; ok {
		return nil, &types.BucketAlreadyOwnedByYou{}
	}
	c.buckets[name] = make(map[string]*fakeObject)
	return &s3.CreateBucketOutput{}, nil
}

func (c *fakeClient) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("PutObject")
	objects, err := c.bucket(params.Bucket)
	if err != nil {
		return nil, err
	}
	meta := make(map[string]string, len(params.Metadata))
	for k, v := range params.Metadata {
		meta[strings.ToLower(k)] = v
	}
	objects[aws.ToString(params.Key)] = &fakeObject{
		data:        data,
		contentType: aws.ToString(params.ContentType),
		metadata:    meta,
		modified:    time.Now().UTC(),
	}
	return &s3.PutObjectOutput{}, nil
}

func (c *fakeClient) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, errors.New("multipart uploads are not supported by the fake")
}

func (c *fakeClient) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, errors.New("multipart uploads are not supported by the fake")
}

func (c *fakeClient) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, errors.New("multipart uploads are not supported by the fake")
}

func (c *fakeClient) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (c *fakeClient) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("HeadObject")
	objects, err := c.bucket(params.Bucket)
	if err != nil {
		return nil, err
	}
	obj, ok := objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   aws.String(obj.contentType),
		LastModified:  aws.Time(obj.modified),
		Metadata:      maps.Clone(obj.metadata),
	}, nil
}

func (c *fakeClient) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("GetObject")
	objects, err := c.bucket(params.Bucket)
	if err != nil {
		return nil, err
	}
	obj, ok := objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(bytes.Clone(obj.data))),
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   aws.String(obj.contentType),
		LastModified:  aws.Time(obj.modified),
		Metadata:      maps.Clone(obj.metadata),
	}, nil
}

func (c *fakeClient) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("DeleteObject")
	objects, err := c.bucket(params.Bucket)
	if err != nil {
		return nil, err
	}
	delete(objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (c *fakeClient) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("ListObjectsV2")
	objects, err := c.bucket(params.Bucket)
	if err != nil {
		return nil, err
	}

	prefix := aws.ToString(params.Prefix)
	delimiter := aws.ToString(params.Delimiter)

	type entry struct {
		name     string
		isPrefix bool
	}
	var all []entry
	seen := make(map[string]bool)
	for _, key := range slices.Sorted(maps.Keys(objects)) {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if delimiter != "" {
			if i := strings.Index(key[len(prefix):], delimiter); i >= 0 {
				cp := key[:len(prefix)+i+len(delimiter)]
				if !seen[cp] {
					seen[cp] = true
					all = append(all, entry{name: cp, isPrefix: true})
				}
				continue
			}
		}
		all = append(all, entry{name: key})
	}
	slices.SortFunc(all, func(a, b entry) int { return strings.Compare(a.name, b.name) })

	start := 0
	if token := aws.ToString(params.ContinuationToken); token != "" {
		for start < len(all) && all[start].name <= token {
			start++
		}
	}
	limit := c.pageSize
	if params.MaxKeys != nil && *params.MaxKeys > 0 && *params.MaxKeys < limit {
		limit = *params.MaxKeys
	}
	end := min(start+int(limit), len(all))

	out := &s3.ListObjectsV2Output{
		Prefix:      params.Prefix,
		Delimiter:   params.Delimiter,
		KeyCount:    aws.Int32(int32(end - start)),
		IsTruncated: aws.Bool(end < len(all)),
	}
	for _, e := range all[start:end] {
		if e.isPrefix {
			out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(e.name)})
			continue
		}
		obj := objects[e.name]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(e.name),
			Size:         aws.Int64(int64(len(obj.data))),
			LastModified: aws.Time(obj.modified),
		})
	}
	if end < len(all) {
		out.NextContinuationToken = aws.String(all[end-1].name)
	}
	return out, nil
}
