package simplestorage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFile_Content(t *testing.T) {
	f := NewFile("a/weow.txt", []byte("weow fs"), "text/plain; charset=utf-8", nil)
	assert.Equal(t, "weow.txt", f.BlobName())
	assert.Equal(t, uint64(7), f.Size)
	assert.False(t, f.IsDir())

	data, err := f.Content(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "weow fs", string(data))
	assert.Equal(t, "file [a/weow.txt] (7 bytes) | text/plain; charset=utf-8", f.String())
}

func TestFile_ContentUsesLoader(t *testing.T) {
	loads := 0
	f := &File{Path: "x", Name: "x", Loader: func(context.Context) ([]byte, error) {
		loads++
		return []byte("lazy"), nil
	}}

	for i := 0; i < 2; i++ {
		data, err := f.Content(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "lazy", string(data))
	}
	assert.Equal(t, 2, loads)
	assert.Nil(t, f.Data)
}

func TestDirectory(t *testing.T) {
	d := NewDirectory("a/b")
	assert.True(t, d.IsDir())
	assert.Equal(t, "b", d.BlobName())
	assert.Equal(t, "a/b", d.BlobPath())
	assert.Equal(t, "directory [a/b/]", d.String())

	var b Blob = d
	_, isFile := b.(*File)
	assert.False(t, isFile)
}

func TestMetadata_Clone(t *testing.T) {
	var nilMeta Metadata
	assert.Nil(t, nilMeta.Clone())

	m := Metadata{"k": "v"}
	c := m.Clone()
	c["k"] = "changed"
	assert.Equal(t, "v", m["k"])
}

type openOnlyService struct {
	Service
}

func (openOnlyService) Open(ctx context.Context, path string) (Blob, error) {
	return NewFile(path, []byte("opened"), "text/plain", nil), nil
}

type describingService struct {
	openOnlyService
}

func (describingService) Describe(ctx context.Context, path string) (Blob, error) {
	return &File{Path: path, Name: BaseName(path), Size: 6, ContentType: "text/plain"}, nil
}

func TestDescribe(t *testing.T) {
	ctx := context.Background()

	blob, err := Describe(ctx, openOnlyService{}, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("opened"), blob.(*File).Data)

	blob, err = Describe(ctx, describingService{}, "a.txt")
	require.NoError(t, err)
	assert.Nil(t, blob.(*File).Data)
	assert.Equal(t, uint64(6), blob.(*File).Size)
}
