package storagetest

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-storage/pkg/simplestorage"
)

func upload(t *testing.T, svc simplestorage.Service, path, content string, opts ...simplestorage.UploadOption) {
	t.Helper()
	req, err := simplestorage.NewUploadRequest([]byte(content), opts...)
	require.NoError(t, err)
	require.NoError(t, svc.Upload(testContext(), path, req), "upload %s", path)
}

func openFile(t *testing.T, svc simplestorage.Service, path string) *simplestorage.File {
	t.Helper()
	blob, err := svc.Open(testContext(), path)
	require.NoError(t, err)
	require.NotNil(t, blob, "expected %s to exist", path)
	f, ok := blob.(*simplestorage.File)
	require.True(t, ok, "expected %s to be a file, got %T", path, blob)
	return f
}

func list(t *testing.T, svc simplestorage.Service, dir string, opts ...simplestorage.ListOption) []simplestorage.Blob {
	t.Helper()
	blobs, err := simplestorage.Collect(svc.List(testContext(), dir, opts...))
	require.NoError(t, err)
	return blobs
}

// entries renders blobs as paths with a trailing slash for directories.
func entries(blobs []simplestorage.Blob) []string {
	out := make([]string, 0, len(blobs))
	for _, b := range blobs {
		p := b.BlobPath()
		if b.IsDir() {
			p += "/"
		}
		out = append(out, p)
	}
	return out
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
