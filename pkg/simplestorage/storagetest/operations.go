package storagetest

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-storage/pkg/simplestorage"
)

// RunLifecycleTests checks Init idempotence and concurrency.
func (s *Suite) RunLifecycleTests(t *testing.T) {
	t.Run("InitIsIdempotent", func(t *testing.T) {
		svc := s.service(t)
		require.NoError(t, svc.Init(testContext()))
		require.NoError(t, svc.Init(testContext()))

		upload(t, svc, "weow.txt", "weow fs")
		require.NoError(t, svc.Init(testContext()))
		assert.Equal(t, "weow fs", string(openFile(t, svc, "weow.txt").Data))
	})

	t.Run("ConcurrentInit", func(t *testing.T) {
		svc := s.NewService(t)
		t.Cleanup(func() { _ = svc.Close() })

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = svc.Init(testContext())
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			assert.NoError(t, err)
		}
	})

	t.Run("Name", func(t *testing.T) {
		svc := s.service(t)
		assert.NotEmpty(t, svc.Name())
	})
}

// RunReadWriteTests checks upload, open, exists, overwrite and delete.
func (s *Suite) RunReadWriteTests(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		svc := s.service(t)
		upload(t, svc, "weow.txt", "weow fs")

		ok, err := svc.Exists(testContext(), "weow.txt")
		require.NoError(t, err)
		assert.True(t, ok)

		f := openFile(t, svc, "weow.txt")
		assert.Equal(t, "weow.txt", f.Path)
		assert.Equal(t, "weow.txt", f.Name)
		assert.Equal(t, "weow fs", string(f.Data))
		assert.Equal(t, uint64(7), f.Size)
		assert.NotEmpty(t, f.ContentType)
	})

	t.Run("ExactRoundTrip", func(t *testing.T) {
		svc := s.service(t)
		upload(t, svc, "fluff.txt", "weow fluff", simplestorage.WithContentType("text/plain"))

		f := openFile(t, svc, "fluff.txt")
		assert.Equal(t, []byte("weow fluff"), f.Data)
		assert.Equal(t, uint64(10), f.Size)
		assert.Equal(t, "text/plain", f.ContentType)
	})

	t.Run("AbsentPaths", func(t *testing.T) {
		svc := s.service(t)

		ok, err := svc.Exists(testContext(), "missing.txt")
		require.NoError(t, err)
		assert.False(t, ok)

		blob, err := svc.Open(testContext(), "missing.txt")
		require.NoError(t, err)
		assert.Nil(t, blob)

		assert.NoError(t, svc.Delete(testContext(), "missing.txt"))
		assert.Empty(t, list(t, svc, "missing"))
	})

	t.Run("Overwrite", func(t *testing.T) {
		svc := s.service(t)
		upload(t, svc, "doc.txt", "v1")
		upload(t, svc, "doc.txt", "v2")

		f := openFile(t, svc, "doc.txt")
		assert.Equal(t, "v2", string(f.Data))
		assert.Equal(t, uint64(2), f.Size)
		assert.Len(t, list(t, svc, ""), 1)
	})

	t.Run("EmptyContent", func(t *testing.T) {
		svc := s.service(t)
		upload(t, svc, "empty.bin", "")

		f := openFile(t, svc, "empty.bin")
		assert.Equal(t, uint64(0), f.Size)
		assert.Empty(t, f.Data)
		assert.Equal(t, simplestorage.DefaultContentType, f.ContentType)
	})

	t.Run("Metadata", func(t *testing.T) {
		svc := s.service(t)
		upload(t, svc, "meta.txt", "hello", simplestorage.WithMetadata(simplestorage.Metadata{
			"owner": "noel",
			"tier":  "gold",
		}))

		f := openFile(t, svc, "meta.txt")
		assert.Equal(t, "noel", f.Metadata["owner"])
		assert.Equal(t, "gold", f.Metadata["tier"])
	})

	t.Run("Delete", func(t *testing.T) {
		svc := s.service(t)
		upload(t, svc, "gone.txt", "bye")
		require.NoError(t, svc.Delete(testContext(), "gone.txt"))

		ok, err := svc.Exists(testContext(), "gone.txt")
		require.NoError(t, err)
		assert.False(t, ok)

		blob, err := svc.Open(testContext(), "gone.txt")
		require.NoError(t, err)
		assert.Nil(t, blob)

		require.NoError(t, svc.Delete(testContext(), "gone.txt"))
	})

	t.Run("NormalizedPathsAddressSameFile", func(t *testing.T) {
		svc := s.service(t)
		upload(t, svc, "/x//y.txt", "same")
		assert.Equal(t, "same", string(openFile(t, svc, "x/y.txt").Data))
	})
}

// RunContentTypeTests checks explicit and resolved content types.
func (s *Suite) RunContentTypeTests(t *testing.T) {
	t.Run("ExplicitWins", func(t *testing.T) {
		svc := s.service(t)
		upload(t, svc, "data.json", `{"a":1}`, simplestorage.WithContentType("text/plain"))
		assert.Equal(t, "text/plain", openFile(t, svc, "data.json").ContentType)
	})

	t.Run("ExplicitHonouredVerbatim", func(t *testing.T) {
		svc := s.service(t)
		body := "same bytes"
		upload(t, svc, "one", body, simplestorage.WithContentType("application/x-first"))
		upload(t, svc, "two", body, simplestorage.WithContentType("text/x-second"))

		one, two := openFile(t, svc, "one"), openFile(t, svc, "two")
		assert.Equal(t, "application/x-first", one.ContentType)
		assert.Equal(t, "text/x-second", two.ContentType)
		assert.Equal(t, one.Data, two.Data)
	})

	t.Run("ResolvedJSON", func(t *testing.T) {
		svc := s.service(t)
		upload(t, svc, "data", `{"a":1}`)
		assert.Contains(t, openFile(t, svc, "data").ContentType, "json")
	})

	t.Run("ResolvedYAML", func(t *testing.T) {
		svc := s.service(t)
		upload(t, svc, "conf", "name: remi\nbackends:\n  - fs\n")
		assert.Contains(t, openFile(t, svc, "conf").ContentType, "yaml")
	})
}

// RunDirectoryTests checks directory emulation and conflicts.
func (s *Suite) RunDirectoryTests(t *testing.T) {
	t.Run("Emulation", func(t *testing.T) {
		svc := s.service(t)
		upload(t, svc, "a/b.txt", "b")
		upload(t, svc, "a/c.txt", "c")

		ok, err := svc.Exists(testContext(), "a")
		require.NoError(t, err)
		assert.True(t, ok)

		blob, err := svc.Open(testContext(), "a")
		require.NoError(t, err)
		require.NotNil(t, blob)
		assert.True(t, blob.IsDir())
		assert.Equal(t, "a", blob.BlobPath())
		assert.Equal(t, "a", blob.BlobName())

		root := list(t, svc, "")
		require.Len(t, root, 1)
		assert.True(t, root[0].IsDir())
		assert.Equal(t, "a", root[0].BlobPath())

		assert.Equal(t, []string{"a/b.txt", "a/c.txt"}, sorted(entries(list(t, svc, "a"))))
	})

	t.Run("UploadBelowFileConflicts", func(t *testing.T) {
		svc := s.service(t)
		upload(t, svc, "f.txt", "file")

		req, err := simplestorage.NewUploadRequest([]byte("child"))
		require.NoError(t, err)
		err = svc.Upload(testContext(), "f.txt/child.txt", req)
		require.Error(t, err)
		assert.ErrorIs(t, err, simplestorage.ErrConflict)
		assert.Equal(t, "file", string(openFile(t, svc, "f.txt").Data))
	})

	t.Run("UploadOntoDirectoryConflicts", func(t *testing.T) {
		svc := s.service(t)
		upload(t, svc, "d/x.txt", "x")

		req, err := simplestorage.NewUploadRequest([]byte("d"))
		require.NoError(t, err)
		err = svc.Upload(testContext(), "d", req)
		require.Error(t, err)
		assert.ErrorIs(t, err, simplestorage.ErrConflict)
	})

	t.Run("DeleteDirectory", func(t *testing.T) {
		svc := s.service(t)
		upload(t, svc, "keep/x.txt", "x")

		err := svc.Delete(testContext(), "keep")
		if s.NativeDirectories {
			assert.ErrorIs(t, err, simplestorage.ErrConflict)
		} else {
			assert.NoError(t, err)
		}
		assert.Equal(t, "x", string(openFile(t, svc, "keep/x.txt").Data))
	})

	t.Run("DirectoryVanishesWithLastFile", func(t *testing.T) {
		svc := s.service(t)
		upload(t, svc, "tmp/one.txt", "1")
		require.NoError(t, svc.Delete(testContext(), "tmp/one.txt"))

		ok, err := svc.Exists(testContext(), "tmp")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Empty(t, list(t, svc, ""))
	})
}

// RunListingTests checks recursion, limits, filters and restartability.
func (s *Suite) RunListingTests(t *testing.T) {
	seed := func(t *testing.T) simplestorage.Service {
		svc := s.service(t)
		upload(t, svc, "a/b.txt", "b")
		upload(t, svc, "a/c.txt", "c")
		upload(t, svc, "a/d/e.md", "e")
		upload(t, svc, "top.txt", "top")
		return svc
	}

	t.Run("NonRecursive", func(t *testing.T) {
		svc := seed(t)
		got := entries(list(t, svc, ""))
		assert.ElementsMatch(t, []string{"a/", "top.txt"}, got)
		if s.LexicalOrder {
			assert.Equal(t, []string{"a/", "top.txt"}, got)
		}
		assert.ElementsMatch(t, []string{"a/b.txt", "a/c.txt", "a/d/"}, entries(list(t, svc, "a")))
	})

	t.Run("RecursiveYieldsFilesOnly", func(t *testing.T) {
		svc := seed(t)
		got := entries(list(t, svc, "", simplestorage.WithRecursive()))
		assert.ElementsMatch(t, []string{"a/b.txt", "a/c.txt", "a/d/e.md", "top.txt"}, got)
		for _, p := range got {
			assert.False(t, strings.HasSuffix(p, "/"), "unexpected directory %s", p)
		}
	})

	t.Run("Limit", func(t *testing.T) {
		svc := seed(t)
		assert.Len(t, list(t, svc, "", simplestorage.WithRecursive(), simplestorage.WithLimit(2)), 2)
	})

	t.Run("Extensions", func(t *testing.T) {
		svc := seed(t)
		got := entries(list(t, svc, "", simplestorage.WithRecursive(), simplestorage.WithExtensions(".md")))
		assert.Equal(t, []string{"a/d/e.md"}, got)
	})

	t.Run("ListingAFileIsEmpty", func(t *testing.T) {
		svc := seed(t)
		assert.Empty(t, list(t, svc, "top.txt"))
	})

	t.Run("ListedFilesLoadContent", func(t *testing.T) {
		svc := seed(t)
		for _, b := range list(t, svc, "a") {
			f, ok := b.(*simplestorage.File)
			if !ok {
				continue
			}
			data, err := f.Content(testContext())
			require.NoError(t, err)
			assert.Equal(t, f.Name[:1], string(data))
			assert.Equal(t, uint64(1), f.Size)
		}
	})

	t.Run("Restartable", func(t *testing.T) {
		svc := seed(t)
		seq := svc.List(testContext(), "")
		first, err := simplestorage.Collect(seq)
		require.NoError(t, err)

		upload(t, svc, "later.txt", "later")
		second, err := simplestorage.Collect(seq)
		require.NoError(t, err)
		assert.Len(t, second, len(first)+1)
	})

	t.Run("EarlyBreak", func(t *testing.T) {
		svc := seed(t)
		n := 0
		for _, err := range svc.List(testContext(), "", simplestorage.WithRecursive()) {
			require.NoError(t, err)
			n++
			break
		}
		assert.Equal(t, 1, n)
	})
}

// RunPathTests checks that malformed paths never reach the backend.
func (s *Suite) RunPathTests(t *testing.T) {
	svc := s.service(t)
	req, err := simplestorage.NewUploadRequest([]byte("x"))
	require.NoError(t, err)

	for _, p := range []string{"../escape.txt", "a/../../b", ""} {
		t.Run("Reject_"+p, func(t *testing.T) {
			err := svc.Upload(testContext(), p, req)
			assert.ErrorIs(t, err, simplestorage.ErrInvalidPath)

			_, err = svc.Open(testContext(), p)
			assert.ErrorIs(t, err, simplestorage.ErrInvalidPath)

			_, err = svc.Exists(testContext(), p)
			assert.ErrorIs(t, err, simplestorage.ErrInvalidPath)

			assert.ErrorIs(t, svc.Delete(testContext(), p), simplestorage.ErrInvalidPath)
		})
	}

	t.Run("ListRejectsTraversal", func(t *testing.T) {
		_, err := simplestorage.Collect(svc.List(testContext(), "../up"))
		assert.ErrorIs(t, err, simplestorage.ErrInvalidPath)
	})
}

// RunCancellationTests checks that canceled operations report cancellation
// and leave stored state untouched.
func (s *Suite) RunCancellationTests(t *testing.T) {
	svc := s.service(t)
	upload(t, svc, "stable.txt", "v1")

	ctx, cancel := context.WithCancel(testContext())
	cancel()

	req, err := simplestorage.NewUploadRequest([]byte("v2"))
	require.NoError(t, err)
	err = svc.Upload(ctx, "stable.txt", req)
	require.Error(t, err)
	assert.Equal(t, simplestorage.KindCanceled, simplestorage.KindOf(err))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = svc.Open(ctx, "stable.txt")
	assert.Equal(t, simplestorage.KindCanceled, simplestorage.KindOf(err))

	_, err = simplestorage.Collect(svc.List(ctx, ""))
	assert.Equal(t, simplestorage.KindCanceled, simplestorage.KindOf(err))

	assert.Equal(t, "v1", string(openFile(t, svc, "stable.txt").Data))
}
