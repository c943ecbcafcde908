package scan

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-storage/pkg/simplestorage"
	"github.com/tendant/simple-storage/pkg/simplestorage/storage/fs"
	"github.com/tendant/simple-storage/pkg/simplestorage/storage/memory"
)

func seed(t *testing.T, svc simplestorage.Service, files map[string]string) {
	t.Helper()
	for p, body := range files {
		req, err := simplestorage.NewUploadRequest([]byte(body), simplestorage.WithMetadataEntry("source", "seed"))
		require.NoError(t, err)
		require.NoError(t, svc.Upload(context.Background(), p, req))
	}
}

func TestScanner_Scan(t *testing.T) {
	svc := memory.New(memory.Config{})
	seed(t, svc, map[string]string{
		"photos/a.png": "\x89PNG\r\n\x1a\n0000",
		"photos/b.txt": "hello",
		"docs/c.json":  `{"k":1}`,
		"root.txt":     "x",
	})

	var seen []string
	scanner := New(svc, nil)
	result, err := scanner.ForEach(context.Background(), "", func(ctx context.Context, f *simplestorage.File) error {
		seen = append(seen, f.Path)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"docs/c.json", "photos/a.png", "photos/b.txt", "root.txt"}, seen)
	assert.Equal(t, int64(4), result.TotalFound)
	assert.Equal(t, int64(4), result.TotalProcessed)
	assert.Equal(t, uint64(12+5+7+1), result.TotalBytes)
}

func TestScanner_FailuresAreRecorded(t *testing.T) {
	svc := memory.New(memory.Config{})
	seed(t, svc, map[string]string{"a.txt": "1", "b.txt": "2", "c.txt": "3"})

	result, err := New(svc, nil).Scan(context.Background(), ScanOptions{
		Processor: ProcessorFunc(func(ctx context.Context, f *simplestorage.File) error {
			if f.Path == "b.txt" {
				return errors.New("boom")
			}
			return nil
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.TotalFound)
	assert.Equal(t, int64(2), result.TotalProcessed)
	assert.Equal(t, int64(1), result.TotalFailed)
	assert.Equal(t, []string{"b.txt"}, result.FailedPaths)
}

func TestScanner_Options(t *testing.T) {
	svc := memory.New(memory.Config{})
	seed(t, svc, map[string]string{
		"logs/1.log": "a", "logs/2.log": "b", "logs/3.txt": "c", "logs/tmp/4.log": "d", "other/5.log": "e",
	})

	t.Run("RequiresProcessor", func(t *testing.T) {
		_, err := New(svc, nil).Scan(context.Background(), ScanOptions{})
		assert.Error(t, err)
	})

	t.Run("DryRun", func(t *testing.T) {
		result, err := New(svc, nil).Scan(context.Background(), ScanOptions{Dir: "logs", DryRun: true})
		require.NoError(t, err)
		assert.Equal(t, int64(4), result.TotalProcessed)
	})

	t.Run("Filters", func(t *testing.T) {
		counter := NewCounterProcessor()
		result, err := New(svc, nil).Scan(context.Background(), ScanOptions{
			Dir:        "logs",
			Extensions: []string{"log"},
			Exclude:    []string{"logs/tmp/4.log"},
			Processor:  counter,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), result.TotalFound)
		assert.Equal(t, int64(2), counter.ByExtension[".log"])
	})

	t.Run("LimitAndProgress", func(t *testing.T) {
		var calls [][2]int64
		result, err := New(svc, nil).Scan(context.Background(), ScanOptions{
			Limit:     3,
			BatchSize: 2,
			DryRun:    true,
			OnProgress: func(processed, found int64) {
				calls = append(calls, [2]int64{processed, found})
			},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), result.TotalFound)
		assert.Equal(t, [][2]int64{{2, 2}, {3, 3}}, calls)
	})

	t.Run("ListFailure", func(t *testing.T) {
		_, err := New(svc, nil).Scan(context.Background(), ScanOptions{Dir: "../up", DryRun: true})
		require.Error(t, err)
		assert.ErrorIs(t, err, simplestorage.ErrInvalidPath)
	})
}

func TestProcessors(t *testing.T) {
	file := simplestorage.NewFile("img/cat.png", []byte("meow"), "image/png", nil)

	t.Run("Chain", func(t *testing.T) {
		var order []string
		step := func(name string, err error) FileProcessor {
			return ProcessorFunc(func(context.Context, *simplestorage.File) error {
				order = append(order, name)
				return err
			})
		}
		err := NewChainProcessor(step("a", nil), step("b", errors.New("stop")), step("c", nil)).Process(context.Background(), file)
		assert.EqualError(t, err, "stop")
		assert.Equal(t, []string{"a", "b"}, order)
	})

	t.Run("Conditional", func(t *testing.T) {
		counter := NewCounterProcessor()
		images := NewConditionalProcessor(OnlyContentType("image/"), counter)
		big := NewConditionalProcessor(LargerThan(10), counter)

		require.NoError(t, images.Process(context.Background(), file))
		require.NoError(t, big.Process(context.Background(), file))
		assert.Equal(t, int64(1), counter.Total)
		assert.Equal(t, int64(1), counter.ByContentType["image/png"])
		assert.Equal(t, uint64(4), counter.Bytes)
	})
}

func TestCopyProcessor_MigratesBetweenBackends(t *testing.T) {
	source := memory.New(memory.Config{})
	seed(t, source, map[string]string{"docs/readme.md": "# hi", "docs/data.json": `{"a":1}`})

	target, err := fs.New(fs.Config{Root: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, target.Init(context.Background()))
	t.Cleanup(func() { _ = target.Close() })

	result, err := New(source, nil).Scan(context.Background(), ScanOptions{
		Processor: &CopyProcessor{Target: target, Prefix: "backup"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.TotalProcessed)

	blob, err := target.Open(context.Background(), "backup/docs/data.json")
	require.NoError(t, err)
	require.NotNil(t, blob)
	f := blob.(*simplestorage.File)
	assert.Equal(t, []byte(`{"a":1}`), f.Data)
	assert.Equal(t, "application/json; charset=utf-8", f.ContentType)
	assert.Equal(t, simplestorage.Metadata{"source": "seed"}, f.Metadata)

	// A second pass with SkipExisting leaves the target alone.
	seed(t, source, map[string]string{"docs/data.json": `{"a":2}`})
	_, err = New(source, nil).Scan(context.Background(), ScanOptions{
		Processor: &CopyProcessor{Target: target, Prefix: "backup", SkipExisting: true},
	})
	require.NoError(t, err)

	blob, err = target.Open(context.Background(), "backup/docs/data.json")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), blob.(*simplestorage.File).Data)
}
