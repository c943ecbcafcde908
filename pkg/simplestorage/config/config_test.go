package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-storage/pkg/simplestorage"
	"github.com/tendant/simple-storage/pkg/simplestorage/contenttype"
	"github.com/tendant/simple-storage/pkg/simplestorage/storage/fs"
	"github.com/tendant/simple-storage/pkg/simplestorage/storage/memory"
	"github.com/tendant/simple-storage/pkg/simplestorage/storage/minio"
	"github.com/tendant/simple-storage/pkg/simplestorage/storage/s3"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.False(t, cfg.AutoInit)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		wantErr string
	}{
		{"UnknownBackend", []Option{WithBackend("ftp")}, "oneof"},
		{"EmptyBackend", []Option{WithBackend(" ")}, "backend name cannot be empty"},
		{"EmptyRoot", []Option{WithFilesystem("")}, "filesystem root cannot be empty"},
		{"FSWithoutRoot", []Option{WithFS(fs.Config{})}, "fs: Config.Root"},
		{"S3WithoutBucket", []Option{WithS3(s3.Config{Region: "us-east-1"})}, "s3: Config.Bucket"},
		{"S3BadEndpoint", []Option{WithS3(s3.Config{Bucket: "b", Endpoint: "not a url"})}, "'url' tag"},
		{"MinIOWithoutEndpoint", []Option{WithMinIO(minio.Config{Bucket: "b"})}, "minio: Config.Endpoint"},
		{"BadLogLevel", []Option{WithLogLevel("loud")}, "Config.Log.Level"},
		{"NegativeSniffLimit", []Option{WithDetection(DetectionConfig{SniffLimit: -1})}, "Config.Detection.SniffLimit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.opts...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_NilOptionIgnored(t *testing.T) {
	cfg, err := Load(nil, WithAutoInit(true))
	require.NoError(t, err)
	assert.True(t, cfg.AutoInit)
}

func TestBuild_Backends(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		cfg, err := Load(WithMemory())
		require.NoError(t, err)

		svc, err := cfg.Build()
		require.NoError(t, err)
		assert.IsType(t, &memory.Backend{}, svc)
	})

	t.Run("Filesystem", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "blobs")
		cfg, err := Load(WithFilesystem(root))
		require.NoError(t, err)

		svc, err := cfg.Build()
		require.NoError(t, err)
		require.IsType(t, &fs.Backend{}, svc)
		assert.Equal(t, root, svc.(*fs.Backend).Root())

		_, err = os.Stat(root)
		assert.True(t, os.IsNotExist(err), "build must not touch the disk")
	})

	t.Run("MinIO", func(t *testing.T) {
		cfg, err := Load(WithMinIO(minio.Config{Endpoint: "localhost:9000", Bucket: "assets"}))
		require.NoError(t, err)

		svc, err := cfg.Build()
		require.NoError(t, err)
		assert.Equal(t, minio.Name, svc.Name())
	})
}

func TestBuild_AutoInitPropagates(t *testing.T) {
	cfg, err := Load(WithFilesystem(t.TempDir()), WithAutoInit(true))
	require.NoError(t, err)

	svc, err := cfg.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	ok, err := svc.Exists(context.Background(), "missing.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpen_InitializesBackend(t *testing.T) {
	root := t.TempDir()
	cfg, err := Load(WithFilesystem(root))
	require.NoError(t, err)

	svc, err := cfg.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	req, err := simplestorage.NewUploadRequest([]byte(`{"a":1}`))
	require.NoError(t, err)
	require.NoError(t, svc.Upload(context.Background(), "data/config", req))

	blob, err := svc.Open(context.Background(), "data/config")
	require.NoError(t, err)
	require.IsType(t, &simplestorage.File{}, blob)
	assert.Equal(t, contenttype.JSON, blob.(*simplestorage.File).ContentType)
}

func TestOpen_CanceledContext(t *testing.T) {
	cfg, err := Load(WithFilesystem(t.TempDir()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = cfg.Open(ctx)
	require.Error(t, err)
}

func TestBuild_ResolverOverride(t *testing.T) {
	cfg, err := Load(WithResolver(simplestorage.ResolverFunc(func(string, []byte) string {
		return "application/x-custom"
	})))
	require.NoError(t, err)

	svc, err := cfg.Build()
	require.NoError(t, err)

	req, err := simplestorage.NewUploadRequest([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, svc.Upload(context.Background(), "a.txt", req))

	blob, err := svc.Open(context.Background(), "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "application/x-custom", blob.(*simplestorage.File).ContentType)
}

func TestDetectionConfig_NewResolver(t *testing.T) {
	yamlDoc := []byte("name: demo\nitems:\n  - a\n")

	assert.Equal(t, contenttype.YAML, DetectionConfig{}.NewResolver().Resolve("doc", yamlDoc))
	assert.NotEqual(t, contenttype.YAML, DetectionConfig{DisableYAML: true}.NewResolver().Resolve("doc", yamlDoc))
	assert.NotEqual(t, contenttype.YAML, DetectionConfig{ParseLimit: 4}.NewResolver().Resolve("doc", yamlDoc))
}

func TestWithFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "storage.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: s3
auto_init: true
log:
  level: warn
  format: json
s3:
  bucket: media
  region: eu-central-1
  prefix: tenant
  use_path_style: true
`), 0o644))

	cfg, err := Load(WithFile(path))
	require.NoError(t, err)

	assert.Equal(t, BackendS3, cfg.Backend)
	assert.True(t, cfg.AutoInit)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "media", cfg.S3.Bucket)
	assert.Equal(t, "eu-central-1", cfg.S3.Region)
	assert.Equal(t, "tenant", cfg.S3.Prefix)
	assert.True(t, cfg.S3.UsePathStyle)
}

func TestWithFile_Missing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	_, err := Load(WithFile(missing))
	require.Error(t, err)

	cfg, err := Load(WithOptionalFile(missing))
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Backend)
}

func TestWithFile_EnvLayering(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(t.TempDir(), "storage.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: fs\nfs:\n  root: "+root+"\n"), 0o644))

	t.Run("UnsetURLKeepsFileBackend", func(t *testing.T) {
		t.Setenv("STORAGE_URL", "")
		t.Setenv("LOG_LEVEL", "debug")

		cfg, err := Load(WithOptionalFile(path), WithEnv(""))
		require.NoError(t, err)
		assert.Equal(t, BackendFS, cfg.Backend)
		assert.Equal(t, root, cfg.FS.Root)
		assert.Equal(t, "debug", cfg.Log.Level)
	})

	t.Run("URLOverridesFile", func(t *testing.T) {
		t.Setenv("STORAGE_URL", "memory://")

		cfg, err := Load(WithOptionalFile(path), WithEnv(""))
		require.NoError(t, err)
		assert.Equal(t, BackendMemory, cfg.Backend)
	})
}

func TestWithDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("DOTENV_TEST_STORAGE_URL=minio://localhost:9000/assets\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("DOTENV_TEST_STORAGE_URL") })

	cfg, err := Load(WithDotEnv(path), WithEnv("DOTENV_TEST_"))
	require.NoError(t, err)
	assert.Equal(t, BackendMinIO, cfg.Backend)
	assert.Equal(t, "assets", cfg.MinIO.Bucket)

	_, err = Load(WithDotEnv(filepath.Join(t.TempDir(), "missing.env")))
	assert.NoError(t, err)
}

func TestWithOverrides(t *testing.T) {
	cfg, err := Load(
		WithS3(s3.Config{Bucket: "media"}),
		WithOverrides(map[string]any{
			"region":         "eu-west-2",
			"use_path_style": "true",
			"max_retries":    "5",
		}),
	)
	require.NoError(t, err)
	assert.Equal(t, "media", cfg.S3.Bucket)
	assert.Equal(t, "eu-west-2", cfg.S3.Region)
	assert.True(t, cfg.S3.UsePathStyle)
	assert.Equal(t, 5, cfg.S3.MaxRetries)

	_, err = Load(WithS3(s3.Config{Bucket: "media"}), WithOverrides(map[string]any{"colour": "blue"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "colour")

	_, err = Load(WithOverrides(map[string]any{"root": "/tmp"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "takes no options")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "path", "a.txt")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"path":"a.txt"`)
}
