package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tendant/simple-storage/pkg/simplestorage"
	"github.com/tendant/simple-storage/pkg/simplestorage/storage/azblob"
	"github.com/tendant/simple-storage/pkg/simplestorage/storage/fs"
	"github.com/tendant/simple-storage/pkg/simplestorage/storage/gridfs"
	"github.com/tendant/simple-storage/pkg/simplestorage/storage/minio"
	"github.com/tendant/simple-storage/pkg/simplestorage/storage/s3"
)

// WithBackend selects the storage backend by name.
func WithBackend(name string) Option {
	return func(c *Config) error {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return fmt.Errorf("backend name cannot be empty")
		}
		c.Backend = name
		return nil
	}
}

// WithAutoInit toggles lazy initialization on first use.
func WithAutoInit(enabled bool) Option {
	return func(c *Config) error {
		c.AutoInit = enabled
		return nil
	}
}

// WithMemory selects the in-memory backend.
func WithMemory() Option {
	return func(c *Config) error {
		c.Backend = BackendMemory
		return nil
	}
}

// WithFilesystem selects the filesystem backend rooted at root.
func WithFilesystem(root string) Option {
	return func(c *Config) error {
		if root == "" {
			return fmt.Errorf("filesystem root cannot be empty")
		}
		c.Backend = BackendFS
		c.FS.Root = root
		return nil
	}
}

// WithFS selects the filesystem backend with a full configuration.
func WithFS(cfg fs.Config) Option {
	return func(c *Config) error {
		c.Backend = BackendFS
		c.FS = cfg
		return nil
	}
}

// WithS3 selects the S3 backend.
func WithS3(cfg s3.Config) Option {
	return func(c *Config) error {
		c.Backend = BackendS3
		c.S3 = cfg
		return nil
	}
}

// WithMinIO selects the MinIO backend.
func WithMinIO(cfg minio.Config) Option {
	return func(c *Config) error {
		c.Backend = BackendMinIO
		c.MinIO = cfg
		return nil
	}
}

// WithAzure selects the Azure Blob Storage backend.
func WithAzure(cfg azblob.Config) Option {
	return func(c *Config) error {
		c.Backend = BackendAzure
		c.Azure = cfg
		return nil
	}
}

// WithGridFS selects the GridFS backend.
func WithGridFS(cfg gridfs.Config) Option {
	return func(c *Config) error {
		c.Backend = BackendGridFS
		c.GridFS = cfg
		return nil
	}
}

// WithLogger sets the logger handed to the backend.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) error {
		c.Logger = logger
		return nil
	}
}

// WithLogLevel sets the level used when no logger is supplied.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Log.Level = strings.ToLower(level)
		return nil
	}
}

// WithResolver replaces the content-type resolver.
func WithResolver(resolver simplestorage.ContentTypeResolver) Option {
	return func(c *Config) error {
		c.Resolver = resolver
		return nil
	}
}

// WithDetection configures the default content-type resolver.
func WithDetection(d DetectionConfig) Option {
	return func(c *Config) error {
		c.Detection = d
		return nil
	}
}
