package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/tendant/simple-storage/pkg/simplestorage"
	"github.com/tendant/simple-storage/pkg/simplestorage/contenttype"
	"github.com/tendant/simple-storage/pkg/simplestorage/storage/azblob"
	"github.com/tendant/simple-storage/pkg/simplestorage/storage/fs"
	"github.com/tendant/simple-storage/pkg/simplestorage/storage/gridfs"
	"github.com/tendant/simple-storage/pkg/simplestorage/storage/memory"
	"github.com/tendant/simple-storage/pkg/simplestorage/storage/minio"
	"github.com/tendant/simple-storage/pkg/simplestorage/storage/s3"
)

// Backend names accepted by Config.Backend.
const (
	BackendMemory = "memory"
	BackendFS     = "fs"
	BackendS3     = "s3"
	BackendMinIO  = "minio"
	BackendAzure  = "azblob"
	BackendGridFS = "gridfs"
)

// Option applies configuration to a Config instance.
type Option func(*Config) error

// validate is the singleton validator instance
var validate = validator.New()

// Load constructs a Config by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*Config, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() Config {
	return Config{
		Backend: BackendMemory,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Config selects a storage backend and carries the settings of every
// backend. Only the section named by Backend is used.
type Config struct {
	// Backend is one of memory, fs, s3, minio, azblob, gridfs.
	Backend string `mapstructure:"backend" validate:"required,oneof=memory fs s3 minio azblob gridfs"`

	// AutoInit makes the backend initialize itself on first use.
	AutoInit bool `mapstructure:"auto_init"`

	Log       LogConfig       `mapstructure:"log"`
	Detection DetectionConfig `mapstructure:"detection"`

	FS     fs.Config     `mapstructure:"fs" validate:"-"`
	S3     s3.Config     `mapstructure:"s3" validate:"-"`
	MinIO  minio.Config  `mapstructure:"minio" validate:"-"`
	Azure  azblob.Config `mapstructure:"azblob" validate:"-"`
	GridFS gridfs.Config `mapstructure:"gridfs" validate:"-"`

	// Logger and Resolver override the ones derived from Log and Detection.
	Logger   *slog.Logger                      `mapstructure:"-" validate:"-"`
	Resolver simplestorage.ContentTypeResolver `mapstructure:"-" validate:"-"`
}

// LogConfig controls logging behavior.
type LogConfig struct {
	// Valid values: debug, info, warn, error (case-insensitive)
	Level string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
}

// DetectionConfig switches content-type resolution stages off.
type DetectionConfig struct {
	DisableSniffing  bool `mapstructure:"disable_sniffing"`
	DisableJSON      bool `mapstructure:"disable_json"`
	DisableYAML      bool `mapstructure:"disable_yaml"`
	DisableExtension bool `mapstructure:"disable_extension"`
	// SniffLimit caps how many leading bytes are inspected. Zero keeps the default.
	SniffLimit int `mapstructure:"sniff_limit" validate:"gte=0"`
	// ParseLimit caps the content size the JSON and YAML stages parse. Zero keeps the default.
	ParseLimit int `mapstructure:"parse_limit" validate:"gte=0"`
}

// NewResolver builds the content-type resolver described by d.
func (d DetectionConfig) NewResolver() *contenttype.Resolver {
	var opts []contenttype.Option
	if d.DisableSniffing {
		opts = append(opts, contenttype.WithoutSniffing())
	}
	if d.DisableJSON {
		opts = append(opts, contenttype.WithoutJSON())
	}
	if d.DisableYAML {
		opts = append(opts, contenttype.WithoutYAML())
	}
	if d.DisableExtension {
		opts = append(opts, contenttype.WithoutExtension())
	}
	if d.SniffLimit > 0 {
		opts = append(opts, contenttype.WithSniffLimit(d.SniffLimit))
	}
	if d.ParseLimit > 0 {
		opts = append(opts, contenttype.WithParseLimit(d.ParseLimit))
	}
	return contenttype.New(opts...)
}

// Validate validates the selected backend and the shared settings.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	var section any
	switch c.Backend {
	case BackendFS:
		section = &c.FS
	case BackendS3:
		section = &c.S3
	case BackendMinIO:
		section = &c.MinIO
	case BackendAzure:
		section = &c.Azure
	case BackendGridFS:
		section = &c.GridFS
	default:
		return nil
	}
	if err := validate.Struct(section); err != nil {
		return fmt.Errorf("%s: %w", c.Backend, formatValidationError(err))
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}

// Build creates the configured backend. No network or disk I/O happens
// until the backend is initialized.
func (c *Config) Build() (simplestorage.Service, error) {
	logger := c.Logger
	if logger == nil {
		logger = NewLogger(c.Log)
	}
	var resolver simplestorage.ContentTypeResolver = c.Resolver
	if resolver == nil {
		resolver = c.Detection.NewResolver()
	}

	switch c.Backend {
	case BackendMemory:
		return memory.New(memory.Config{Resolver: resolver, Logger: logger}), nil

	case BackendFS:
		cfg := c.FS
		cfg.AutoInit = cfg.AutoInit || c.AutoInit
		cfg.Resolver, cfg.Logger = resolver, logger
		b, err := fs.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build fs backend: %w", err)
		}
		return b, nil

	case BackendS3:
		cfg := c.S3
		cfg.AutoInit = cfg.AutoInit || c.AutoInit
		cfg.Resolver, cfg.Logger = resolver, logger
		b, err := s3.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build s3 backend: %w", err)
		}
		return b, nil

	case BackendMinIO:
		cfg := c.MinIO
		cfg.AutoInit = cfg.AutoInit || c.AutoInit
		cfg.Resolver, cfg.Logger = resolver, logger
		b, err := minio.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build minio backend: %w", err)
		}
		return b, nil

	case BackendAzure:
		cfg := c.Azure
		cfg.AutoInit = cfg.AutoInit || c.AutoInit
		cfg.Resolver, cfg.Logger = resolver, logger
		b, err := azblob.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build azblob backend: %w", err)
		}
		return b, nil

	case BackendGridFS:
		cfg := c.GridFS
		cfg.AutoInit = cfg.AutoInit || c.AutoInit
		cfg.Resolver, cfg.Logger = resolver, logger
		b, err := gridfs.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to build gridfs backend: %w", err)
		}
		return b, nil

	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", c.Backend)
	}
}

// Open builds the configured backend and initializes it.
func (c *Config) Open(ctx context.Context) (simplestorage.Service, error) {
	svc, err := c.Build()
	if err != nil {
		return nil, err
	}
	if err := svc.Init(ctx); err != nil {
		_ = svc.Close()
		return nil, err
	}
	return svc, nil
}
