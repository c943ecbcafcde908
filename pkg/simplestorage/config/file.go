package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// WithFile merges a YAML, JSON or TOML configuration file into the config.
// Keys follow the mapstructure tags, for example:
//
//	backend: s3
//	auto_init: true
//	s3:
//	  bucket: media
//	  region: eu-west-1
//
// A missing file is an error; use WithOptionalFile for best-effort loading.
func WithFile(path string) Option {
	return func(c *Config) error {
		return readFile(c, path, false)
	}
}

// WithOptionalFile behaves like WithFile but ignores a missing file.
func WithOptionalFile(path string) Option {
	return func(c *Config) error {
		return readFile(c, path, true)
	}
}

func readFile(c *Config, path string, optional bool) error {
	if path == "" {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if optional && (errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := v.Unmarshal(c); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

// WithDotEnv loads a .env file into the process environment. Variables that
// are already set win. A missing file is ignored. Place it before WithEnv.
func WithDotEnv(path string) Option {
	return func(c *Config) error {
		if path == "" {
			path = ".env"
		}
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
		return nil
	}
}

// WithOverrides decodes loosely typed options onto the selected backend's
// section, the way options arrive from flags or a generic settings map.
// Unknown keys are rejected.
func WithOverrides(options map[string]any) Option {
	return func(c *Config) error {
		if len(options) == 0 {
			return nil
		}

		var target any
		switch c.Backend {
		case BackendFS:
			target = &c.FS
		case BackendS3:
			target = &c.S3
		case BackendMinIO:
			target = &c.MinIO
		case BackendAzure:
			target = &c.Azure
		case BackendGridFS:
			target = &c.GridFS
		default:
			return fmt.Errorf("backend %q takes no options", c.Backend)
		}

		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			ErrorUnused:      true,
			Result:           target,
		})
		if err != nil {
			return fmt.Errorf("failed to create decoder: %w", err)
		}
		if err := decoder.Decode(options); err != nil {
			return fmt.Errorf("failed to decode %s options: %w", c.Backend, err)
		}
		return nil
	}
}
