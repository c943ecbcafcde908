package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// WithEnv applies environment variable overrides using the provided prefix.
//
// Storage:
//
//	STORAGE_URL - Storage connection string (one of):
//	              - "memory://" - In-memory storage (default)
//	              - "file:///path/to/data" - Filesystem storage
//	              - "s3://bucket?region=us-east-1&endpoint=http://localhost:9000&path_style=true&prefix=p"
//	              - "minio://host:9000/bucket?ssl=false&prefix=p"
//	              - "azblob://container?account=name&location=emulator&endpoint=...&prefix=p"
//	              - "gridfs://bucket?database=blobs&chunk_size=261120"
//	STORAGE_AUTO_INIT - Initialize the backend on first use
//
// Credentials are read from the usual provider variables (AWS_*, MINIO_*,
// AZURE_STORAGE_*, MONGODB_URI) without the prefix.
//
// Logging:
//
//	LOG_LEVEL  - debug, info, warn, error
//	LOG_FORMAT - text or json
func WithEnv(prefix string) Option {
	return func(c *Config) error {
		if err := applyStorageEnv(prefix, c); err != nil {
			return err
		}

		if v, ok, err := parseBoolEnv(prefix, "STORAGE_AUTO_INIT"); err != nil {
			return err
		} else if ok {
			c.AutoInit = v
		}

		if v, ok := lookupEnv(prefix, "LOG_LEVEL"); ok && v != "" {
			c.Log.Level = strings.ToLower(v)
		}
		if v, ok := lookupEnv(prefix, "LOG_FORMAT"); ok && v != "" {
			c.Log.Format = strings.ToLower(v)
		}

		return nil
	}
}

// applyStorageEnv applies storage configuration from environment. An unset
// or empty STORAGE_URL leaves the backend chosen by earlier options alone.
func applyStorageEnv(prefix string, c *Config) error {
	storageURL, _ := lookupEnv(prefix, "STORAGE_URL")

	switch storageURL {
	case "":
		return nil
	case "memory", "memory://":
		c.Backend = BackendMemory
		return nil
	}

	u, err := url.Parse(storageURL)
	if err != nil {
		return fmt.Errorf("invalid STORAGE_URL: %w", err)
	}

	switch u.Scheme {
	case "file":
		return applyFilesystemStorage(u, c)
	case "s3":
		return applyS3Storage(u, c)
	case "minio":
		return applyMinIOStorage(u, c)
	case "azblob":
		return applyAzureStorage(u, c)
	case "gridfs":
		return applyGridFSStorage(u, c)
	}

	return fmt.Errorf("unsupported STORAGE_URL format: %s (use 'memory://', 'file://...', 's3://...', 'minio://...', 'azblob://...' or 'gridfs://...')", storageURL)
}

// applyFilesystemStorage configures filesystem storage from URL
// Format: file:///path/to/data
func applyFilesystemStorage(u *url.URL, c *Config) error {
	path := u.Host + u.Path
	if path == "" {
		return fmt.Errorf("filesystem path cannot be empty in STORAGE_URL")
	}

	c.Backend = BackendFS
	c.FS.Root = path
	return nil
}

// applyS3Storage configures S3 storage from URL
// Format: s3://bucket?region=us-east-1&endpoint=http://localhost:9000
func applyS3Storage(u *url.URL, c *Config) error {
	if u.Host == "" {
		return fmt.Errorf("S3 bucket name cannot be empty in STORAGE_URL")
	}

	q := u.Query()
	c.Backend = BackendS3
	c.S3.Bucket = u.Host
	c.S3.Region = "us-east-1"
	if v := q.Get("region"); v != "" {
		c.S3.Region = v
	}
	if v := q.Get("endpoint"); v != "" {
		c.S3.Endpoint = v
	}
	if v := q.Get("prefix"); v != "" {
		c.S3.Prefix = v
	}
	if v := q.Get("path_style"); v != "" {
		pathStyle, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid path_style in STORAGE_URL: %w", err)
		}
		c.S3.UsePathStyle = pathStyle
	}

	// Check for AWS credentials in environment
	if accessKey, ok := os.LookupEnv("AWS_ACCESS_KEY_ID"); ok && accessKey != "" {
		c.S3.AccessKeyID = accessKey
	}
	if secretKey, ok := os.LookupEnv("AWS_SECRET_ACCESS_KEY"); ok && secretKey != "" {
		c.S3.SecretAccessKey = secretKey
	}
	if token, ok := os.LookupEnv("AWS_SESSION_TOKEN"); ok && token != "" {
		c.S3.SessionToken = token
	}
	if region, ok := os.LookupEnv("AWS_REGION"); ok && region != "" && q.Get("region") == "" {
		c.S3.Region = region
	}
	return nil
}

// applyMinIOStorage configures MinIO storage from URL
// Format: minio://localhost:9000/bucket?ssl=true
func applyMinIOStorage(u *url.URL, c *Config) error {
	if u.Host == "" {
		return fmt.Errorf("MinIO endpoint cannot be empty in STORAGE_URL")
	}
	bucket := strings.Trim(u.Path, "/")
	if bucket == "" {
		return fmt.Errorf("MinIO bucket name cannot be empty in STORAGE_URL")
	}

	q := u.Query()
	c.Backend = BackendMinIO
	c.MinIO.Endpoint = u.Host
	c.MinIO.Bucket = bucket
	c.MinIO.Region = q.Get("region")
	c.MinIO.Prefix = q.Get("prefix")
	if v := q.Get("ssl"); v != "" {
		ssl, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid ssl in STORAGE_URL: %w", err)
		}
		c.MinIO.UseSSL = ssl
	}

	if u.User != nil {
		c.MinIO.AccessKey = u.User.Username()
		c.MinIO.SecretKey, _ = u.User.Password()
	}
	if v, ok := os.LookupEnv("MINIO_ACCESS_KEY"); ok && v != "" {
		c.MinIO.AccessKey = v
	}
	if v, ok := os.LookupEnv("MINIO_SECRET_KEY"); ok && v != "" {
		c.MinIO.SecretKey = v
	}
	return nil
}

// applyAzureStorage configures Azure Blob Storage from URL
// Format: azblob://container?account=name&location=public
func applyAzureStorage(u *url.URL, c *Config) error {
	if u.Host == "" {
		return fmt.Errorf("Azure container name cannot be empty in STORAGE_URL")
	}

	q := u.Query()
	c.Backend = BackendAzure
	c.Azure.Container = u.Host
	c.Azure.AccountName = q.Get("account")
	c.Azure.Location = q.Get("location")
	c.Azure.Endpoint = q.Get("endpoint")
	c.Azure.Prefix = q.Get("prefix")

	if v, ok := os.LookupEnv("AZURE_STORAGE_CONNECTION_STRING"); ok && v != "" {
		c.Azure.ConnectionString = v
	}
	if v, ok := os.LookupEnv("AZURE_STORAGE_ACCOUNT"); ok && v != "" && c.Azure.AccountName == "" {
		c.Azure.AccountName = v
	}
	if v, ok := os.LookupEnv("AZURE_STORAGE_KEY"); ok && v != "" {
		c.Azure.AccountKey = v
	}
	if v, ok := os.LookupEnv("AZURE_STORAGE_SAS_TOKEN"); ok && v != "" {
		c.Azure.SASToken = v
	}
	return nil
}

// applyGridFSStorage configures GridFS storage from URL
// Format: gridfs://bucket?database=blobs, with the server taken from MONGODB_URI
func applyGridFSStorage(u *url.URL, c *Config) error {
	q := u.Query()
	c.Backend = BackendGridFS
	c.GridFS.Bucket = u.Host
	c.GridFS.Database = q.Get("database")
	if v := q.Get("chunk_size"); v != "" {
		size, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid chunk_size in STORAGE_URL: %w", err)
		}
		c.GridFS.ChunkSizeBytes = int32(size)
	}

	c.GridFS.URI = "mongodb://localhost:27017"
	if v, ok := os.LookupEnv("MONGODB_URI"); ok && v != "" {
		c.GridFS.URI = v
	}
	return nil
}

func lookupEnv(prefix, key string) (string, bool) {
	return os.LookupEnv(prefix + key)
}

func parseBoolEnv(prefix, key string) (bool, bool, error) {
	raw, ok := lookupEnv(prefix, key)
	if !ok || raw == "" {
		return false, false, nil
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false, fmt.Errorf("invalid boolean for %s%s: %w", prefix, key, err)
	}
	return parsed, true, nil
}
