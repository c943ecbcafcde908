package azblob

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/tendant/simple-storage/pkg/simplestorage"
)

// Cloud locations a container can live in.
const (
	LocationPublic   = "public"
	LocationChina    = "china"
	LocationEmulator = "emulator"
	LocationCustom   = "custom"
)

// Azurite's well-known development account.
const (
	EmulatorAccountName = "devstoreaccount1"
	EmulatorAccountKey  = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="
	emulatorEndpoint    = "http://127.0.0.1:10000"
)

// Config options for the Azure Blob Storage backend.
//
// Credentials are picked in this order: ConnectionString, AccountKey
// (shared key), SASToken, then anonymous access.
type Config struct {
	Container string `mapstructure:"container" validate:"required"`

	ConnectionString string `mapstructure:"connection_string"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	SASToken         string `mapstructure:"sas_token"`

	// Location selects the service endpoint. Custom requires Endpoint; the
	// emulator uses Endpoint when set and Azurite's default otherwise.
	Location string `mapstructure:"location" validate:"omitempty,oneof=public china emulator custom"`
	Endpoint string `mapstructure:"endpoint" validate:"omitempty,url"`

	Prefix     string `mapstructure:"prefix"`
	MaxRetries int    `mapstructure:"max_retries" validate:"gte=0"`

	SkipContainerCreation bool `mapstructure:"skip_container_creation"`
	AutoInit              bool `mapstructure:"auto_init"`

	Resolver simplestorage.ContentTypeResolver `mapstructure:"-"`
	Logger   *slog.Logger                      `mapstructure:"-"`
}

func (c *Config) setDefaults() {
	if c.Location == "" {
		c.Location = LocationPublic
	}
	if c.Location == LocationEmulator && c.ConnectionString == "" {
		if c.AccountName == "" {
			c.AccountName = EmulatorAccountName
		}
		if c.AccountKey == "" && c.SASToken == "" {
			c.AccountKey = EmulatorAccountKey
		}
	}
}

func (c Config) check() error {
	if c.Container == "" {
		return errors.New("container name is required")
	}
	if c.ConnectionString != "" {
		return nil
	}
	switch c.Location {
	case LocationPublic, LocationChina:
		if c.AccountName == "" {
			return errors.New("account name is required")
		}
	case LocationEmulator:
	case LocationCustom:
		if c.Endpoint == "" {
			return errors.New("endpoint is required for a custom location")
		}
	default:
		return fmt.Errorf("unknown location %q", c.Location)
	}
	return nil
}

// ServiceURL returns the blob service endpoint for the configured location.
func (c Config) ServiceURL() string {
	switch c.Location {
	case LocationChina:
		return fmt.Sprintf("https://%s.blob.core.chinacloudapi.cn/", c.AccountName)
	case LocationEmulator:
		endpoint := c.Endpoint
		if endpoint == "" {
			endpoint = emulatorEndpoint
		}
		return strings.TrimSuffix(endpoint, "/") + "/" + c.AccountName + "/"
	case LocationCustom:
		return strings.TrimSuffix(c.Endpoint, "/") + "/"
	default:
		return fmt.Sprintf("https://%s.blob.core.windows.net/", c.AccountName)
	}
}

// ContainerURL returns the container endpoint, carrying the SAS token when
// one is configured.
func (c Config) ContainerURL() string {
	u := c.ServiceURL() + url.PathEscape(c.Container)
	if c.SASToken != "" && c.AccountKey == "" {
		u += "?" + strings.TrimPrefix(c.SASToken, "?")
	}
	return u
}

func newContainerClient(c Config) (*container.Client, error) {
	opts := &container.ClientOptions{}
	if c.MaxRetries > 0 {
		opts.Retry.MaxRetries = int32(c.MaxRetries)
	}

	switch {
	case c.ConnectionString != "":
		return container.NewClientFromConnectionString(c.ConnectionString, c.Container, opts)
	case c.AccountKey != "":
		cred, err := container.NewSharedKeyCredential(c.AccountName, c.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("invalid shared key credential: %w", err)
		}
		return container.NewClientWithSharedKeyCredential(c.ContainerURL(), cred, opts)
	default:
		return container.NewClientWithNoCredential(c.ContainerURL(), opts)
	}
}
