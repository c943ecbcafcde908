package azblob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-storage/pkg/simplestorage"
	"github.com/tendant/simple-storage/pkg/simplestorage/storagetest"
)

func TestConfig_ServiceURL(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   string
	}{
		{
			name:   "Public",
			config: Config{AccountName: "acct"},
			want:   "https://acct.blob.core.windows.net/",
		},
		{
			name:   "China",
			config: Config{AccountName: "acct", Location: LocationChina},
			want:   "https://acct.blob.core.chinacloudapi.cn/",
		},
		{
			name:   "EmulatorDefault",
			config: Config{Location: LocationEmulator},
			want:   "http://127.0.0.1:10000/devstoreaccount1/",
		},
		{
			name:   "EmulatorEndpoint",
			config: Config{Location: LocationEmulator, Endpoint: "http://azurite:10000/"},
			want:   "http://azurite:10000/devstoreaccount1/",
		},
		{
			name:   "Custom",
			config: Config{Location: LocationCustom, Endpoint: "https://blobs.example.com"},
			want:   "https://blobs.example.com/",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.config.setDefaults()
			assert.Equal(t, tt.want, tt.config.ServiceURL())
		})
	}
}

func TestConfig_ContainerURL(t *testing.T) {
	c := Config{AccountName: "acct", Container: "media", SASToken: "?sv=2024&sig=abc"}
	c.setDefaults()
	assert.Equal(t, "https://acct.blob.core.windows.net/media?sv=2024&sig=abc", c.ContainerURL())

	c.SASToken = ""
	assert.Equal(t, "https://acct.blob.core.windows.net/media", c.ContainerURL())
}

func TestConfig_EmulatorDefaults(t *testing.T) {
	c := Config{Container: "media", Location: LocationEmulator}
	c.setDefaults()
	assert.Equal(t, EmulatorAccountName, c.AccountName)
	assert.Equal(t, EmulatorAccountKey, c.AccountKey)

	withSAS := Config{Container: "media", Location: LocationEmulator, SASToken: "sig=abc"}
	withSAS.setDefaults()
	assert.Empty(t, withSAS.AccountKey)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{"MissingContainer", Config{AccountName: "acct"}, "container name is required"},
		{"MissingAccount", Config{Container: "c"}, "account name is required"},
		{"CustomWithoutEndpoint", Config{Container: "c", Location: LocationCustom}, "endpoint is required"},
		{"UnknownLocation", Config{Container: "c", AccountName: "a", Location: "mars"}, "unknown location"},
		{"BadKey", Config{Container: "c", AccountName: "a", AccountKey: "%%%"}, "shared key"},
		{"BadPrefix", Config{Container: "c", AccountName: "a", Prefix: "../up"}, "invalid name prefix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNew_Credentials(t *testing.T) {
	t.Run("ConnectionString", func(t *testing.T) {
		b, err := New(Config{
			Container: "media",
			ConnectionString: "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;AccountKey=" + EmulatorAccountKey +
				";BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1;",
		})
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(b.client.URL(), "/media"))
	})

	t.Run("SharedKey", func(t *testing.T) {
		b, err := New(Config{Container: "media", AccountName: "acct", AccountKey: EmulatorAccountKey})
		require.NoError(t, err)
		assert.Equal(t, "https://acct.blob.core.windows.net/media", b.client.URL())
	})

	t.Run("Anonymous", func(t *testing.T) {
		b, err := New(Config{Container: "public", AccountName: "acct"})
		require.NoError(t, err)
		assert.Equal(t, Name, b.Name())
	})
}

func TestBackend_RequiresInit(t *testing.T) {
	b, err := New(Config{Container: "media", Location: LocationEmulator})
	require.NoError(t, err)

	_, err = b.Exists(context.Background(), "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, simplestorage.ErrNotInitialized)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Open(ctx, "x")
	assert.Equal(t, simplestorage.KindCanceled, simplestorage.KindOf(err))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code   string
		status int
		want   simplestorage.Kind
	}{
		{"BlobNotFound", http.StatusNotFound, simplestorage.KindNotFound},
		{"ContainerNotFound", http.StatusNotFound, simplestorage.KindNotFound},
		{"AuthenticationFailed", http.StatusForbidden, simplestorage.KindPermissionDenied},
		{"AuthorizationPermissionMismatch", http.StatusForbidden, simplestorage.KindPermissionDenied},
		{"InvalidResourceName", http.StatusBadRequest, simplestorage.KindInvalidPath},
		{"InvalidMetadata", http.StatusBadRequest, simplestorage.KindInvalidArgument},
		{"LeaseIdMissing", http.StatusPreconditionFailed, simplestorage.KindConflict},
		{"", http.StatusForbidden, simplestorage.KindPermissionDenied},
		{"ServerBusy", http.StatusServiceUnavailable, simplestorage.KindBackendUnavailable},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%d", tt.code, tt.status), func(t *testing.T) {
			err := fmt.Errorf("request: %w", &azcore.ResponseError{ErrorCode: tt.code, StatusCode: tt.status})
			assert.Equal(t, tt.want, classify(err))
		})
	}

	assert.Equal(t, simplestorage.KindBackendUnavailable, classify(errors.New("dial tcp: no such host")))
}

func TestMetadataConversion(t *testing.T) {
	assert.Nil(t, toAzureMetadata(nil))
	assert.Nil(t, fromAzureMetadata(nil))

	az := toAzureMetadata(simplestorage.Metadata{"owner": "noel"})
	require.Contains(t, az, "owner")
	assert.Equal(t, "noel", *az["owner"])

	owner, tier := "noel", "hot"
	got := fromAzureMetadata(map[string]*string{"Owner": &owner, "TIER": &tier, "Empty": nil})
	assert.Equal(t, simplestorage.Metadata{"owner": "noel", "tier": "hot", "empty": ""}, got)
}

// TestBackend_Integration runs the conformance suite against Azurite when
// AZURITE_INTEGRATION_TEST is set.
func TestBackend_Integration(t *testing.T) {
	if os.Getenv("AZURITE_INTEGRATION_TEST") == "" {
		t.Skip("Skipping Azurite integration test (set AZURITE_INTEGRATION_TEST=1 to run)")
	}

	n := 0
	suite := &storagetest.Suite{
		NewService: func(t *testing.T) simplestorage.Service {
			n++
			b, err := New(Config{
				Container: "simple-storage-test",
				Location:  LocationEmulator,
				Endpoint:  os.Getenv("AZURITE_ENDPOINT"),
				Prefix:    fmt.Sprintf("run/%d", n),
			})
			require.NoError(t, err)
			return b
		},
	}
	suite.Run(t)
}
