package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-storage/pkg/simplestorage/storage/memory"
)

func testServer(t *testing.T, env string) *httptest.Server {
	t.Helper()
	svc := memory.New(memory.Config{})
	srv := httptest.NewServer(newRouter(svc, ServerConfig{
		Environment:    env,
		MaxUploadBytes: 1 << 20,
		RequestTimeout: time.Minute,
	}, slog.Default()))
	t.Cleanup(srv.Close)
	return srv
}

func TestServer_Health(t *testing.T) {
	srv := testServer(t, "production")

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "memory", body["backend"])
}

func TestServer_UploadRoundTrip(t *testing.T) {
	srv := testServer(t, "production")

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/blobs/notes/todo.txt", strings.NewReader("buy milk"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, err = http.Get(srv.URL + "/api/v1/list?dir=notes")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Entries []struct {
			Path string `json:"path"`
		} `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Entries, 1)
	assert.Equal(t, "notes/todo.txt", list.Entries[0].Path)
}

func TestServer_CORSInDevelopment(t *testing.T) {
	srv := testServer(t, "development")

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/blobs/a.txt", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
