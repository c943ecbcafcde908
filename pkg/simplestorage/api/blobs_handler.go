// Package api exposes a simplestorage.Service over HTTP.
//
// Routes:
//
//	HEAD   /blobs/*   existence and file headers
//	GET    /blobs/*   file content, or a JSON entry for a directory
//	PUT    /blobs/*   upload the request body
//	DELETE /blobs/*   delete a file or directory
//	GET    /list      list a directory (?dir=&recursive=&limit=&ext=&exclude=)
//
// Request headers on PUT: Content-Type is used as the explicit content type
// and every X-Meta-<key> header becomes a metadata entry. GET and HEAD echo
// metadata back the same way.
package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/tendant/simple-storage/pkg/simplestorage"
)

// MetaHeaderPrefix marks request and response headers that carry metadata.
const MetaHeaderPrefix = "X-Meta-"

// DefaultMaxUploadBytes caps request bodies accepted by PUT.
const DefaultMaxUploadBytes int64 = 64 << 20

// BlobHandler serves blob endpoints backed by a storage service.
type BlobHandler struct {
	service        simplestorage.Service
	logger         *slog.Logger
	maxUploadBytes int64
}

// HandlerOption configures a BlobHandler.
type HandlerOption func(*BlobHandler)

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *BlobHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMaxUploadBytes caps upload sizes. Values <= 0 keep the default.
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *BlobHandler) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

func NewBlobHandler(service simplestorage.Service, opts ...HandlerOption) *BlobHandler {
	h := &BlobHandler{
		service:        service,
		logger:         slog.Default(),
		maxUploadBytes: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the router for blob endpoints
func (h *BlobHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Head("/blobs/*", h.HeadBlob)
	r.Get("/blobs/*", h.GetBlob)
	r.Put("/blobs/*", h.PutBlob)
	r.Delete("/blobs/*", h.DeleteBlob)
	r.Get("/list", h.ListBlobs)
	return r
}

// BlobResponse describes a file or directory.
type BlobResponse struct {
	Type         string            `json:"type"`
	Path         string            `json:"path"`
	Name         string            `json:"name"`
	Size         uint64            `json:"size,omitempty"`
	ContentType  string            `json:"content_type,omitempty"`
	LastModified *time.Time        `json:"last_modified,omitempty"`
	CreatedAt    *time.Time        `json:"created_at,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ListResponse is returned by the list endpoint.
type ListResponse struct {
	Backend string         `json:"backend"`
	Dir     string         `json:"dir"`
	Entries []BlobResponse `json:"entries"`
}

func blobResponse(b simplestorage.Blob) BlobResponse {
	switch v := b.(type) {
	case *simplestorage.File:
		return BlobResponse{
			Type:         "file",
			Path:         v.Path,
			Name:         v.Name,
			Size:         v.Size,
			ContentType:  v.ContentType,
			LastModified: v.LastModified,
			CreatedAt:    v.CreatedAt,
			Metadata:     v.Metadata,
		}
	case *simplestorage.Directory:
		return BlobResponse{
			Type:      "directory",
			Path:      v.Path,
			Name:      v.Name,
			CreatedAt: v.CreatedAt,
		}
	}
	return BlobResponse{}
}

func blobPath(r *http.Request) string {
	return chi.URLParam(r, "*")
}

// HeadBlob reports whether a blob exists. Files also get their content headers.
func (h *BlobHandler) HeadBlob(w http.ResponseWriter, r *http.Request) {
	path := blobPath(r)

	blob, err := simplestorage.Describe(r.Context(), h.service, path)
	if err != nil {
		h.writeError(w, r, "head", path, err)
		return
	}
	if blob == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if f, ok := blob.(*simplestorage.File); ok {
		writeFileHeaders(w, f)
	} else {
		w.Header().Set("X-Blob-Type", "directory")
	}
	w.WriteHeader(http.StatusOK)
}

// GetBlob streams a file or describes a directory.
func (h *BlobHandler) GetBlob(w http.ResponseWriter, r *http.Request) {
	path := blobPath(r)

	blob, err := h.service.Open(r.Context(), path)
	if err != nil {
		h.writeError(w, r, "open", path, err)
		return
	}
	if blob == nil {
		h.writeError(w, r, "open", path,
			simplestorage.NewError(h.service.Name(), "open", path, simplestorage.KindNotFound, nil))
		return
	}

	f, ok := blob.(*simplestorage.File)
	if !ok {
		render.JSON(w, r, blobResponse(blob))
		return
	}

	data, err := f.Content(r.Context())
	if err != nil {
		h.writeError(w, r, "open", path, err)
		return
	}

	writeFileHeaders(w, f)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Warn("Failed to write response body", "path", path, "error", err)
	}
}

// PutBlob uploads the request body to the path.
func (h *BlobHandler) PutBlob(w http.ResponseWriter, r *http.Request) {
	path := blobPath(r)

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, r, http.StatusRequestEntityTooLarge, "too_large",
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeJSONError(w, r, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}

	opts := []simplestorage.UploadOption{}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		opts = append(opts, simplestorage.WithContentType(ct))
	}
	if md := metadataFromHeaders(r.Header); len(md) > 0 {
		opts = append(opts, simplestorage.WithMetadata(md))
	}

	req, err := simplestorage.NewUploadRequest(data, opts...)
	if err != nil {
		h.writeError(w, r, "upload", path, err)
		return
	}

	if err := h.service.Upload(r.Context(), path, req); err != nil {
		h.writeError(w, r, "upload", path, err)
		return
	}

	blob, err := simplestorage.Describe(r.Context(), h.service, path)
	if err != nil || blob == nil {
		h.logger.Warn("Uploaded blob could not be described",
			"path", path, "request_id", requestID(r), "removed", blob == nil && err == nil, "error", err)
		// The write succeeded; describe it from the request.
		resp := BlobResponse{Type: "file", Path: path, Name: simplestorage.BaseName(path), Size: req.Size()}
		if ct, ok := req.ContentType(); ok {
			resp.ContentType = ct
		}
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, resp)
		return
	}

	resp := blobResponse(blob)
	h.logger.Info("Blob uploaded", "path", resp.Path, "size", resp.Size, "content_type", resp.ContentType)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, resp)
}

// DeleteBlob removes a file or directory. Absent paths succeed.
func (h *BlobHandler) DeleteBlob(w http.ResponseWriter, r *http.Request) {
	path := blobPath(r)

	if err := h.service.Delete(r.Context(), path); err != nil {
		h.writeError(w, r, "delete", path, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListBlobs lists the entries of a directory.
func (h *BlobHandler) ListBlobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dir := q.Get("dir")

	var opts []simplestorage.ListOption
	if v := q.Get("recursive"); v != "" {
		recursive, err := strconv.ParseBool(v)
		if err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "bad_request", "recursive must be a boolean")
			return
		}
		if recursive {
			opts = append(opts, simplestorage.WithRecursive())
		}
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeJSONError(w, r, http.StatusBadRequest, "bad_request", "limit must be a non-negative integer")
			return
		}
		opts = append(opts, simplestorage.WithLimit(limit))
	}
	if exts := splitParam(q["ext"]); len(exts) > 0 {
		opts = append(opts, simplestorage.WithExtensions(exts...))
	}
	if excludes := splitParam(q["exclude"]); len(excludes) > 0 {
		opts = append(opts, simplestorage.WithExclude(excludes...))
	}

	resp := ListResponse{
		Backend: h.service.Name(),
		Dir:     dir,
		Entries: []BlobResponse{},
	}
	for blob, err := range h.service.List(r.Context(), dir, opts...) {
		if err != nil {
			h.writeError(w, r, "list", dir, err)
			return
		}
		resp.Entries = append(resp.Entries, blobResponse(blob))
	}

	render.JSON(w, r, resp)
}

func splitParam(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func writeFileHeaders(w http.ResponseWriter, f *simplestorage.File) {
	header := w.Header()
	header.Set("Content-Type", f.ContentType)
	header.Set("Content-Length", strconv.FormatUint(f.Size, 10))
	header.Set("X-Blob-Type", "file")
	if f.LastModified != nil {
		header.Set("Last-Modified", f.LastModified.UTC().Format(http.TimeFormat))
	}
	for k, v := range f.Metadata {
		header.Set(MetaHeaderPrefix+k, v)
	}
}

func metadataFromHeaders(header http.Header) simplestorage.Metadata {
	var md simplestorage.Metadata
	for name, values := range header {
		if len(values) == 0 || len(name) <= len(MetaHeaderPrefix) ||
			!strings.EqualFold(name[:len(MetaHeaderPrefix)], MetaHeaderPrefix) {
			continue
		}
		if md == nil {
			md = simplestorage.Metadata{}
		}
		md[strings.ToLower(name[len(MetaHeaderPrefix):])] = values[0]
	}
	return md
}
