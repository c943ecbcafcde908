package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"github.com/tendant/simple-storage/pkg/simplestorage"
)

// StatusClientClosedRequest is reported when the caller went away mid-request.
const StatusClientClosedRequest = 499

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Path      string `json:"path,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// StatusFor maps a storage error to an HTTP status and error code.
func StatusFor(err error) (int, string) {
	if errors.Is(err, simplestorage.ErrNoContent) {
		return http.StatusBadRequest, "invalid_argument"
	}
	if errors.Is(err, simplestorage.ErrNotInitialized) {
		return http.StatusServiceUnavailable, "not_initialized"
	}

	switch simplestorage.KindOf(err) {
	case simplestorage.KindNotFound:
		return http.StatusNotFound, "not_found"
	case simplestorage.KindPermissionDenied:
		return http.StatusForbidden, "permission_denied"
	case simplestorage.KindInvalidPath:
		return http.StatusBadRequest, "invalid_path"
	case simplestorage.KindInvalidArgument:
		return http.StatusBadRequest, "invalid_argument"
	case simplestorage.KindConflict:
		return http.StatusConflict, "conflict"
	case simplestorage.KindUnsupported:
		return http.StatusNotImplemented, "unsupported"
	case simplestorage.KindBackendUnavailable:
		return http.StatusServiceUnavailable, "backend_unavailable"
	case simplestorage.KindCanceled:
		return StatusClientClosedRequest, "canceled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *BlobHandler) writeError(w http.ResponseWriter, r *http.Request, op, path string, err error) {
	status, code := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Storage operation failed", "op", op, "path", path, "error", err)
	} else {
		h.logger.Debug("Storage operation rejected", "op", op, "path", path, "status", status, "error", err)
	}

	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: ErrorBody{
		Code:      code,
		Message:   err.Error(),
		Path:      path,
		RequestID: requestID(r),
	}})
}

func writeJSONError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: ErrorBody{
		Code:      code,
		Message:   message,
		RequestID: requestID(r),
	}})
}
