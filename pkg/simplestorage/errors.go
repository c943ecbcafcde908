package simplestorage

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a storage failure independently of the backend.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindPermissionDenied
	KindInvalidPath
	KindBackendUnavailable
	KindConflict
	KindUnsupported
	KindInvalidArgument
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindPermissionDenied:
		return "permission denied"
	case KindInvalidPath:
		return "invalid path"
	case KindBackendUnavailable:
		return "backend unavailable"
	case KindConflict:
		return "conflict"
	case KindUnsupported:
		return "unsupported"
	case KindInvalidArgument:
		return "invalid argument"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error types
var (
	// ErrNotFound indicates a required entry was missing. Absence alone is
	// reported through return values, not through this error.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied indicates the backend rejected the caller's credentials or access
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidPath indicates a malformed path or one escaping the storage root
	ErrInvalidPath = errors.New("invalid path")

	// ErrBackendUnavailable indicates the backend could not be reached or is not ready
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrConflict indicates a file path was used as a directory or the other way around
	ErrConflict = errors.New("conflict")

	// ErrUnsupported indicates the backend does not support the requested operation
	ErrUnsupported = errors.New("unsupported operation")

	// ErrInvalidArgument indicates a malformed request
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCanceled indicates the operation was canceled or timed out
	ErrCanceled = errors.New("operation canceled")

	// ErrNotInitialized is returned by backends used before Init when auto-init is off
	ErrNotInitialized = errors.New("backend not initialized")

	// ErrNoContent indicates an upload request built without content
	ErrNoContent = errors.New("upload request has no content")
)

// kindSentinels is ordered by precedence: when an error wraps several
// sentinels, KindOf reports the first one listed here.
var kindSentinels = []struct {
	kind     Kind
	sentinel error
}{
	{KindCanceled, ErrCanceled},
	{KindNotFound, ErrNotFound},
	{KindPermissionDenied, ErrPermissionDenied},
	{KindInvalidPath, ErrInvalidPath},
	{KindConflict, ErrConflict},
	{KindInvalidArgument, ErrInvalidArgument},
	{KindUnsupported, ErrUnsupported},
	{KindBackendUnavailable, ErrBackendUnavailable},
}

func sentinelOf(kind Kind) error {
	for _, ks := range kindSentinels {
		if ks.kind == kind {
			return ks.sentinel
		}
	}
	return nil
}

// StorageError represents an error related to storage operations
type StorageError struct {
	Backend string
	Op      string
	Path    string
	Kind    Kind
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for path %q on backend %s (%s): %v", e.Op, e.Path, e.Backend, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel belonging to the error's kind, so
// errors.Is(err, ErrConflict) holds for any conflict regardless of backend.
func (e *StorageError) Is(target error) bool {
	sentinel := sentinelOf(e.Kind)
	return sentinel != nil && sentinel == target
}

// NewError wraps err into a *StorageError. Errors that already carry a
// *StorageError are returned unchanged. Context cancellation and deadline
// errors are always classified as KindCanceled.
func NewError(backend, op, path string, kind Kind, err error) error {
	if err == nil {
		err = sentinelOf(kind)
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = KindCanceled
	}
	return &StorageError{Backend: backend, Op: op, Path: path, Kind: kind, Err: err}
}

// KindOf returns the kind of the first *StorageError in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var se *StorageError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	for _, ks := range kindSentinels {
		if errors.Is(err, ks.sentinel) {
			return ks.kind
		}
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
