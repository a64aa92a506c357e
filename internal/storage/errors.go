package storage

import (
	"errors"
	"net/http"
)

// Sentinel errors returned by storage operations. Backends and the project
// storage façade wrap them with context using fmt.Errorf("%w: ...").
var (
	// ErrInvalidIdentifier is returned for malformed file ids, groups or project names.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrNotFound is returned when the requested content does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedOperation is returned when the active backend lacks a capability.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrForbidden is returned when the CDN resolver rejects the deployment identity.
	ErrForbidden = errors.New("forbidden")

	// ErrFeatureDisabled is returned when an optional feature is not configured.
	ErrFeatureDisabled = errors.New("feature disabled")

	// ErrInternal is the opaque failure wrapping lower-level I/O and network errors.
	ErrInternal = errors.New("storage error")
)

// HTTPStatus maps a storage error to the status code API callers respond with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidIdentifier), errors.Is(err, ErrUnsupportedOperation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
