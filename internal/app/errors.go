package app

import (
	"errors"
	"fmt"
	"net/http"

	"pagewatch/api/internal/diffsvc"
	"pagewatch/api/internal/payload"
	"pagewatch/api/internal/pipeline"
	"pagewatch/api/internal/queue"
	"pagewatch/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError translates the typed errors of the inner packages into an HTTP
// status and stable error code, so callers can branch on kind.
func mapError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return domainError(http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, pipeline.ErrNoAncestor):
		return domainError(http.StatusConflict, "NO_ANCESTOR", err.Error(), nil)
	case errors.Is(err, queue.ErrEmptyQueue):
		return domainError(http.StatusNotFound, "EMPTY_QUEUE", err.Error(), nil)
	case errors.Is(err, queue.ErrNoActiveClaim):
		return domainError(http.StatusConflict, "NO_ACTIVE_CLAIM", err.Error(), nil)
	case errors.Is(err, queue.ErrAlreadyClaimed):
		return domainError(http.StatusConflict, "ALREADY_CLAIMED", err.Error(), nil)
	case errors.Is(err, queue.ErrNotQueued):
		return domainError(http.StatusNotFound, "NOT_QUEUED", err.Error(), nil)
	case errors.Is(err, payload.ErrUnavailable):
		return domainError(http.StatusBadGateway, "PAYLOAD_UNAVAILABLE", err.Error(), nil)
	case errors.Is(err, diffsvc.ErrService):
		return domainError(http.StatusBadGateway, "DIFF_SERVICE_ERROR", err.Error(), nil)
	}

	var storageErr *store.StorageError
	if errors.As(err, &storageErr) {
		return domainError(http.StatusInternalServerError, "STORAGE_ERROR", "Storage failure", nil)
	}
	return domainError(http.StatusInternalServerError, "INTERNAL", "Internal error", nil)
}
