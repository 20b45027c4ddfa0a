package app

import (
	"errors"
	"fmt"
	"net/http"

	"docupdater/internal/cache"
	"docupdater/internal/docmanager"
	"docupdater/internal/updater"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, docmanager.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, docmanager.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil
	case errors.Is(err, cache.ErrOpRangeNotAvailable):
		return http.StatusUnprocessableEntity, "OP_RANGE_NOT_AVAILABLE", "Requested ops are no longer available", nil
	case errors.Is(err, docmanager.ErrUpstreamFailure):
		if errors.Is(err, updater.ErrVersionConflict) || errors.Is(err, cache.ErrVersionMismatch) {
			return http.StatusConflict, "VERSION_CONFLICT", "Document version changed", nil
		}
		return http.StatusBadGateway, "UPSTREAM_FAILURE", "Update was rejected", nil
	case errors.Is(err, docmanager.ErrStorageFailure):
		return http.StatusServiceUnavailable, "STORAGE_FAILURE", "Storage unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
