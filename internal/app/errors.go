package app

import (
	"errors"
	"fmt"
	"net/http"
)

// DomainError is the stable error surface of every operation: an error kind
// (HTTP status + code) plus a human-readable message. Infrastructure errors
// are wrapped as ErrInternal before leaving the service.
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

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func badRequest(message string) *DomainError {
	return domainError(http.StatusBadRequest, "INVALID_INPUT", message, nil)
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func conflict(message string) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT", message, nil)
}

func internal(err error) *DomainError {
	return domainError(http.StatusInternalServerError, "INTERNAL", "internal error", map[string]any{
		"cause": err.Error(),
	})
}

// AsDomainError unwraps err to its DomainError, if any.
func AsDomainError(err error) (*DomainError, bool) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr, true
	}
	return nil, false
}
