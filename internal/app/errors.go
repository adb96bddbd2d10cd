package app

import (
	"fmt"
	"net/http"
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

func notFoundError() *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func forbiddenError() *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func readOnlyError() *DomainError {
	return domainError(http.StatusForbidden, "READ_ONLY", "Document is read-only", nil)
}

func invalidInputError(message string) *DomainError {
	return domainError(http.StatusBadRequest, "INVALID_INPUT", message, nil)
}

func storeUnavailableError() *DomainError {
	return domainError(http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Store unavailable", nil)
}
