package models

import (
	"errors"
	"fmt"
)

// Error classes shared by the backend client and the synchronizer. Concrete errors wrap one of these,
// so callers test them with errors.Is.
var (
	ErrNetwork    = errors.New("network error")
	ErrAuth       = errors.New("authentication error")
	ErrStream     = errors.New("stream error")
	ErrValidation = errors.New("validation error")
	ErrLoad       = errors.New("load error")
)

// APIError is a non-2xx reply from the backend. Detail holds the structured "detail" field of the
// reply body when the backend sent one.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Detail)
}

// Unwrap classifies the error so that errors.Is works against the sentinel errors.
func (e *APIError) Unwrap() error {
	if e.StatusCode == 401 || e.StatusCode == 403 {
		return ErrAuth
	}
	return ErrNetwork
}

// ErrorDetail extracts the text that should be shown to a user for err. It prefers the backend's
// structured detail and falls back to the error message.
func ErrorDetail(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	return err.Error()
}
