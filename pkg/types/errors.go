package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies API failures for transport-level mapping.
type ErrorKind string

const (
	ErrBadRequest        ErrorKind = "bad_request"
	ErrUnauthorized      ErrorKind = "unauthorized"
	ErrForbidden         ErrorKind = "forbidden"
	ErrNotFound          ErrorKind = "not_found"
	ErrConflict          ErrorKind = "conflict"
	ErrResourceExhausted ErrorKind = "resource_exhausted"
	ErrRunnerUnavailable ErrorKind = "runner_unavailable"
	ErrUpstreamTimeout   ErrorKind = "upstream_timeout"
	ErrInternal          ErrorKind = "internal"
)

// APIError is an error with a kind the HTTP layer can map to a status code.
type APIError struct {
	Kind    ErrorKind
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError creates an APIError with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *APIError {
	return &APIError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind, defaulting to ErrInternal for plain errors.
func KindOf(err error) ErrorKind {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ErrInternal
}
