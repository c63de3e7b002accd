package errors

import (
	stderr "errors"
	"fmt"
	"net/http"
)

// AppError is the service-wide error carrying a stable id for logs and an
// HTTP-ish status code for surfaces that need one.
type AppError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
	cause   error
}

func (e *AppError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("[%s]: %s", e.ID, e.Message)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.cause }

type Option func(*AppError)

func WithID(id string) Option {
	return func(e *AppError) { e.ID = id }
}

func WithCause(err error) Option {
	return func(e *AppError) { e.cause = err }
}

func WithCode(code int) Option {
	return func(e *AppError) { e.Code = code }
}

func New(message string, opts ...Option) error {
	e := &AppError{Message: message, Code: http.StatusBadRequest}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func Internal(message string, opts ...Option) error {
	e := &AppError{Message: message, Code: http.StatusInternalServerError}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func NotFound(message string, opts ...Option) error {
	e := &AppError{Message: message, Code: http.StatusNotFound}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Is / As / Unwrap re-export the standard helpers so callers need a single
// errors import.
func Is(err, target error) bool { return stderr.Is(err, target) }

func As(err error, target any) bool { return stderr.As(err, target) }

func Unwrap(err error) error { return stderr.Unwrap(err) }
