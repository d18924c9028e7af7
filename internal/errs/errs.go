// Package errs classifies request failures into the three kinds the API
// exposes: invalid input, upstream failure and unavailable backend.
package errs

import (
	"errors"
	"net/http"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrUpstream           = errors.New("upstream failure")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// Error carries the failure kind, the pipeline stage it happened in, a short
// client-safe message and the underlying cause.
type Error struct {
	Kind    error
	Stage   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Stage != "" {
		msg = e.Stage + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// InvalidInput reports a malformed or unsupported request.
func InvalidInput(message string) error {
	return &Error{Kind: ErrInvalidInput, Message: message}
}

// Upstream reports a failed or timed-out backend call during stage.
func Upstream(stage string, err error) error {
	return &Error{Kind: ErrUpstream, Stage: stage, Message: stage + " failed", Err: err}
}

// Unavailable reports a backend that is missing or not initialized.
func Unavailable(stage string, err error) error {
	return &Error{Kind: ErrBackendUnavailable, Stage: stage, Message: "service unavailable", Err: err}
}

// StatusCode maps an error to the HTTP status the API answers with.
func StatusCode(err error) int {
	if errors.Is(err, ErrInvalidInput) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// PublicMessage returns the short message safe to show a client.
func PublicMessage(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return fallback
}
