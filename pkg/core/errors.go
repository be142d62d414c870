package core

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound      = errors.New("blobstore: not found")
	ErrAlreadyExists = errors.New("blobstore: already exists")
	ErrUnsupported   = errors.New("blobstore: unsupported")
	ErrTransient     = errors.New("blobstore: transient failure")
	ErrProtocol      = errors.New("blobstore: protocol error")
	ErrInvalidInput  = errors.New("blobstore: invalid input")
)

// StatusError reports a non-success HTTP response from a remote store.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

// Unwrap maps the status code onto the error taxonomy so callers can use
// errors.Is without inspecting codes.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrAlreadyExists
	case http.StatusNotImplemented:
		return ErrUnsupported
	case http.StatusBadRequest, http.StatusRequestedRangeNotSatisfiable:
		return ErrInvalidInput
	default:
		return ErrProtocol
	}
}

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500 && e.StatusCode != http.StatusNotImplemented
}
