package router

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	ErrInternalCode           = "INTERNAL_ERROR"
	ErrBadRequestCode         = "BAD_REQUEST"
	ErrNotFoundCode           = "NOT_FOUND"
	ErrConflictCode           = "CONFLICT"
	ErrUnprocessableCode      = "UNPROCESSABLE_ENTITY"
	ErrRequestTimeoutCode     = "REQUEST_TIMEOUT"
	ErrServiceUnavailableCode = "SERVICE_UNAVAILABLE"
)

// RequestError carries the HTTP status a handler failure should produce.
type RequestError struct {
	Reason     string
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// NewRequestError creates a new RequestError
func NewRequestError(statusCode int, reason string, err error) *RequestError {
	return &RequestError{
		StatusCode: statusCode,
		Reason:     reason,
		Err:        err,
	}
}

// IsRequestError checks if the given error is a RequestError
func IsRequestError(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr)
}

// StatusFromError returns the status and problem code for err. Errors that
// are not a RequestError map to 500.
func StatusFromError(err error) (int, string) {
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		return http.StatusInternalServerError, ErrInternalCode
	}
	return reqErr.StatusCode, codeForStatus(reqErr.StatusCode)
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrBadRequestCode
	case http.StatusNotFound:
		return ErrNotFoundCode
	case http.StatusConflict:
		return ErrConflictCode
	case http.StatusUnprocessableEntity:
		return ErrUnprocessableCode
	case http.StatusRequestTimeout:
		return ErrRequestTimeoutCode
	case http.StatusServiceUnavailable:
		return ErrServiceUnavailableCode
	default:
		return ErrInternalCode
	}
}
