package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType classifies an API error and decides its HTTP status
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeTimeout      ErrorType = "timeout"

	// A dependency, usually the coordinator session, is not ready
	ErrorTypeUnavailable ErrorType = "unavailable"
)

var statusByType = map[ErrorType]int{
	ErrorTypeValidation:   http.StatusBadRequest,
	ErrorTypeNotFound:     http.StatusNotFound,
	ErrorTypeInternal:     http.StatusInternalServerError,
	ErrorTypeUnauthorized: http.StatusUnauthorized,
	ErrorTypeForbidden:    http.StatusForbidden,
	ErrorTypeTimeout:      http.StatusGatewayTimeout,
	ErrorTypeUnavailable:  http.StatusServiceUnavailable,
}

// APIError is the error body of the control API
type APIError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	HTTPCode  int       `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Code, e.Message)
}

// WithDetails adds details to the error
func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

// WithRequestID adds a request ID to the error
func (e *APIError) WithRequestID(requestID string) *APIError {
	e.RequestID = requestID
	return e
}

// New creates an error of the given type
func New(typ ErrorType, code, message string) *APIError {
	status, ok := statusByType[typ]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &APIError{Type: typ, Code: code, Message: message, HTTPCode: status}
}

func ValidationError(code, message string) *APIError {
	return New(ErrorTypeValidation, code, message)
}

func NotFoundError(code, message string) *APIError {
	return New(ErrorTypeNotFound, code, message)
}

func InternalError(code, message string) *APIError {
	return New(ErrorTypeInternal, code, message)
}

func UnauthorizedError(code, message string) *APIError {
	return New(ErrorTypeUnauthorized, code, message)
}

func ForbiddenError(code, message string) *APIError {
	return New(ErrorTypeForbidden, code, message)
}

func TimeoutError(code, message string) *APIError {
	return New(ErrorTypeTimeout, code, message)
}

func UnavailableError(code, message string) *APIError {
	return New(ErrorTypeUnavailable, code, message)
}

// FromError converts err to an APIError. Deadline errors become timeouts;
// anything else unknown becomes an internal error whose message is not
// exposed.
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return TimeoutError("request_timeout", "The request timed out")
	}

	return InternalError("internal_error", "An internal error occurred")
}
