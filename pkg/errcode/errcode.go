// Package errcode defines the stable error taxonomy shared by the
// coordinator, applier, and API surface. Every error carries a code,
// a message, optional structured details, and a correlation id that
// links the coordinator log, the WAL record, and the applier log.
package errcode

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Code is a stable, transport-independent error code.
type Code string

const (
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeValidationError    Code = "VALIDATION_ERROR"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeTimeout            Code = "TIMEOUT"
	CodeInternal           Code = "INTERNAL"
)

// Error is the canonical error type surfaced to callers.
type Error struct {
	Code          Code           `json:"code"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	CorrelationID string         `json:"correlation_id"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates an Error with a fresh correlation id.
func New(code Code, message string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: uuid.NewString(),
	}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap converts err into an Error with the given code, preserving an
// existing Error's correlation id when present.
func Wrap(code Code, err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return &Error{
			Code:          code,
			Message:       ce.Message,
			Details:       ce.Details,
			CorrelationID: ce.CorrelationID,
		}
	}
	return New(code, err.Error())
}

// WithDetail attaches a structured detail and returns the same Error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCorrelation overrides the correlation id.
func (e *Error) WithCorrelation(id string) *Error {
	e.CorrelationID = id
	return e
}

// CodeOf extracts the Code from err, defaulting to INTERNAL.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// HTTPStatus maps a code to its HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidRequest, CodeValidationError:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
