package errcode_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elloloop/entdb/pkg/errcode"
)

func TestNewAssignsCorrelation(t *testing.T) {
	a := errcode.New(errcode.CodeNotFound, "node n-1 not found")
	b := errcode.New(errcode.CodeNotFound, "node n-1 not found")

	assert.Equal(t, "NOT_FOUND: node n-1 not found", a.Error())
	assert.NotEmpty(t, a.CorrelationID)
	assert.NotEqual(t, a.CorrelationID, b.CorrelationID)
}

func TestNewf(t *testing.T) {
	e := errcode.Newf(errcode.CodeConflict, "version %d expected, got %d", 3, 5)
	assert.Equal(t, errcode.CodeConflict, e.Code)
	assert.Equal(t, "version 3 expected, got 5", e.Message)
}

func TestWrapPreservesCorrelationAndDetails(t *testing.T) {
	inner := errcode.New(errcode.CodeConflict, "stale write").
		WithDetail("expected_version", int64(3))
	wrapped := errcode.Wrap(errcode.CodeServiceUnavailable, fmt.Errorf("append: %w", inner))

	assert.Equal(t, errcode.CodeServiceUnavailable, wrapped.Code)
	assert.Equal(t, "stale write", wrapped.Message)
	assert.Equal(t, inner.CorrelationID, wrapped.CorrelationID)
	assert.Equal(t, int64(3), wrapped.Details["expected_version"])
}

func TestWrapPlainError(t *testing.T) {
	wrapped := errcode.Wrap(errcode.CodeInternal, errors.New("disk full"))
	assert.Equal(t, errcode.CodeInternal, wrapped.Code)
	assert.Equal(t, "disk full", wrapped.Message)
	assert.NotEmpty(t, wrapped.CorrelationID)
}

func TestWithDetailAccumulates(t *testing.T) {
	e := errcode.New(errcode.CodeValidationError, "bad payload").
		WithDetail("field", "subject").
		WithDetail("reason", "required")
	assert.Equal(t, "subject", e.Details["field"])
	assert.Equal(t, "required", e.Details["reason"])
}

func TestCodeOf(t *testing.T) {
	e := errcode.New(errcode.CodeTimeout, "deadline elapsed")
	assert.Equal(t, errcode.CodeTimeout, errcode.CodeOf(e))
	assert.Equal(t, errcode.CodeTimeout, errcode.CodeOf(fmt.Errorf("execute: %w", e)))
	assert.Equal(t, errcode.CodeInternal, errcode.CodeOf(errors.New("anything else")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[errcode.Code]int{
		errcode.CodeInvalidRequest:     http.StatusBadRequest,
		errcode.CodeValidationError:    http.StatusBadRequest,
		errcode.CodeForbidden:          http.StatusForbidden,
		errcode.CodeNotFound:           http.StatusNotFound,
		errcode.CodeConflict:           http.StatusConflict,
		errcode.CodeServiceUnavailable: http.StatusServiceUnavailable,
		errcode.CodeTimeout:            http.StatusGatewayTimeout,
		errcode.CodeInternal:           http.StatusInternalServerError,
		errcode.Code("MYSTERY"):        http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, errcode.HTTPStatus(code), "code %s", code)
	}
}

func TestErrorsAsThroughWrapping(t *testing.T) {
	e := errcode.New(errcode.CodeForbidden, "not visible")
	chained := fmt.Errorf("outer: %w", e)

	var coded *errcode.Error
	require.True(t, errors.As(chained, &coded))
	assert.Equal(t, errcode.CodeForbidden, coded.Code)
}
