package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormat(t *testing.T) {
	err := NewError(ErrUpstreamError, "provider call failed")
	assert.Equal(t, "[UPSTREAM_ERROR] provider call failed", err.Error())

	cause := errors.New("connection refused")
	err = err.WithCause(cause)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestErrorBuilders(t *testing.T) {
	err := NewError(ErrRateLimited, "too many requests").
		WithHTTPStatus(429).
		WithRetryable(true).
		WithProvider("openai")

	assert.Equal(t, 429, err.HTTPStatus)
	assert.True(t, err.Retryable)
	assert.Equal(t, "openai", err.Provider)
}

func TestIsRetryable(t *testing.T) {
	retryable := NewError(ErrUpstreamTimeout, "timeout").WithRetryable(true)
	assert.True(t, IsRetryable(retryable))

	wrapped := fmt.Errorf("call failed: %w", retryable)
	assert.True(t, IsRetryable(wrapped))

	assert.False(t, IsRetryable(errors.New("plain error")))
	assert.False(t, IsRetryable(nil))
}

func TestGetErrorCode(t *testing.T) {
	err := NewError(ErrValidation, "bad input")
	assert.Equal(t, ErrValidation, GetErrorCode(err))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
}

func TestValidationErrorCollectsAll(t *testing.T) {
	var v ValidationError
	require.NoError(t, v.Err())

	v.Add("maxSources must be between 1 and 20, got %d", 50)
	v.Add("temperature must be between 0 and 2, got %.1f", 3.5)

	err := v.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxSources")
	assert.Contains(t, err.Error(), "temperature")
	assert.Len(t, v.Violations, 2)
}
