package llm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_FormatAndUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := NewError(ErrUpstreamError, "completion request failed").
		WithCause(cause).
		WithRetryable(true).
		WithHTTPStatus(502).
		WithProvider("openai")

	assert.Contains(t, err.Error(), "LLM_UPSTREAM_ERROR")
	assert.Contains(t, err.Error(), "connection refused")
	assert.ErrorIs(t, err, cause)
	assert.True(t, err.Retryable)
	assert.Equal(t, 502, err.HTTPStatus)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"retryable structured error", NewError(ErrServiceUnavailable, "503").WithRetryable(true), true},
		{"non-retryable structured error", NewError(ErrEmptyCompletion, "empty"), false},
		{"missing credential never transient", NewError(ErrMissingCredential, "no key").WithRetryable(true), false},
		{"unauthorized never transient", NewError(ErrUnauthorized, "bad key").WithRetryable(true), false},
		{"wrapped structured error", fmt.Errorf("call: %w", NewError(ErrRateLimited, "429").WithRetryable(true)), true},
		{"503 pattern", errors.New("upstream returned 503"), true},
		{"unreachable backend pattern", errors.New("unreachable_backend"), true},
		{"rate limit pattern", errors.New("Rate Limit exceeded"), true},
		{"plain error", errors.New("invalid prompt"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsConfigError(t *testing.T) {
	assert.True(t, IsConfigError(NewError(ErrMissingCredential, "no key")))
	assert.True(t, IsConfigError(NewError(ErrUnauthorized, "bad key")))
	assert.True(t, IsConfigError(fmt.Errorf("wrap: %w", NewError(ErrUnauthorized, "bad key"))))
	assert.False(t, IsConfigError(NewError(ErrUpstreamError, "5xx")))
	assert.False(t, IsConfigError(errors.New("503")))
	assert.False(t, IsConfigError(nil))
}
