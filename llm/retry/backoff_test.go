package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cerina/foundry/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(maxRetries int) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientErrors(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return llm.NewError(llm.ErrServiceUnavailable, "503").WithRetryable(true)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_DoesNotRetryConfigErrors(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return llm.NewError(llm.ErrMissingCredential, "no key")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, llm.IsConfigError(err))
}

func TestDo_ExhaustsRetries(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(2), nil)

	calls := 0
	transient := llm.NewError(llm.ErrUpstreamError, "502").WithRetryable(true)
	err := r.Do(context.Background(), func() error {
		calls++
		return transient
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls) // 首次 + 2 次重试
	assert.ErrorIs(t, err, transient)
	assert.Contains(t, err.Error(), "failed after 2 retries")
}

func TestDo_RespectsContextCancellation(t *testing.T) {
	policy := fastPolicy(5)
	policy.InitialDelay = 50 * time.Millisecond
	r := NewBackoffRetryer(policy, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := r.Do(ctx, func() error {
		calls++
		return llm.NewError(llm.ErrRateLimited, "429").WithRetryable(true)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_CustomShouldRetry(t *testing.T) {
	sentinel := errors.New("flaky")
	policy := fastPolicy(3)
	policy.ShouldRetry = func(err error) bool { return errors.Is(err, sentinel) }
	r := NewBackoffRetryer(policy, nil)

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return sentinel
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_OnRetryCallback(t *testing.T) {
	var attempts []int
	policy := fastPolicy(2)
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}
	r := NewBackoffRetryer(policy, nil)

	_ = r.Do(context.Background(), func() error {
		return llm.NewError(llm.ErrUpstreamTimeout, "timeout").WithRetryable(true)
	})

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoWithResultTyped(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(2), nil)

	calls := 0
	text, err := DoWithResultTyped(r, context.Background(), func() (string, error) {
		calls++
		if calls == 1 {
			return "", llm.NewError(llm.ErrServiceUnavailable, "503").WithRetryable(true)
		}
		return "draft text", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "draft text", text)
	assert.Equal(t, 2, calls)
}

func TestCalculateDelay_CappedAtMaxDelay(t *testing.T) {
	policy := &RetryPolicy{
		MaxRetries:   10,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Multiplier:   2.0,
	}
	r := NewBackoffRetryer(policy, nil).(*backoffRetryer)

	for attempt := 1; attempt <= 10; attempt++ {
		d := r.calculateDelay(attempt)
		assert.GreaterOrEqual(t, d, policy.InitialDelay)
		assert.LessOrEqual(t, d, policy.MaxDelay)
	}
}
