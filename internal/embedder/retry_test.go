package embedder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryWithBackoff_SucceedsFirstTry(t *testing.T) {
	calls := 0
	got, err := retryWithBackoff(context.Background(), fastRetry(),
		func(error) bool { return true },
		func() (int, error) {
			calls++
			return 42, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_RecoversAfterFailures(t *testing.T) {
	transient := errors.New("transient")
	calls := 0
	got, err := retryWithBackoff(context.Background(), fastRetry(),
		func(error) bool { return true },
		func() (string, error) {
			calls++
			if calls < 3 {
				return "", transient
			}
			return "ok", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_NonRetryableStopsImmediately(t *testing.T) {
	terminal := errors.New("terminal")
	calls := 0
	_, err := retryWithBackoff(context.Background(), fastRetry(),
		func(error) bool { return false },
		func() (int, error) {
			calls++
			return 0, terminal
		})

	assert.ErrorIs(t, err, terminal)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_ReturnsLastError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	_, err := retryWithBackoff(context.Background(), fastRetry(),
		func(error) bool { return true },
		func() (int, error) {
			calls++
			return 0, boom
		})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoff_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := retryWithBackoff(ctx, RetryConfig{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2},
		func(error) bool { return true },
		func() (int, error) {
			return 0, errors.New("transient")
		})

	assert.ErrorIs(t, err, context.Canceled)
}
