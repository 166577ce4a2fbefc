package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayFor(t *testing.T) {
	cfg := TaskBackoffConfig(time.Minute)

	assert.Equal(t, time.Minute, cfg.DelayFor(1))
	assert.Equal(t, 2*time.Minute, cfg.DelayFor(2))
	assert.Equal(t, 4*time.Minute, cfg.DelayFor(3))
	assert.Equal(t, time.Hour, cfg.DelayFor(20))
	assert.Equal(t, time.Minute, cfg.DelayFor(0))

	now := time.UnixMilli(1_000_000)
	assert.Equal(t, now.Add(2*time.Minute), cfg.NextAttemptAt(now, 2))
}

func TestWithExponentialBackoffSucceedsAfterRetry(t *testing.T) {
	cfg := &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

	calls := 0
	result := WithExponentialBackoff(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, calls)
	assert.NoError(t, result.LastError)
}

func TestWithExponentialBackoffStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	cfg := &RetryConfig{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		ShouldRetry:  func(err error) bool { return !errors.Is(err, permanent) },
	}

	result := WithExponentialBackoff(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		return permanent
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.ErrorIs(t, result.LastError, permanent)
}

func TestWithExponentialBackoffHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour, Multiplier: 2}

	result := WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		cancel()
		return errors.New("fail")
	})

	require.False(t, result.Success)
	assert.ErrorIs(t, result.LastError, context.Canceled)
}
