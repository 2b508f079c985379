package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
)

func TestRetryBackoff(t *testing.T) {
	p := DefaultRetryPolicy()
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 30 * time.Second},
		{60, 30 * time.Second},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, RetryBackoff(p, c.attempt), "attempt=%d", c.attempt)
	}
}

func TestBackoff_StopsAfterMaxAttempts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, StartDelay: 10 * time.Millisecond, Factor: 2, MaxDelay: time.Second}
	b := p.Backoff(nil)

	d, stop := b.Next()
	require.False(t, stop)
	assert.Equal(t, 10*time.Millisecond, d)
	d, stop = b.Next()
	require.False(t, stop)
	assert.Equal(t, 20*time.Millisecond, d)
	_, stop = b.Next()
	assert.True(t, stop)
}

func TestBackoff_JitterStaysInBounds(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 50, StartDelay: time.Second, Factor: 1, MaxDelay: time.Minute, Jitter: 250 * time.Millisecond}
	b := p.Backoff(nil)
	for i := 0; i < 40; i++ {
		d, stop := b.Next()
		require.False(t, stop)
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}

func TestBackoff_HintOverridesShorterDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, StartDelay: time.Millisecond, Factor: 2, MaxDelay: time.Second}
	b := p.Backoff(func() time.Duration { return 50 * time.Millisecond })
	d, stop := b.Next()
	require.False(t, stop)
	assert.Equal(t, 50*time.Millisecond, d)
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, StartDelay: time.Millisecond, Factor: 2, MaxDelay: 5 * time.Millisecond}
}

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	var delays []time.Duration
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), nil, func(ctx context.Context, attempt int) error {
		calls++
		if attempt == 1 {
			return chat.Errorf(chat.KindTransient, "test", "busy")
		}
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		assert.Equal(t, 1, attempt)
		assert.ErrorIs(t, err, chat.ErrTransientProvider)
		delays = append(delays, delay)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Len(t, delays, 1)
}

func TestRetry_DoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), nil, func(ctx context.Context, attempt int) error {
		calls++
		return chat.Errorf(chat.KindConfiguration, "test", "bad key")
	}, nil)
	assert.ErrorIs(t, err, chat.ErrConfiguration)
	assert.Equal(t, 1, calls)

	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted))
}

func TestRetry_Exhausted(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), nil, func(ctx context.Context, attempt int) error {
		calls++
		return chat.Errorf(chat.KindTransient, "test", "down")
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, chat.ErrTransientProvider)
}

func TestRetry_SingleAttemptPolicy(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(1), nil, func(ctx context.Context, attempt int) error {
		calls++
		return chat.Errorf(chat.KindTransient, "test", "down")
	}, nil)
	assert.ErrorIs(t, err, chat.ErrTransientProvider)
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxAttempts: 3, StartDelay: time.Hour, Factor: 2}
	err := Retry(ctx, p, nil, func(ctx context.Context, attempt int) error {
		return chat.Errorf(chat.KindTransient, "test", "down")
	}, func(int, error, time.Duration) { cancel() })
	assert.ErrorIs(t, err, context.Canceled)
}
