package control

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
)

// RetryPolicy defines connect-time retry behavior.
type RetryPolicy struct {
	MaxAttempts int
	StartDelay  time.Duration
	Factor      float64
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// DefaultRetryPolicy returns 3 attempts starting at 1s, doubling, capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		StartDelay:  time.Second,
		Factor:      2,
		MaxDelay:    30 * time.Second,
		Jitter:      250 * time.Millisecond,
	}
}

// RetryBackoff computes the un-jittered delay before retry number attempt
// (1-based), capped at MaxDelay.
func RetryBackoff(p RetryPolicy, attempt int) time.Duration {
	if attempt <= 0 || p.StartDelay <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := time.Duration(float64(p.StartDelay) * math.Pow(factor, float64(attempt-1)))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		return p.MaxDelay
	}
	return d
}

// Backoff builds a go-retry backoff for the policy. hint, when non-nil,
// returns a server-provided minimum wait (Retry-After) that overrides a
// shorter computed delay.
func (p RetryPolicy) Backoff(hint func() time.Duration) retry.Backoff {
	n := 0
	var b retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return RetryBackoff(p, n), false
	})
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	if p.Jitter > 0 {
		b = retry.WithJitter(p.Jitter, b)
	}
	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	b = retry.WithMaxRetries(uint64(retries), b)
	if hint == nil {
		return b
	}
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := b.Next()
		if stop {
			return 0, true
		}
		if h := hint(); h > d {
			d = h
		}
		return d, false
	})
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted attempts=%d: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Delayer is implemented by errors that carry a server-requested wait.
type Delayer interface {
	Delay() time.Duration
}

// RetryAfter returns the wait requested by err, if any.
func RetryAfter(err error) time.Duration {
	if d := chat.RetryAfterOf(err); d > 0 {
		return d
	}
	var d Delayer
	if errors.As(err, &d) {
		return d.Delay()
	}
	return 0
}

// RetryHook observes a scheduled retry.
type RetryHook func(attempt int, err error, delay time.Duration)

// Retry runs fn until it succeeds, fails with an error retryable rejects,
// or the policy runs out of attempts. Waits honour RetryAfter.
func Retry(ctx context.Context, p RetryPolicy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error, onRetry RetryHook) error {
	if retryable == nil {
		retryable = chat.IsRetryable
	}
	attempt := 0
	var last error
	inner := p.Backoff(func() time.Duration { return RetryAfter(last) })
	exhausted := false
	b := retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := inner.Next()
		if stop {
			exhausted = true
			return 0, true
		}
		if onRetry != nil {
			onRetry(attempt, last, d)
		}
		return d, false
	})

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		last = err
		if retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && exhausted {
		return &ExhaustedError{Attempts: attempt, Err: err}
	}
	return err
}
