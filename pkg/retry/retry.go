// Package retry runs an operation with bounded attempts and linear backoff.
package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// Policy describes how an operation is retried. The delay before attempt n+1 is n*BaseDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Retryable decides whether an error is transient. Nil retries every error.
	Retryable func(err error) bool
	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy is three attempts with 1s and 2s pauses.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay}
}

// Do calls fn until it succeeds, returns a permanent error, or the attempts run out.
// The last error is returned unwrapped. Context cancellation stops the loop with ctx.Err().
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	base := p.BaseDelay
	if base < 0 {
		base = 0
	}

	attempt := 0
	var lastErr error
	backoff := goretry.WithMaxRetries(uint64(maxAttempts-1), goretry.BackoffFunc(func() (time.Duration, bool) {
		delay := time.Duration(attempt) * base
		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr, delay)
		}
		return delay, false
	}))

	return goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		return goretry.RetryableError(err)
	})
}
