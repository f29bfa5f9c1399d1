// Package backoff provides exponential backoff utilities for retry logic.
package backoff

import (
	"context"
	"fmt"
	"time"
)

// Policy describes an exponential backoff schedule: the delay before retry
// N (zero-based) is BaseDelay * 2^N, capped at MaxAttempts retries.
type Policy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

var Default = Policy{
	BaseDelay:   1 * time.Second,
	MaxAttempts: 3,
}

// Delay returns the wait before the given zero-based retry attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return p.BaseDelay * time.Duration(1<<uint(attempt))
}

// Exhausted reports whether the given zero-based retry attempt exceeds the
// policy's budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

type RetryFunc func(ctx context.Context, attempt int) error

func Retry(ctx context.Context, policy Policy, fn RetryFunc) error {
	return RetryWithCallback(ctx, policy, fn, nil)
}

func RetryWithCallback(ctx context.Context, policy Policy, fn RetryFunc, onRetry func(attempt int, err error, delay time.Duration)) error {
	var lastErr error

	for i := 0; i < policy.MaxAttempts; i++ {
		if err := fn(ctx, i+1); err != nil {
			lastErr = err
			delay := policy.Delay(i)

			if onRetry != nil {
				onRetry(i+1, err, delay)
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		return nil
	}

	return fmt.Errorf("failed after %d attempts: %w", policy.MaxAttempts, lastErr)
}
