// Package resilience provides reliability patterns for the autopilot's
// calls to external collaborators (MetricsStore, TrafficRouter, Signer):
// retry with exponential backoff and a circuit breaker.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool

	// ErrorChecker determines which errors should trigger a retry. If
	// nil, all non-nil errors are retryable.
	ErrorChecker RetryableErrorChecker

	Logger *slog.Logger
}

// RetryableErrorChecker determines if an error should trigger a retry.
type RetryableErrorChecker interface {
	IsRetryable(err error) bool
}

// DefaultRetryPolicy is a small retry budget sized to fit inside a
// cycle's share of the execution deadline.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  200 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// WithRetry executes operation under policy, honoring ctx cancellation
// during backoff delays.
func WithRetry(ctx context.Context, policy *RetryPolicy, operation func() error) error {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	logger := policy.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	delay := policy.BaseDelay

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 0 {
				logger.Info("operation succeeded after retry", "attempt", attempt+1)
			}
			return nil
		}
		lastErr = err

		if !shouldRetry(err, policy.ErrorChecker) {
			return lastErr
		}
		if attempt >= policy.MaxRetries {
			break
		}

		logger.Warn("operation failed, retrying",
			"attempt", attempt+1, "max_retries", policy.MaxRetries, "delay", delay, "error", err)

		if !waitWithContext(ctx, delay) {
			return ctx.Err()
		}
		delay = nextDelay(delay, policy)
	}

	return fmt.Errorf("operation failed after %d attempts: %w", policy.MaxRetries+1, lastErr)
}

// WithRetryFunc is WithRetry for operations that return a result.
func WithRetryFunc[T any](ctx context.Context, policy *RetryPolicy, operation func() (T, error)) (T, error) {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	logger := policy.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastResult T
	var lastErr error
	delay := policy.BaseDelay

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		result, err := operation()
		if err == nil {
			return result, nil
		}
		lastResult, lastErr = result, err

		if !shouldRetry(err, policy.ErrorChecker) {
			return lastResult, lastErr
		}
		if attempt >= policy.MaxRetries {
			break
		}
		logger.Warn("operation failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		if !waitWithContext(ctx, delay) {
			var zero T
			return zero, ctx.Err()
		}
		delay = nextDelay(delay, policy)
	}
	return lastResult, fmt.Errorf("operation failed after %d attempts: %w", policy.MaxRetries+1, lastErr)
}

func shouldRetry(err error, checker RetryableErrorChecker) bool {
	if err == nil {
		return false
	}
	if checker != nil {
		return checker.IsRetryable(err)
	}
	return true
}

func waitWithContext(ctx context.Context, delay time.Duration) bool {
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextDelay(current time.Duration, policy *RetryPolicy) time.Duration {
	next := time.Duration(float64(current) * policy.Multiplier)
	if next > policy.MaxDelay {
		next = policy.MaxDelay
	}
	if policy.Jitter {
		jitter := time.Duration(float64(next) * 0.1 * rand.Float64())
		next += jitter
	}
	return next
}
