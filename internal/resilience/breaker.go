package resilience

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker wraps a circuit breaker around a named external collaborator
// call, composed with WithRetry: the breaker's Execute call wraps the
// retry loop, so an open breaker short-circuits before any retry attempts
// are spent.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a Breaker named name that opens after
// consecutiveFailures in a row and stays open for openDuration.
func NewBreaker(name string, consecutiveFailures uint32, openDuration time.Duration) *Breaker {
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: openDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs operation through the breaker, retrying under policy while
// the breaker is closed.
func (b *Breaker) Execute(ctx context.Context, policy *RetryPolicy, operation func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, WithRetry(ctx, policy, operation)
	})
	return err
}

// State reports the breaker's current state for status reporting.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
