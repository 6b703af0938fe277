// Package clockutil provides the default real-clock implementation of
// types.Clock, injected through every component so tests can substitute a
// deterministic fake.
package clockutil

import (
	"context"
	"time"
)

// Real is the production types.Clock backed by the system clock.
type Real struct{}

// NewReal creates a Real clock.
func NewReal() Real { return Real{} }

// NowUTC returns the current time in UTC.
func (Real) NowUTC() time.Time { return time.Now().UTC() }

// SleepUntil blocks until instant or ctx cancellation, whichever comes
// first.
func (Real) SleepUntil(ctx context.Context, instant time.Time) error {
	d := time.Until(instant)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
