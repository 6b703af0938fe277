package metricsstore

import (
	"context"
	"time"

	"github.com/autopilotd/autopilot/internal/resilience"
	"github.com/autopilotd/autopilot/internal/types"
)

// Resilient decorates a Store with a circuit breaker and retry policy, so
// a slow or unreachable backend fails fast instead of stalling a cycle
// inside its execution deadline.
type Resilient struct {
	inner   Store
	breaker *resilience.Breaker
	policy  *resilience.RetryPolicy
}

// WithResilience wraps store. policy may be nil for the default retry
// budget.
func WithResilience(store Store, policy *resilience.RetryPolicy) *Resilient {
	return &Resilient{
		inner:   store,
		breaker: resilience.NewBreaker("metricsstore", 5, 30*time.Second),
		policy:  policy,
	}
}

func (r *Resilient) Query(ctx context.Context, kpi string, window time.Duration, agg types.Aggregation) (types.TimeSeries, error) {
	var out types.TimeSeries
	err := r.breaker.Execute(ctx, r.policy, func() error {
		ts, err := r.inner.Query(ctx, kpi, window, agg)
		if err != nil {
			return err
		}
		out = ts
		return nil
	})
	return out, err
}

func (r *Resilient) QuerySamples(ctx context.Context, kpi string, window time.Duration) ([]float64, error) {
	var out []float64
	err := r.breaker.Execute(ctx, r.policy, func() error {
		s, err := r.inner.QuerySamples(ctx, kpi, window)
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}

// Record is not retried: samples are high-volume and a lost write is
// cheaper than a duplicated one.
func (r *Resilient) Record(ctx context.Context, kpi string, at time.Time, value float64) error {
	return r.inner.Record(ctx, kpi, at, value)
}

func (r *Resilient) Close() error { return r.inner.Close() }

// BreakerState reports the underlying breaker state for status surfaces.
func (r *Resilient) BreakerState() string { return r.breaker.State() }
