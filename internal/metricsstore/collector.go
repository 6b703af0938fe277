package metricsstore

import (
	"context"
	"time"

	"github.com/autopilotd/autopilot/internal/types"
)

// CanarySuffix distinguishes candidate-cohort samples in the KPI
// namespace: downstream consumers record a canary-routed request's
// observation under "<kpi>.canary" while control traffic records under
// the bare KPI name.
const CanarySuffix = ".canary"

// CohortCollector implements canary.SampleCollector over a Store by
// splitting the KPI namespace into control and candidate cohorts.
type CohortCollector struct {
	Store Store
	Clock types.Clock
}

func (c CohortCollector) CollectControl(ctx context.Context, kpi string, since time.Time) ([]float64, error) {
	return c.Store.QuerySamples(ctx, kpi, c.window(since))
}

func (c CohortCollector) CollectCandidate(ctx context.Context, kpi string, since time.Time) ([]float64, error) {
	return c.Store.QuerySamples(ctx, kpi+CanarySuffix, c.window(since))
}

func (c CohortCollector) window(since time.Time) time.Duration {
	w := c.Clock.NowUTC().Sub(since)
	if w <= 0 {
		w = time.Second
	}
	return w
}
