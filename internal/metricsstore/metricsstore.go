// Package metricsstore implements the external MetricsStore reference
// backend: a time-series table of raw KPI samples that
// the Metrics Analyzer and Drift Monitor query through types.MetricsStore.
// Two implementations are provided, selected by storage.metrics_backend:
// an embedded sqlite backend for single-node deployments and a PostgreSQL
// backend for shared ones.
package metricsstore

import (
	"math"
	"sort"

	"github.com/autopilotd/autopilot/internal/types"
)

// aggregate reduces raw samples to a single TSPoint value for the
// requested Aggregation, matching the Analyzer's own percentile
// convention (nearest-rank over a sorted copy).
func aggregate(samples []float64, agg types.Aggregation) float64 {
	if len(samples) == 0 {
		return 0
	}
	switch agg {
	case types.AggP50:
		return percentile(samples, 0.50)
	case types.AggP95:
		return percentile(samples, 0.95)
	default:
		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		return sum / float64(len(samples))
	}
}

func percentile(samples []float64, p float64) float64 {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
