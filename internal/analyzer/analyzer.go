// Package analyzer implements the Metrics Analyzer: it aggregates
// yesterday's KPIs into a structured MetricsAnalysis of per-KPI summaries,
// half-split trends, and derived flags.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/autopilotd/autopilot/internal/resilience"
	"github.com/autopilotd/autopilot/internal/types"
)

// ErrInsufficientData is returned when a required KPI has fewer samples
// than MinSampleCount.
var ErrInsufficientData = errors.New("analyzer: insufficient data")

// KPISpec declares one KPI the Analyzer must aggregate and the minimum
// sample count it requires. Derived-flag thresholds are set in FlagRule.
type KPISpec struct {
	Name           string
	MinSampleCount int
}

// FlagRule derives a boolean flag from a KPI's aggregated mean crossing a
// threshold.
type FlagRule struct {
	Flag      string
	KPI       string
	Threshold float64
	Below     bool // true: flag when mean < threshold; false: when mean > threshold
}

// Config configures one Analyzer run.
type Config struct {
	Window time.Duration
	KPIs   []KPISpec
	Flags  []FlagRule
	Retry  *resilience.RetryPolicy
}

// DefaultWindow is the default analysis window.
const DefaultWindow = 24 * time.Hour

// Analyzer queries the external MetricsStore and produces a
// MetricsAnalysis.
type Analyzer struct {
	store types.MetricsStore
	cfg   Config
}

// New creates an Analyzer over store with cfg.
func New(store types.MetricsStore, cfg Config) *Analyzer {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Analyzer{store: store, cfg: cfg}
}

// Analyze assembles a MetricsAnalysis for the configured window, ending at
// now. It fails with ErrInsufficientData if any required KPI has fewer
// samples than its configured minimum.
func (a *Analyzer) Analyze(ctx context.Context, now time.Time) (types.MetricsAnalysis, error) {
	result := types.MetricsAnalysis{
		WindowStart: now.Add(-a.cfg.Window),
		WindowEnd:   now,
		KPIs:        make(map[string]types.KPISummary, len(a.cfg.KPIs)),
		Flags:       make(map[string]bool),
	}

	for _, spec := range a.cfg.KPIs {
		var samples []float64
		op := func() error {
			s, err := a.store.QuerySamples(ctx, spec.Name, a.cfg.Window)
			if err != nil {
				return err
			}
			samples = s
			return nil
		}
		if a.cfg.Retry != nil {
			if err := resilience.WithRetry(ctx, a.cfg.Retry, op); err != nil {
				return types.MetricsAnalysis{}, fmt.Errorf("analyzer: querying %s: %w", spec.Name, err)
			}
		} else if err := op(); err != nil {
			return types.MetricsAnalysis{}, fmt.Errorf("analyzer: querying %s: %w", spec.Name, err)
		}

		if len(samples) < spec.MinSampleCount {
			return types.MetricsAnalysis{}, fmt.Errorf("%w: kpi %q has %d samples, need %d",
				ErrInsufficientData, spec.Name, len(samples), spec.MinSampleCount)
		}
		result.KPIs[spec.Name] = summarize(samples)
	}

	for _, rule := range a.cfg.Flags {
		summary, ok := result.KPIs[rule.KPI]
		if !ok {
			continue
		}
		if rule.Below {
			result.Flags[rule.Flag] = summary.Mean < rule.Threshold
		} else {
			result.Flags[rule.Flag] = summary.Mean > rule.Threshold
		}
	}

	return result, nil
}

func summarize(samples []float64) types.KPISummary {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))

	return types.KPISummary{
		Mean:  mean,
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		Count: len(sorted),
		Trend: trend(samples),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// trend classifies the direction of samples by comparing the mean of the
// first half of the window to the second half. A change smaller than trendEpsilon relative to the first half
// is classified Flat.
const trendEpsilon = 0.02

func trend(samples []float64) types.Trend {
	if len(samples) < 2 {
		return types.TrendFlat
	}
	mid := len(samples) / 2
	first, second := samples[:mid], samples[mid:]

	firstMean := mean(first)
	secondMean := mean(second)
	if firstMean == 0 {
		if secondMean == 0 {
			return types.TrendFlat
		}
		if secondMean > 0 {
			return types.TrendUp
		}
		return types.TrendDown
	}
	change := (secondMean - firstMean) / absF(firstMean)
	switch {
	case change > trendEpsilon:
		return types.TrendUp
	case change < -trendEpsilon:
		return types.TrendDown
	default:
		return types.TrendFlat
	}
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
