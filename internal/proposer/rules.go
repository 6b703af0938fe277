package proposer

import (
	"github.com/autopilotd/autopilot/internal/types"
)

// ruleConfidence derives a rule's confidence from its base confidence,
// the KPI's sample count relative to minSamples, and a trend-uncertainty
// discount for flat trends.
func ruleConfidence(base float64, kpi string, minSamples int) ConfidenceFunc {
	return func(a types.MetricsAnalysis) float64 {
		summary, ok := a.KPIs[kpi]
		if !ok {
			return 0
		}
		sampleFactor := 1.0
		if minSamples > 0 && summary.Count < minSamples {
			sampleFactor = float64(summary.Count) / float64(minSamples)
		}
		trendUncertainty := 0.0
		if summary.Trend == types.TrendFlat {
			trendUncertainty = 0.1
		}
		return clamp01(base * sampleFactor * (1 - trendUncertainty))
	}
}

// DefaultRules is the shipped rule table: entropy-driven temperature
// adjustment, budget-driven curator throttling, and a small exploration
// nudge on novelty divergence.
func DefaultRules(minSamples int) []Rule {
	return []Rule{
		{
			Name:       "raise-temperature-on-low-entropy",
			Path:       "selection_temperature",
			ChangeType: types.ChangeOptimization,
			When: func(a types.MetricsAnalysis) bool {
				return a.Flags["diversity_low"]
			},
			Delta: func(a types.MetricsAnalysis, current float64) float64 {
				return 0.07
			},
			Confidence: ruleConfidence(0.85, "selection_entropy", minSamples),
			ExpectedImpact: func(a types.MetricsAnalysis, delta float64) types.ExpectedImpact {
				return types.ExpectedImpact{
					KPIDeltas: map[string]float64{"selection_entropy": delta * 0.85},
				}
			},
		},
		{
			Name:       "lower-temperature-on-high-entropy",
			Path:       "selection_temperature",
			ChangeType: types.ChangeCorrection,
			When: func(a types.MetricsAnalysis) bool {
				s, ok := a.KPIs["selection_entropy"]
				return ok && s.Trend == types.TrendUp && !a.Flags["diversity_low"]
			},
			Delta: func(a types.MetricsAnalysis, current float64) float64 {
				return -0.04
			},
			Confidence: ruleConfidence(0.70, "selection_entropy", minSamples),
			ExpectedImpact: func(a types.MetricsAnalysis, delta float64) types.ExpectedImpact {
				return types.ExpectedImpact{
					KPIDeltas: map[string]float64{"selection_entropy": delta * 0.85},
				}
			},
		},
		{
			Name:       "throttle-curator-on-budget-exhaustion",
			Path:       "curator_budget_pct",
			ChangeType: types.ChangeCorrection,
			When: func(a types.MetricsAnalysis) bool {
				return a.Flags["budget_exhausted"]
			},
			Delta: func(a types.MetricsAnalysis, current float64) float64 {
				return -0.05 * current
			},
			Confidence: ruleConfidence(0.80, "curator_budget_used_pct", minSamples),
			ExpectedImpact: func(a types.MetricsAnalysis, delta float64) types.ExpectedImpact {
				return types.ExpectedImpact{
					KPIDeltas: map[string]float64{"curator_budget_used_pct": delta},
				}
			},
		},
		{
			Name:       "explore-temperature-on-novelty-stall",
			Path:       "selection_temperature",
			ChangeType: types.ChangeExploration,
			When: func(a types.MetricsAnalysis) bool {
				s, ok := a.KPIs["novelty_kld"]
				return ok && s.Trend == types.TrendDown
			},
			Delta: func(a types.MetricsAnalysis, current float64) float64 {
				return 0.02
			},
			Confidence: ruleConfidence(0.65, "novelty_kld", minSamples),
			ExpectedImpact: func(a types.MetricsAnalysis, delta float64) types.ExpectedImpact {
				return types.ExpectedImpact{
					KPIDeltas: map[string]float64{"novelty_kld": delta * 0.5},
				}
			},
		},
	}
}
