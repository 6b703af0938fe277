// Package proposer implements the Parameter Proposer: a deterministic
// mapping from a MetricsAnalysis to a capped, bounds-checked list of
// ParameterChange proposals driven by a declarative rule table.
package proposer

import (
	"math"
	"sort"
	"time"

	"github.com/autopilotd/autopilot/internal/bounds"
	"github.com/autopilotd/autopilot/internal/types"
)

// Precondition reports whether a rule applies to a given analysis.
type Precondition func(a types.MetricsAnalysis) bool

// DeltaFunc computes the proposed delta from the current value given the
// analysis. The rule is responsible for the sign and magnitude; Validate
// against bounds happens after.
type DeltaFunc func(a types.MetricsAnalysis, current float64) float64

// ConfidenceFunc derives confidence in [0,1] from the analysis and the
// rule's base confidence, typically base_confidence * min(1,
// sample_count/min_sample_size) * (1 - trend_uncertainty).
type ConfidenceFunc func(a types.MetricsAnalysis) float64

// Rule is one declarative proposal rule.
type Rule struct {
	Name           string
	Path           string
	ChangeType     types.ChangeType
	When           Precondition
	Delta          DeltaFunc
	Confidence     ConfidenceFunc
	ExpectedImpact func(a types.MetricsAnalysis, delta float64) types.ExpectedImpact
}

// Config holds the Proposer's tunables.
type Config struct {
	MinConfidence        float64
	MaxChangesPerCycle   int
	MinValueDeltaEpsilon float64
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() Config {
	return Config{
		MinConfidence:        0.6,
		MaxChangesPerCycle:   3,
		MinValueDeltaEpsilon: 1e-6,
	}
}

// Proposer maps a MetricsAnalysis to bounded ParameterChange proposals.
type Proposer struct {
	rules  []Rule
	bounds *bounds.Manager
	cfg    Config
}

// New creates a Proposer over a fixed rule set.
func New(rules []Rule, boundsManager *bounds.Manager, cfg Config) *Proposer {
	if cfg.MaxChangesPerCycle <= 0 {
		cfg.MaxChangesPerCycle = DefaultConfig().MaxChangesPerCycle
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultConfig().MinConfidence
	}
	if cfg.MinValueDeltaEpsilon <= 0 {
		cfg.MinValueDeltaEpsilon = DefaultConfig().MinValueDeltaEpsilon
	}
	return &Proposer{rules: rules, bounds: boundsManager, cfg: cfg}
}

// candidate pairs a computed proposal with the absolute delta used for
// tie-breaking: confidence descending, then |delta| ascending.
type candidate struct {
	change     types.ParameterChange
	absDelta   float64
	confidence float64
}

// Propose runs every rule whose precondition matches against analysis,
// drops proposals that fail bounds validation or the minimum-delta/
// confidence gates, and returns at most MaxChangesPerCycle survivors
// ordered by the tie-break rule above. now is the cycle's
// injected clock reading, used only to evaluate anti-windup lock expiry.
func (p *Proposer) Propose(analysis types.MetricsAnalysis, now time.Time) []types.ParameterChange {
	var candidates []candidate

	for _, rule := range p.rules {
		if rule.When == nil || !rule.When(analysis) {
			continue
		}
		b, ok := p.bounds.Get(rule.Path)
		if !ok {
			continue
		}
		current := b.Current
		delta := rule.Delta(analysis, current)
		newValue := current + delta

		if math.Abs(newValue-current) < p.cfg.MinValueDeltaEpsilon {
			continue // a proposal indistinguishable from current is a no-op
		}

		confidence := 1.0
		if rule.Confidence != nil {
			confidence = rule.Confidence(analysis)
		}
		confidence = clamp01(confidence)
		if confidence < p.cfg.MinConfidence {
			continue
		}

		if err := p.bounds.Validate(rule.Path, newValue, now); err != nil {
			continue // invalid proposals are dropped silently
		}

		var impact types.ExpectedImpact
		if rule.ExpectedImpact != nil {
			impact = rule.ExpectedImpact(analysis, delta)
		}
		impact.Confidence = confidence

		candidates = append(candidates, candidate{
			change: types.ParameterChange{
				Path:           rule.Path,
				OldValue:       current,
				NewValue:       newValue,
				ChangeType:     rule.ChangeType,
				Confidence:     confidence,
				ExpectedImpact: impact,
			},
			absDelta:   math.Abs(delta),
			confidence: confidence,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].confidence != candidates[j].confidence {
			return candidates[i].confidence > candidates[j].confidence
		}
		return candidates[i].absDelta < candidates[j].absDelta
	})

	if len(candidates) > p.cfg.MaxChangesPerCycle {
		candidates = candidates[:p.cfg.MaxChangesPerCycle]
	}

	out := make([]types.ParameterChange, len(candidates))
	for i, c := range candidates {
		out[i] = c.change
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
