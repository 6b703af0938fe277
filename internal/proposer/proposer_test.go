package proposer

import (
	"testing"
	"time"

	"github.com/autopilotd/autopilot/internal/bounds"
	"github.com/autopilotd/autopilot/internal/types"
)

func seedTemperature(t *testing.T) *bounds.Manager {
	t.Helper()
	m := bounds.NewManager(bounds.DefaultConfig())
	if err := m.Seed("selection_temperature", bounds.HardBounds{Min: 0.1, Max: 2.0}, 0.50, 1.20, 0.85); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return m
}

func scenarioARules() []Rule {
	return []Rule{
		{
			Name:       "raise_temperature_on_low_entropy",
			Path:       "selection_temperature",
			ChangeType: types.ChangeOptimization,
			When: func(a types.MetricsAnalysis) bool {
				return a.Flags["diversity_low"]
			},
			Delta: func(a types.MetricsAnalysis, current float64) float64 {
				return 0.07
			},
			Confidence: func(a types.MetricsAnalysis) float64 {
				return 0.80
			},
			ExpectedImpact: func(a types.MetricsAnalysis, delta float64) types.ExpectedImpact {
				return types.ExpectedImpact{KPIDeltas: map[string]float64{"selection_entropy": 0.06}}
			},
		},
	}
}

func TestProposeEmitsScenarioAChange(t *testing.T) {
	bm := seedTemperature(t)
	p := New(scenarioARules(), bm, DefaultConfig())

	analysis := types.MetricsAnalysis{
		KPIs:  map[string]types.KPISummary{"selection_entropy": {Mean: 0.42, Count: 10000}},
		Flags: map[string]bool{"diversity_low": true},
	}

	changes := p.Propose(analysis, time.Now())
	if len(changes) != 1 {
		t.Fatalf("expected 1 proposal, got %d", len(changes))
	}
	c := changes[0]
	if c.Path != "selection_temperature" || c.OldValue != 0.85 {
		t.Fatalf("unexpected change: %+v", c)
	}
	if c.NewValue < 0.91 || c.NewValue > 0.93 {
		t.Fatalf("expected new_value ~0.92, got %v", c.NewValue)
	}
	if c.Confidence != 0.80 {
		t.Fatalf("expected confidence 0.80, got %v", c.Confidence)
	}
}

func TestProposeRejectsNoOpDelta(t *testing.T) {
	bm := seedTemperature(t)
	rules := []Rule{{
		Path: "selection_temperature",
		When: func(types.MetricsAnalysis) bool { return true },
		Delta: func(types.MetricsAnalysis, float64) float64 {
			return 0 // invariant 9
		},
		Confidence: func(types.MetricsAnalysis) float64 { return 1 },
	}}
	p := New(rules, bm, DefaultConfig())
	changes := p.Propose(types.MetricsAnalysis{Flags: map[string]bool{}}, time.Now())
	if len(changes) != 0 {
		t.Fatalf("expected no-op delta to be rejected, got %v", changes)
	}
}

func TestProposeCapsAtMaxChangesPerCycleByTieBreak(t *testing.T) {
	bm := bounds.NewManager(bounds.DefaultConfig())
	for _, name := range []string{"p1", "p2", "p3", "p4"} {
		if err := bm.Seed(name, bounds.HardBounds{Min: 0, Max: 10}, 0, 10, 5); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
	mk := func(path string, delta, confidence float64) Rule {
		return Rule{
			Path:       path,
			When:       func(types.MetricsAnalysis) bool { return true },
			Delta:      func(types.MetricsAnalysis, float64) float64 { return delta },
			Confidence: func(types.MetricsAnalysis) float64 { return confidence },
		}
	}
	rules := []Rule{
		mk("p1", 1.0, 0.90),
		mk("p2", 0.5, 0.90), // same confidence, smaller |delta| wins tie-break
		mk("p3", 0.2, 0.70),
		mk("p4", 0.1, 0.61), // lowest confidence, still above min_confidence
	}
	cfg := DefaultConfig()
	cfg.MaxChangesPerCycle = 2
	p := New(rules, bm, cfg)

	changes := p.Propose(types.MetricsAnalysis{Flags: map[string]bool{}}, time.Now())
	if len(changes) != 2 {
		t.Fatalf("expected 2 proposals (capped), got %d", len(changes))
	}
	if changes[0].Path != "p2" || changes[1].Path != "p1" {
		t.Fatalf("expected p2 then p1 by tie-break, got %s then %s", changes[0].Path, changes[1].Path)
	}
}

func TestProposeDropsBelowMinConfidence(t *testing.T) {
	bm := seedTemperature(t)
	rules := []Rule{{
		Path:       "selection_temperature",
		When:       func(types.MetricsAnalysis) bool { return true },
		Delta:      func(types.MetricsAnalysis, float64) float64 { return 0.05 },
		Confidence: func(types.MetricsAnalysis) float64 { return 0.5 },
	}}
	p := New(rules, bm, DefaultConfig())
	changes := p.Propose(types.MetricsAnalysis{Flags: map[string]bool{}}, time.Now())
	if len(changes) != 0 {
		t.Fatalf("expected confidence 0.5 < min_confidence 0.6 to be dropped, got %v", changes)
	}
}

func TestProposeDropsOutOfBoundsProposal(t *testing.T) {
	bm := seedTemperature(t)
	rules := []Rule{{
		Path:       "selection_temperature",
		When:       func(types.MetricsAnalysis) bool { return true },
		Delta:      func(types.MetricsAnalysis, float64) float64 { return 10.0 }, // blows past max
		Confidence: func(types.MetricsAnalysis) float64 { return 0.9 },
	}}
	p := New(rules, bm, DefaultConfig())
	changes := p.Propose(types.MetricsAnalysis{Flags: map[string]bool{}}, time.Now())
	if len(changes) != 0 {
		t.Fatalf("expected out-of-bounds proposal to be dropped silently, got %v", changes)
	}
}
