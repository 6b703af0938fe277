package triage

import (
	"context"
	"testing"
	"time"

	"github.com/autopilotd/autopilot/internal/clockutil"
	"github.com/autopilotd/autopilot/internal/types"
)

type fakeCycles struct{ outcomes []types.CycleOutcome }

func (f *fakeCycles) CyclesSince(ctx context.Context, since time.Time) ([]types.CycleOutcome, error) {
	return f.outcomes, nil
}

type fakeDrifts struct{ events []types.DriftEvent }

func (f *fakeDrifts) DriftEventsSince(ctx context.Context, since time.Time) ([]types.DriftEvent, error) {
	return f.events, nil
}

type fakeCanaries struct{ runs map[string]types.CanaryRun }

func (f *fakeCanaries) CanaryRun(ctx context.Context, id string) (types.CanaryRun, error) {
	return f.runs[id], nil
}

type fakeSink struct{ saved *types.TriageReport }

func (f *fakeSink) SaveReport(ctx context.Context, report types.TriageReport) error {
	f.saved = &report
	return nil
}

// Four cycles rolled back on curator_budget_pct within the window should
// emit a bounds-tightening PatchSuggestion.
func TestRunEmitsPatchSuggestionOnRepeatedRollbacks(t *testing.T) {
	canaries := &fakeCanaries{runs: map[string]types.CanaryRun{}}
	var outcomes []types.CycleOutcome
	for i := 0; i < 4; i++ {
		canaryID := "canary-" + string(rune('a'+i))
		canaries.runs[canaryID] = types.CanaryRun{
			ProposedChanges: []types.ParameterChange{{Path: "curator_budget_pct"}},
		}
		outcomes = append(outcomes, types.CycleOutcome{
			CycleID:   canaryID,
			Status:    types.CycleRolledBack,
			CanaryRef: canaryID,
		})
	}

	tr := New(&fakeCycles{outcomes: outcomes}, &fakeDrifts{}, canaries, &fakeSink{}, nil, clockutil.NewReal(), nil, DefaultConfig())
	report, err := tr.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.FailuresByCategory[types.CategoryCanaryRollbacks] != 4 {
		t.Fatalf("expected 4 canary rollback failures, got %d", report.FailuresByCategory[types.CategoryCanaryRollbacks])
	}
	if len(report.BoundsAdjustments) != 1 || report.BoundsAdjustments[0].Path != "curator_budget_pct" {
		t.Fatalf("expected one bounds adjustment for curator_budget_pct, got %+v", report.BoundsAdjustments)
	}
	if report.BoundsAdjustments[0].ContractFraction != 0.20 {
		t.Fatalf("expected 20%% contraction, got %v", report.BoundsAdjustments[0].ContractFraction)
	}
}

// Failed cycles carry the failure kind in Reason and must bucket into
// their own categories, not fall through to PerformanceDegradation.
func TestRunCategorizesFailedCyclesByReason(t *testing.T) {
	outcomes := []types.CycleOutcome{
		{CycleID: "c1", Status: types.CycleFailed, Reason: "ValidationFailure", Error: "card: parameter \"x\" is not declared in schema"},
		{CycleID: "c2", Status: types.CycleFailed, Reason: "ValidationFailure", Error: "card: missing required parameter \"y\""},
		{CycleID: "c3", Status: types.CycleFailed, Reason: "Timeout", Error: "cycle deadline exceeded after analysis"},
		{CycleID: "c4", Status: types.CycleFailed, Reason: "RollbackVerificationFailed", Error: "history: rollback verification failed"},
		{CycleID: "c5", Status: types.CycleFailed, Reason: "AnalysisFailure", Error: "metricsstore: query timeout"},
	}
	tr := New(&fakeCycles{outcomes: outcomes}, &fakeDrifts{}, &fakeCanaries{}, &fakeSink{}, nil, clockutil.NewReal(), nil, DefaultConfig())
	report, err := tr.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := report.FailuresByCategory[types.CategoryValidationFailures]; got != 2 {
		t.Fatalf("expected 2 validation failures, got %d", got)
	}
	if got := report.FailuresByCategory[types.CategoryStabilityIssues]; got != 2 {
		t.Fatalf("expected 2 stability issues, got %d", got)
	}
	if got := report.FailuresByCategory[types.CategoryPerformanceDegradation]; got != 1 {
		t.Fatalf("expected 1 performance degradation, got %d", got)
	}
}

func TestRunBelowThresholdEmitsNoSuggestions(t *testing.T) {
	outcomes := []types.CycleOutcome{
		{CycleID: "c1", Status: types.CycleRolledBack, CanaryRef: "canary-1"},
	}
	canaries := &fakeCanaries{runs: map[string]types.CanaryRun{
		"canary-1": {ProposedChanges: []types.ParameterChange{{Path: "x"}}},
	}}
	tr := New(&fakeCycles{outcomes: outcomes}, &fakeDrifts{}, canaries, &fakeSink{}, nil, clockutil.NewReal(), nil, DefaultConfig())
	report, err := tr.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.PatchSuggestions) != 0 {
		t.Fatalf("expected no suggestions below threshold, got %+v", report.PatchSuggestions)
	}
}
