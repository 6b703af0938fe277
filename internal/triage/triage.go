// Package triage implements Incident Triage: a weekly job that scans
// cycle outcomes and drift events, buckets failures into a fixed category
// enum, and emits patch suggestions for categories crossing a threshold.
package triage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/autopilotd/autopilot/internal/types"
	"github.com/google/uuid"
)

// CycleSource reads recently-completed cycle outcomes.
type CycleSource interface {
	CyclesSince(ctx context.Context, since time.Time) ([]types.CycleOutcome, error)
}

// DriftSource reads recently-detected drift events.
type DriftSource interface {
	DriftEventsSince(ctx context.Context, since time.Time) ([]types.DriftEvent, error)
}

// CanarySource resolves a cycle's canary_ref to the run it recorded, so
// triage can attribute a rollback to the parameter paths it touched.
type CanarySource interface {
	CanaryRun(ctx context.Context, canaryID string) (types.CanaryRun, error)
}

// ReportSink persists the weekly TriageReport artifact.
type ReportSink interface {
	SaveReport(ctx context.Context, report types.TriageReport) error
}

// Config holds Incident Triage's tunables.
type Config struct {
	ScheduleUTC              string // "Weekday HH:MM", e.g. "Sun 02:00"
	WindowDays               int
	FailureThresholdForPatch int
	IssueTrackerEnabled      bool
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() Config {
	return Config{ScheduleUTC: "Sun 02:00", WindowDays: 7, FailureThresholdForPatch: 3, IssueTrackerEnabled: false}
}

// Triage runs the weekly aggregation job.
type Triage struct {
	cycles   CycleSource
	drifts   DriftSource
	canaries CanarySource
	sink     ReportSink
	tracker  types.IssueTracker
	clock    types.Clock
	logger   *slog.Logger
	cfg      Config
}

// New creates a Triage job. tracker may be nil; if cfg.IssueTrackerEnabled
// is true and tracker is nil, suggestions are still produced but not
// posted.
func New(cycles CycleSource, drifts DriftSource, canaries CanarySource, sink ReportSink, tracker types.IssueTracker, clock types.Clock, logger *slog.Logger, cfg Config) *Triage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Triage{cycles: cycles, drifts: drifts, canaries: canaries, sink: sink, tracker: tracker, clock: clock, logger: logger, cfg: cfg}
}

// Run scans the configured window and produces a TriageReport.
func (t *Triage) Run(ctx context.Context) (types.TriageReport, error) {
	now := t.clock.NowUTC()
	windowStart := now.AddDate(0, 0, -t.cfg.WindowDays)

	cycles, err := t.cycles.CyclesSince(ctx, windowStart)
	if err != nil {
		return types.TriageReport{}, fmt.Errorf("triage: reading cycles: %w", err)
	}
	events, err := t.drifts.DriftEventsSince(ctx, windowStart)
	if err != nil {
		return types.TriageReport{}, fmt.Errorf("triage: reading drift events: %w", err)
	}

	failuresByCategory := map[types.FailureCategory]int{}
	rollbackParamCounts := map[string]int{}

	for _, c := range cycles {
		category, ok := categorize(c)
		if !ok {
			continue
		}
		failuresByCategory[category]++
		if category == types.CategoryCanaryRollbacks {
			for _, path := range t.changedPaths(ctx, c) {
				rollbackParamCounts[path]++
			}
		}
	}
	for _, e := range events {
		failuresByCategory[types.CategoryDriftDetection]++
		_ = e
	}

	report := types.TriageReport{
		ReportID:           uuid.NewString(),
		WindowStart:        windowStart,
		WindowEnd:          now,
		FailuresByCategory: failuresByCategory,
	}

	if count := failuresByCategory[types.CategoryCanaryRollbacks]; count >= t.cfg.FailureThresholdForPatch {
		for path, pathCount := range rollbackParamCounts {
			if pathCount < t.cfg.FailureThresholdForPatch {
				continue
			}
			suggestion := types.PatchSuggestion{
				Path:             path,
				Category:         types.CategoryCanaryRollbacks,
				ContractFraction: 0.20,
				Rationale: fmt.Sprintf("%d canary rollbacks touching %q in the last %d days; "+
					"contract static hard bounds by 20%%", pathCount, path, t.cfg.WindowDays),
			}
			report.BoundsAdjustments = append(report.BoundsAdjustments, suggestion)
			report.PatchSuggestions = append(report.PatchSuggestions, suggestion)
		}
	}
	for category, count := range failuresByCategory {
		if category == types.CategoryCanaryRollbacks || count < t.cfg.FailureThresholdForPatch {
			continue
		}
		report.PatchSuggestions = append(report.PatchSuggestions, types.PatchSuggestion{
			Category:  category,
			Rationale: fmt.Sprintf("%d %s failures in the last %d days", count, category, t.cfg.WindowDays),
		})
	}

	if err := t.sink.SaveReport(ctx, report); err != nil {
		return types.TriageReport{}, fmt.Errorf("triage: saving report: %w", err)
	}

	if t.cfg.IssueTrackerEnabled && t.tracker != nil {
		for _, s := range report.PatchSuggestions {
			title := fmt.Sprintf("autopilot triage: %s", s.Category)
			if _, err := t.tracker.CreateIssue(ctx, title, s.Rationale, []string{"autopilot", string(s.Category)}); err != nil {
				t.logger.Error("triage: posting issue failed", "error", err, "category", s.Category)
			}
		}
	}

	return report, nil
}

// TriggerNow runs an out-of-band triage pass immediately, implementing
// drift.TriageTrigger for the Drift Monitor's ConsecutiveFailures action.
func (t *Triage) TriggerNow(ctx context.Context) error {
	_, err := t.Run(ctx)
	return err
}

// Serve runs Run on the configured weekly cadence until ctx is
// cancelled.
func (t *Triage) Serve(ctx context.Context) error {
	for {
		wake := nextWeeklyWake(t.clock.NowUTC(), t.cfg.ScheduleUTC)
		if err := t.clock.SleepUntil(ctx, wake); err != nil {
			return ctx.Err()
		}
		if _, err := t.Run(ctx); err != nil {
			t.logger.Error("triage: scheduled run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

var weekdayByName = map[string]time.Weekday{
	"Sun": time.Sunday, "Mon": time.Monday, "Tue": time.Tuesday, "Wed": time.Wednesday,
	"Thu": time.Thursday, "Fri": time.Friday, "Sat": time.Saturday,
}

// nextWeeklyWake computes the next occurrence of schedule (e.g. "Sun
// 02:00") strictly after now.
func nextWeeklyWake(now time.Time, schedule string) time.Time {
	weekday := time.Sunday
	hour, minute := 2, 0
	if parts := strings.Fields(schedule); len(parts) == 2 {
		if wd, ok := weekdayByName[parts[0]]; ok {
			weekday = wd
		}
		fmt.Sscanf(parts[1], "%d:%d", &hour, &minute)
	}

	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	for candidate.Weekday() != weekday || !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

// categorize buckets a CycleOutcome into the fixed failure enum. Returns
// ok=false for cycles that did not fail. Failed cycles carry the failure
// kind in Reason; Error holds the underlying message.
func categorize(c types.CycleOutcome) (types.FailureCategory, bool) {
	switch c.Status {
	case types.CycleRolledBack:
		return types.CategoryCanaryRollbacks, true
	case types.CycleFailed:
		switch c.Reason {
		case "ValidationFailure":
			return types.CategoryValidationFailures, true
		case "Timeout", "CommitFailure", "RollbackVerificationFailed":
			return types.CategoryStabilityIssues, true
		default:
			return types.CategoryPerformanceDegradation, true
		}
	}
	return "", false
}

// changedPaths resolves a cycle's canary_ref to the parameter paths its
// proposed changes touched, so repeated rollbacks on the same path can be
// attributed for a bounds-tightening PatchSuggestion.
func (t *Triage) changedPaths(ctx context.Context, c types.CycleOutcome) []string {
	if t.canaries == nil || c.CanaryRef == "" {
		return nil
	}
	run, err := t.canaries.CanaryRun(ctx, c.CanaryRef)
	if err != nil {
		return nil
	}
	paths := make([]string, 0, len(run.ProposedChanges))
	for _, change := range run.ProposedChanges {
		paths = append(paths, change.Path)
	}
	return paths
}
