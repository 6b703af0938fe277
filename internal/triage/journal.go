package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/autopilotd/autopilot/internal/eventlog"
	"github.com/autopilotd/autopilot/internal/types"
)

// JournalCycleSource reads cycle outcomes from the scheduler's
// append-only cycles journal.
type JournalCycleSource struct {
	Log *eventlog.Log[types.CycleOutcome]
}

func (s JournalCycleSource) CyclesSince(ctx context.Context, since time.Time) ([]types.CycleOutcome, error) {
	return s.Log.Since(func(c types.CycleOutcome) bool { return c.CompletedAt.After(since) })
}

// JournalDriftSource reads drift events from the monitor's journal.
type JournalDriftSource struct {
	Log *eventlog.Log[types.DriftEvent]
}

func (s JournalDriftSource) DriftEventsSince(ctx context.Context, since time.Time) ([]types.DriftEvent, error) {
	return s.Log.Since(func(e types.DriftEvent) bool { return e.DetectedAt.After(since) })
}

// JournalCanarySource resolves canary runs from the scheduler's canary
// journal.
type JournalCanarySource struct {
	Log *eventlog.Log[types.CanaryRun]
}

func (s JournalCanarySource) CanaryRun(ctx context.Context, canaryID string) (types.CanaryRun, error) {
	run, found, err := s.Log.Find(func(r types.CanaryRun) bool { return r.CanaryID == canaryID })
	if err != nil {
		return types.CanaryRun{}, err
	}
	if !found {
		return types.CanaryRun{}, fmt.Errorf("triage: canary run %q not found", canaryID)
	}
	return run, nil
}

// DirReportSink writes each report to <dir>/<report_id>.json.
type DirReportSink struct {
	Dir string
}

func (s DirReportSink) SaveReport(ctx context.Context, report types.TriageReport) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("triage: creating report directory: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("triage: marshalling report: %w", err)
	}
	path := filepath.Join(s.Dir, report.ReportID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("triage: writing report: %w", err)
	}
	return nil
}

// LoadConfirmedReports reads every report in <dir> whose operator has
// moved it into the confirmed subdirectory, returning the union of their
// bounds adjustments for the next bootstrap.
func LoadConfirmedReports(dir string) ([]types.PatchSuggestion, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("triage: reading confirmed reports: %w", err)
	}
	var suggestions []types.PatchSuggestion
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("triage: reading %s: %w", e.Name(), err)
		}
		var report types.TriageReport
		if err := json.Unmarshal(data, &report); err != nil {
			return nil, fmt.Errorf("triage: decoding %s: %w", e.Name(), err)
		}
		suggestions = append(suggestions, report.BoundsAdjustments...)
	}
	return suggestions, nil
}
