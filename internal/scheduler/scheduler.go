// Package scheduler implements the Daily Scheduler: the top-level
// orchestrator that wakes at a configured UTC time, runs one autopilot
// cycle through the Analyzer, Proposer, Canary Deployer, and History
// Store, and applies the failure-handler policy.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/autopilotd/autopilot/internal/analyzer"
	"github.com/autopilotd/autopilot/internal/bounds"
	"github.com/autopilotd/autopilot/internal/canary"
	"github.com/autopilotd/autopilot/internal/card"
	"github.com/autopilotd/autopilot/internal/eventlog"
	"github.com/autopilotd/autopilot/internal/history"
	"github.com/autopilotd/autopilot/internal/obsmetrics"
	"github.com/autopilotd/autopilot/internal/proposer"
	"github.com/autopilotd/autopilot/internal/types"
)

// ErrCycleInFlight is returned by RunDailyCycle when a previous cycle has
// not yet finished.
var ErrCycleInFlight = errors.New("scheduler: a cycle is already in flight")

// Config holds the Daily Scheduler's tunables.
type Config struct {
	DailyScheduleUTC       string // "HH:MM"
	MaxExecutionTime       time.Duration
	ValidationFailurePause time.Duration
	TimeoutPause           time.Duration
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() Config {
	return Config{
		DailyScheduleUTC:       "02:00",
		MaxExecutionTime:       10 * time.Minute,
		ValidationFailurePause: 48 * time.Hour,
		TimeoutPause:           time.Hour,
	}
}

// CycleRecorder mirrors cycle outcomes and prediction-error ratios into
// the Drift Monitor's rolling counters. Satisfied by driftstore.Store.
type CycleRecorder interface {
	RecordCycle(ctx context.Context, cycleID string, rolledBack bool, at time.Time) error
	RecordPredictionError(ctx context.Context, changeID string, ratio float64, at time.Time) error
}

// Scheduler orchestrates one daily cycle end to end.
type Scheduler struct {
	history  *history.Store
	schema   *card.Schema
	bounds   *bounds.Manager
	analyzer *analyzer.Analyzer
	proposer *proposer.Proposer
	canary   *canary.Deployer
	status   *AutopilotStatus
	cycles   *eventlog.Log[types.CycleOutcome]
	clock    types.Clock
	alerts   types.AlertSink
	logger   *slog.Logger
	cfg      Config

	recorder      CycleRecorder
	canaryJournal *eventlog.Log[types.CanaryRun]
	notify        func(types.CycleOutcome)

	running sync.Mutex // single-flight on cycle allocation
	seq     atomic.Uint64

	// Committed changes and the analysis they were derived from, kept for
	// prediction-error accounting against the next cycle's analysis.
	lastCommitted []types.ParameterChange
	lastAnalysis  types.MetricsAnalysis
}

// SetCycleRecorder mirrors cycle outcomes into the Drift Monitor's
// rolling counters. Optional; must be called before Serve.
func (s *Scheduler) SetCycleRecorder(r CycleRecorder) { s.recorder = r }

// SetCanaryJournal persists every CanaryRun to an append-only journal so
// triage can attribute rollbacks to the parameter paths they touched.
// Optional; must be called before Serve.
func (s *Scheduler) SetCanaryJournal(j *eventlog.Log[types.CanaryRun]) { s.canaryJournal = j }

// SetOutcomeNotifier registers a callback invoked with every recorded
// CycleOutcome, e.g. for dashboard push. Optional; must be called before
// Serve.
func (s *Scheduler) SetOutcomeNotifier(fn func(types.CycleOutcome)) { s.notify = fn }

// New creates a Scheduler. schema may be nil to skip schema validation
// (relying on bounds validation alone). alerts may be nil.
func New(h *history.Store, schema *card.Schema, boundsManager *bounds.Manager, an *analyzer.Analyzer, pr *proposer.Proposer, cd *canary.Deployer, status *AutopilotStatus, cycles *eventlog.Log[types.CycleOutcome], clock types.Clock, alerts types.AlertSink, logger *slog.Logger, cfg Config) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxExecutionTime <= 0 {
		cfg.MaxExecutionTime = DefaultConfig().MaxExecutionTime
	}
	if cfg.DailyScheduleUTC == "" {
		cfg.DailyScheduleUTC = DefaultConfig().DailyScheduleUTC
	}
	if cfg.ValidationFailurePause <= 0 {
		cfg.ValidationFailurePause = DefaultConfig().ValidationFailurePause
	}
	if cfg.TimeoutPause <= 0 {
		cfg.TimeoutPause = DefaultConfig().TimeoutPause
	}
	return &Scheduler{
		history: h, schema: schema, bounds: boundsManager, analyzer: an, proposer: pr, canary: cd,
		status: status, cycles: cycles, clock: clock, alerts: alerts, logger: logger, cfg: cfg,
	}
}

// Serve wakes at the configured daily schedule and runs one cycle per
// wake-up until ctx is cancelled.
func (s *Scheduler) Serve(ctx context.Context) error {
	for {
		wake := nextDailyWake(s.clock.NowUTC(), s.cfg.DailyScheduleUTC)
		if err := s.clock.SleepUntil(ctx, wake); err != nil {
			return ctx.Err()
		}
		outcome, err := s.RunDailyCycle(ctx)
		if err != nil {
			s.logger.Error("scheduler: cycle invocation failed", "error", err)
		} else {
			s.logger.Info("scheduler: cycle finished", "cycle_id", outcome.CycleID, "status", outcome.Status, "reason", outcome.Reason)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// RunDailyCycle runs one autopilot cycle to completion. It always returns a recorded
// CycleOutcome with nil error, except when a cycle is already running.
func (s *Scheduler) RunDailyCycle(ctx context.Context) (types.CycleOutcome, error) {
	if !s.running.TryLock() {
		return types.CycleOutcome{}, ErrCycleInFlight
	}
	defer s.running.Unlock()

	startedAt := s.clock.NowUTC()
	cycleID := s.nextCycleID(startedAt)

	if paused, reason := s.status.IsPaused(); paused {
		return s.finish(types.CycleOutcome{
			CycleID: cycleID, StartedAt: startedAt, CompletedAt: startedAt,
			Status: types.CycleSkipped, Reason: reason,
		})
	}

	// The cycle deadline is checked against the injected Clock after the
	// analysis and canary stages rather than set as a context.WithDeadline,
	// so a fake clock in tests and the real clock in production both drive
	// the same deadline arithmetic. The deadline does not interrupt a stage
	// that is already running; only cancellation of ctx does.
	deadline := startedAt.Add(s.cfg.MaxExecutionTime)

	analysis, err := s.analyzer.Analyze(ctx, startedAt)
	if err != nil {
		if errors.Is(err, analyzer.ErrInsufficientData) {
			return s.finish(types.CycleOutcome{
				CycleID: cycleID, StartedAt: startedAt, CompletedAt: s.clock.NowUTC(),
				Status: types.CycleSkipped, Reason: "insufficient_data", Error: err.Error(),
			})
		}
		if ctx.Err() != nil || s.clock.NowUTC().After(deadline) {
			return s.handleTimeout(cycleID, startedAt, err)
		}
		return s.finish(types.CycleOutcome{
			CycleID: cycleID, StartedAt: startedAt, CompletedAt: s.clock.NowUTC(),
			Status: types.CycleFailed, Reason: "AnalysisFailure", Error: err.Error(),
		})
	}
	if s.clock.NowUTC().After(deadline) {
		return s.handleTimeout(cycleID, startedAt, fmt.Errorf("cycle deadline exceeded after analysis"))
	}

	s.accountPredictionError(ctx, analysis)

	changes := s.proposer.Propose(analysis, startedAt)
	if len(changes) == 0 {
		return s.finish(types.CycleOutcome{
			CycleID: cycleID, StartedAt: startedAt, CompletedAt: s.clock.NowUTC(),
			Status: types.CycleCommitted, Reason: "no_proposals", DeploymentResult: "no_changes",
		})
	}

	_, headCard, err := s.history.Head()
	if err != nil {
		return s.finish(types.CycleOutcome{
			CycleID: cycleID, StartedAt: startedAt, CompletedAt: s.clock.NowUTC(),
			Status: types.CycleFailed, Reason: "HistoryReadFailure", Error: err.Error(),
		})
	}

	candidate, applied, dropped := s.applyChanges(headCard, changes, startedAt)
	for _, d := range dropped {
		s.logger.Warn("scheduler: dropping out-of-bounds proposal", "path", d.Path, "cycle_id", cycleID)
	}
	if len(applied) == 0 {
		return s.finish(types.CycleOutcome{
			CycleID: cycleID, StartedAt: startedAt, CompletedAt: s.clock.NowUTC(),
			Status: types.CycleSkipped, Reason: "BoundsViolation: all proposals out of bounds",
		})
	}

	if s.schema != nil {
		if err := s.schema.Validate(candidate); err != nil {
			return s.handleValidationFailure(cycleID, startedAt, err)
		}
	}

	candidateID, err := candidate.ContentHash()
	if err != nil {
		return s.finish(types.CycleOutcome{
			CycleID: cycleID, StartedAt: startedAt, CompletedAt: s.clock.NowUTC(),
			Status: types.CycleFailed, Reason: "CandidateHashFailure", Error: err.Error(),
		})
	}

	run, err := s.canary.Run(ctx, cycleID, candidateID, applied)
	if err != nil {
		if ctx.Err() != nil || s.clock.NowUTC().After(deadline) {
			return s.handleTimeout(cycleID, startedAt, err)
		}
		return s.finish(types.CycleOutcome{
			CycleID: cycleID, StartedAt: startedAt, CompletedAt: s.clock.NowUTC(),
			Status: types.CycleFailed, Reason: "CanaryFailure", Error: err.Error(),
			ProposalCount: len(applied),
		})
	}
	if s.clock.NowUTC().After(deadline) {
		return s.handleTimeout(cycleID, startedAt, fmt.Errorf("cycle deadline exceeded after canary run"))
	}

	if s.canaryJournal != nil {
		if err := s.canaryJournal.Append(run); err != nil {
			s.logger.Error("scheduler: persisting canary run failed", "error", err, "canary_id", run.CanaryID)
		}
	}

	touched := changedPaths(applied)

	switch run.Recommendation {
	case types.RecommendationProceed, types.RecommendationInconclusive:
		rationale := fmt.Sprintf("cycle %s canary %s", cycleID, run.Recommendation)
		if _, err := s.history.StoreVersion(ctx, candidate, applied, rationale); err != nil {
			return s.handleCommitFailure(cycleID, startedAt, run, len(applied), err)
		}
		newCurrent := make(map[string]float64, len(applied))
		for _, c := range applied {
			newCurrent[c.Path] = c.NewValue
		}
		if err := s.bounds.ApplyCommit(touched, newCurrent, s.clock.NowUTC()); err != nil {
			s.logger.Error("scheduler: bounds expansion update failed", "error", err, "cycle_id", cycleID)
		}
		s.lastCommitted = applied
		s.lastAnalysis = analysis
		return s.finish(types.CycleOutcome{
			CycleID: cycleID, StartedAt: startedAt, CompletedAt: s.clock.NowUTC(),
			Status: types.CycleCommitted, ProposalCount: len(applied), AnalysisRef: cycleID,
			CanaryRef: run.CanaryID, DeploymentResult: string(run.Recommendation),
		})
	default: // Rollback, Aborted
		return s.handleCanaryFailure(cycleID, startedAt, run, touched, string(run.Recommendation), len(applied))
	}
}

// handleValidationFailure implements the ValidationFailure branch of
// the failure handler policy: pause the autopilot.
func (s *Scheduler) handleValidationFailure(cycleID string, startedAt time.Time, cause error) (types.CycleOutcome, error) {
	s.status.Pause(s.cfg.ValidationFailurePause, "validation_failure")
	obsmetrics.CyclePauses.WithLabelValues("validation_failure").Inc()
	if s.alerts != nil {
		s.alerts.Emit(context.Background(), types.SeverityCritical, "autopilot cycle failed schema/bounds validation", map[string]any{
			"cycle_id": cycleID, "error": cause.Error(),
		})
	}
	return s.finish(types.CycleOutcome{
		CycleID: cycleID, StartedAt: startedAt, CompletedAt: s.clock.NowUTC(),
		Status: types.CycleFailed, Reason: "ValidationFailure", Error: cause.Error(),
	})
}

// handleCanaryFailure implements the CanaryFailure branch: the candidate
// was never committed, so "rolling back to parent" is a no-op on the
// History Store; bounds still contract on the touched parameters.
func (s *Scheduler) handleCanaryFailure(cycleID string, startedAt time.Time, run types.CanaryRun, touched []string, reason string, proposalCount int) (types.CycleOutcome, error) {
	if err := s.bounds.ApplyRollback(touched, s.clock.NowUTC()); err != nil {
		s.logger.Error("scheduler: bounds contraction update failed", "error", err, "cycle_id", cycleID)
	}
	return s.finish(types.CycleOutcome{
		CycleID: cycleID, StartedAt: startedAt, CompletedAt: s.clock.NowUTC(),
		Status: types.CycleRolledBack, Reason: reason, CanaryRef: run.CanaryID,
		DeploymentResult: string(run.Recommendation), ProposalCount: proposalCount,
	})
}

// handleCommitFailure handles a failed or unverifiable History Store
// commit. The Card state may be uncertain, so this is fatal: pause the
// autopilot until an operator intervenes and raise a critical alert
// rather than continue cycling on an unknown head.
func (s *Scheduler) handleCommitFailure(cycleID string, startedAt time.Time, run types.CanaryRun, proposalCount int, cause error) (types.CycleOutcome, error) {
	reason := "CommitFailure"
	if errors.Is(cause, history.ErrRollbackVerificationFailed) {
		reason = "RollbackVerificationFailed"
	}
	s.status.SetEmergencyPause(true)
	obsmetrics.CyclePauses.WithLabelValues("commit_failure").Inc()
	if s.alerts != nil {
		s.alerts.Emit(context.Background(), types.SeverityCritical, "autopilot commit failed; card state uncertain, autopilot paused", map[string]any{
			"cycle_id": cycleID, "canary_id": run.CanaryID, "error": cause.Error(),
		})
	}
	return s.finish(types.CycleOutcome{
		CycleID: cycleID, StartedAt: startedAt, CompletedAt: s.clock.NowUTC(),
		Status: types.CycleFailed, Reason: reason, Error: cause.Error(),
		CanaryRef: run.CanaryID, ProposalCount: proposalCount,
	})
}

// handleTimeout implements the Timeout branch: raise a high-severity
// alert and pause for the minimum pause window.
func (s *Scheduler) handleTimeout(cycleID string, startedAt time.Time, cause error) (types.CycleOutcome, error) {
	s.status.Pause(s.cfg.TimeoutPause, "timeout")
	obsmetrics.CyclePauses.WithLabelValues("timeout").Inc()
	if s.alerts != nil {
		s.alerts.Emit(context.Background(), types.SeverityCritical, "autopilot cycle exceeded its execution deadline", map[string]any{
			"cycle_id": cycleID, "cause": cause.Error(),
		})
	}
	return s.finish(types.CycleOutcome{
		CycleID: cycleID, StartedAt: startedAt, CompletedAt: s.clock.NowUTC(),
		Status: types.CycleFailed, Reason: "Timeout", Error: cause.Error(),
	})
}

// finish persists the outcome to the cycle journal and returns it. A
// crashed cycle never reaches this call, leaving the Card unchanged.
func (s *Scheduler) finish(outcome types.CycleOutcome) (types.CycleOutcome, error) {
	if s.cycles != nil {
		if err := s.cycles.Append(outcome); err != nil {
			s.logger.Error("scheduler: persisting cycle outcome failed", "error", err, "cycle_id", outcome.CycleID)
		}
	}
	// Skipped cycles are not counted against the drift rollback rate.
	if s.recorder != nil && outcome.Status != types.CycleSkipped {
		rolledBack := outcome.Status == types.CycleRolledBack || outcome.Status == types.CycleFailed
		if err := s.recorder.RecordCycle(context.Background(), outcome.CycleID, rolledBack, outcome.CompletedAt); err != nil {
			s.logger.Error("scheduler: recording cycle for drift failed", "error", err, "cycle_id", outcome.CycleID)
		}
	}
	if s.notify != nil {
		s.notify(outcome)
	}
	obsmetrics.CyclesTotal.WithLabelValues(string(outcome.Status)).Inc()
	obsmetrics.CycleDuration.Observe(outcome.CompletedAt.Sub(outcome.StartedAt).Seconds())
	obsmetrics.ProposalsPerCycle.Observe(float64(outcome.ProposalCount))
	return outcome, nil
}

// accountPredictionError compares the previous committed cycle's expected
// per-KPI deltas with the deltas actually observed by this cycle's
// analysis, and records the relative error for the Drift Monitor's
// prediction-error window.
func (s *Scheduler) accountPredictionError(ctx context.Context, analysis types.MetricsAnalysis) {
	if s.recorder == nil || len(s.lastCommitted) == 0 {
		return
	}
	now := s.clock.NowUTC()
	for _, change := range s.lastCommitted {
		for kpi, predicted := range change.ExpectedImpact.KPIDeltas {
			if predicted == 0 {
				continue
			}
			before, okBefore := s.lastAnalysis.KPIs[kpi]
			after, okAfter := analysis.KPIs[kpi]
			if !okBefore || !okAfter {
				continue
			}
			observed := after.Mean - before.Mean
			ratio := absF(predicted-observed) / absF(predicted)
			changeID := change.Path + ":" + kpi
			if err := s.recorder.RecordPredictionError(ctx, changeID, ratio, now); err != nil {
				s.logger.Error("scheduler: recording prediction error failed", "error", err, "change", changeID)
			}
		}
	}
	s.lastCommitted = nil
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// applyChanges builds a candidate Card from head, re-validating each
// change against the Bounds Manager and dropping any that now fail. The
// Proposer already validates at proposal time; this is the cycle-time
// safety net that keeps an out-of-bounds proposal from killing the rest
// of the batch.
func (s *Scheduler) applyChanges(head *card.Card, changes []types.ParameterChange, now time.Time) (*card.Card, []types.ParameterChange, []types.ParameterChange) {
	candidate := head
	var applied, dropped []types.ParameterChange
	for _, c := range changes {
		if err := s.bounds.Validate(c.Path, c.NewValue, now); err != nil {
			dropped = append(dropped, c)
			continue
		}
		candidate = candidate.Set(c.Path, card.Num(c.NewValue))
		applied = append(applied, c)
	}
	return candidate, applied, dropped
}

func (s *Scheduler) nextCycleID(at time.Time) string {
	n := s.seq.Add(1)
	return fmt.Sprintf("cycle-%s-%d", at.UTC().Format("20060102"), n)
}

func changedPaths(changes []types.ParameterChange) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.Path
	}
	return out
}

// nextDailyWake computes the next occurrence of "HH:MM" UTC strictly after
// now.
func nextDailyWake(now time.Time, hhmm string) time.Time {
	hour, minute := 2, 0
	fmt.Sscanf(hhmm, "%d:%d", &hour, &minute)
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}
