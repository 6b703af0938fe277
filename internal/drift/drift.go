// Package drift implements the Drift Monitor: an independent poller that
// watches prediction error and rollback rate over rolling windows and may
// pause the autopilot or trigger triage.
package drift

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/autopilotd/autopilot/internal/bounds"
	"github.com/autopilotd/autopilot/internal/driftstore"
	"github.com/autopilotd/autopilot/internal/eventlog"
	"github.com/autopilotd/autopilot/internal/types"
	"github.com/google/uuid"
)

// PauseController is the subset of the Scheduler's AutopilotStatus the
// Drift Monitor drives.
type PauseController interface {
	Pause(duration time.Duration, reason string)
}

// TriageTrigger requests an out-of-band triage run.
type TriageTrigger interface {
	TriggerNow(ctx context.Context) error
}

// Config holds the Drift Monitor's tunables.
type Config struct {
	PollInterval                time.Duration
	WindowDays                  int
	PredictionErrorThresholdPct float64
	RollbackRateThresholdPct    float64
	ConsecutiveFailureThreshold int
	PauseDurationHours          time.Duration
	MaxPauseDurationDays        time.Duration
	TopKContractOnError         int
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:                15 * time.Minute,
		WindowDays:                  14,
		PredictionErrorThresholdPct: 0.30,
		RollbackRateThresholdPct:    0.10,
		ConsecutiveFailureThreshold: 3,
		PauseDurationHours:          48 * time.Hour,
		MaxPauseDurationDays:        7 * 24 * time.Hour,
		TopKContractOnError:         3,
	}
}

// ContributionByParam reports each parameter's contribution to prediction
// error, used to select the top-K parameters to contract.
type ContributionByParam func(ctx context.Context, window time.Duration) (map[string]float64, error)

// Monitor runs the Drift Monitor's detectors on its own cadence.
type Monitor struct {
	store        *driftstore.Store
	bounds       *bounds.Manager
	pauser       PauseController
	triage       TriageTrigger
	alerts       types.AlertSink
	contribution ContributionByParam
	instability  func() bool
	clock        types.Clock
	logger       *slog.Logger
	cfg          Config

	mu      sync.Mutex
	events  []types.DriftEvent
	journal *eventlog.Log[types.DriftEvent]
}

// SetJournal persists every detected event to an append-only journal
// (drift.log). Optional; must be called before Serve.
func (m *Monitor) SetJournal(j *eventlog.Log[types.DriftEvent]) { m.journal = j }

// New creates a Monitor. instability polls an external alert engine's
// critical-signal flag; it may be nil.
func New(store *driftstore.Store, boundsManager *bounds.Manager, pauser PauseController, triage TriageTrigger, alerts types.AlertSink, contribution ContributionByParam, instability func() bool, clock types.Clock, logger *slog.Logger, cfg Config) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if instability == nil {
		instability = func() bool { return false }
	}
	return &Monitor{
		store: store, bounds: boundsManager, pauser: pauser, triage: triage, alerts: alerts,
		contribution: contribution, instability: instability, clock: clock, logger: logger, cfg: cfg,
	}
}

// Serve runs the poll loop until ctx is cancelled.
func (m *Monitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Poll(ctx); err != nil {
				m.logger.Error("drift: poll failed", "error", err)
			}
		}
	}
}

// Poll runs every detector once and applies whatever actions they yield.
func (m *Monitor) Poll(ctx context.Context) error {
	now := m.clock.NowUTC()
	window := time.Duration(m.cfg.WindowDays) * 24 * time.Hour

	if event, ok, err := m.checkPredictionError(ctx, now, window); err != nil {
		return err
	} else if ok {
		m.apply(ctx, event)
	}

	if event, ok, err := m.checkRollbackRate(ctx, now, window); err != nil {
		return err
	} else if ok {
		m.apply(ctx, event)
	}

	if event, ok, err := m.checkConsecutiveFailures(ctx, now); err != nil {
		return err
	} else if ok {
		m.apply(ctx, event)
	}

	if m.instability() {
		m.apply(ctx, types.DriftEvent{
			EventID:    uuid.NewString(),
			Kind:       types.DriftSystemInstability,
			DetectedAt: now,
			Action: types.DriftAction{
				Kind:          types.ActionPauseAutopilot,
				PauseDuration: m.cfg.MaxPauseDurationDays,
			},
		})
	}

	return nil
}

func (m *Monitor) checkPredictionError(ctx context.Context, now time.Time, window time.Duration) (types.DriftEvent, bool, error) {
	samples, err := m.store.PredictionErrorSamples(ctx, now, window)
	if err != nil {
		return types.DriftEvent{}, false, err
	}
	if len(samples) == 0 {
		return types.DriftEvent{}, false, nil
	}
	agg := median(samples)
	if agg <= m.cfg.PredictionErrorThresholdPct {
		return types.DriftEvent{}, false, nil
	}

	var topK []string
	if m.contribution != nil {
		contrib, err := m.contribution(ctx, window)
		if err == nil {
			topK = topKByValue(contrib, m.cfg.TopKContractOnError)
		}
	}

	return types.DriftEvent{
		EventID:       uuid.NewString(),
		Kind:          types.DriftPredictionErrorHigh,
		DetectedAt:    now,
		WindowSummary: "median prediction error over window exceeded threshold",
		Action: types.DriftAction{
			Kind:           types.ActionContractBounds,
			ContractParams: topK,
		},
	}, true, nil
}

func (m *Monitor) checkRollbackRate(ctx context.Context, now time.Time, window time.Duration) (types.DriftEvent, bool, error) {
	rate, err := m.store.RollbackRate(ctx, now, window)
	if err != nil {
		return types.DriftEvent{}, false, err
	}
	if rate <= m.cfg.RollbackRateThresholdPct {
		return types.DriftEvent{}, false, nil
	}
	return types.DriftEvent{
		EventID:       uuid.NewString(),
		Kind:          types.DriftRollbackRateHigh,
		DetectedAt:    now,
		WindowSummary: "rollback rate over window exceeded threshold",
		Action: types.DriftAction{
			Kind:          types.ActionPauseAutopilot,
			PauseDuration: m.cfg.PauseDurationHours,
		},
	}, true, nil
}

func (m *Monitor) checkConsecutiveFailures(ctx context.Context, now time.Time) (types.DriftEvent, bool, error) {
	n, err := m.store.ConsecutiveFailures(ctx, now, m.cfg.ConsecutiveFailureThreshold)
	if err != nil {
		return types.DriftEvent{}, false, err
	}
	if n < m.cfg.ConsecutiveFailureThreshold {
		return types.DriftEvent{}, false, nil
	}
	return types.DriftEvent{
		EventID:       uuid.NewString(),
		Kind:          types.DriftConsecutiveFailures,
		DetectedAt:    now,
		WindowSummary: "consecutive cycle failures reached threshold",
		Action:        types.DriftAction{Kind: types.ActionTriggerTriage},
	}, true, nil
}

// apply dispatches a detected event's action, appends the event to the
// in-memory log the HTTP API surfaces, and journals it when a journal is
// attached.
func (m *Monitor) apply(ctx context.Context, event types.DriftEvent) {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	if m.journal != nil {
		if err := m.journal.Append(event); err != nil {
			m.logger.Error("drift: persisting event failed", "error", err, "event_id", event.EventID)
		}
	}
	switch event.Action.Kind {
	case types.ActionPauseAutopilot:
		if m.pauser != nil {
			m.pauser.Pause(event.Action.PauseDuration, string(event.Kind))
		}
		if m.alerts != nil {
			m.alerts.Emit(ctx, types.SeverityCritical, "autopilot paused by drift monitor", map[string]any{
				"kind": event.Kind, "duration": event.Action.PauseDuration.String(),
			})
		}
	case types.ActionContractBounds:
		for _, path := range event.Action.ContractParams {
			if err := m.bounds.ApplyRollback([]string{path}, m.clock.NowUTC()); err != nil {
				m.logger.Error("drift: contracting bounds failed", "path", path, "error", err)
			}
		}
	case types.ActionTriggerTriage:
		if m.pauser != nil {
			m.pauser.Pause(m.cfg.PauseDurationHours, string(event.Kind))
		}
		if m.triage != nil {
			if err := m.triage.TriggerNow(ctx); err != nil {
				m.logger.Error("drift: triggering triage failed", "error", err)
			}
		}
	}
}

// Events returns the events observed so far (newest last), for status
// reporting.
func (m *Monitor) Events() []types.DriftEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.DriftEvent, len(m.events))
	copy(out, m.events)
	return out
}

func median(xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func topKByValue(m map[string]float64, k int) []string {
	type kv struct {
		key string
		val float64
	}
	pairs := make([]kv, 0, len(m))
	for key, val := range m {
		pairs = append(pairs, kv{key, val})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].val > pairs[j].val })
	if k > len(pairs) {
		k = len(pairs)
	}
	out := make([]string, k)
	for i := 0; i < k; i++ {
		out[i] = pairs[i].key
	}
	return out
}
