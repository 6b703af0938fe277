// Package canary implements the Canary Deployer: it runs a split-traffic
// experiment against a candidate Card, applies a statistical gate per
// KPI, and decides Proceed/Rollback/Inconclusive.
package canary

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/autopilotd/autopilot/internal/types"
)

// ErrEmergencyStop is returned when the operator-set canary_emergency_stop
// flag is observed during the run.
var ErrEmergencyStop = errors.New("canary: emergency stop requested")

// SampleCollector gathers per-KPI observation vectors for the control
// (head) and candidate cohorts during a canary run. Implementations typically query the
// external MetricsStore filtered by the routing tag assigned to each
// cohort.
type SampleCollector interface {
	CollectControl(ctx context.Context, kpi string, since time.Time) ([]float64, error)
	CollectCandidate(ctx context.Context, kpi string, since time.Time) ([]float64, error)
}

// EmergencyStopFunc polls the process-wide canary_emergency_stop flag.
type EmergencyStopFunc func() bool

// Config holds the Canary Deployer's tunables.
type Config struct {
	TrafficFraction      float64
	Duration             time.Duration
	WarmupDuration       time.Duration
	ConfidenceThreshold  float64
	RollbackTolerance    float64
	NonInferiorityTol    float64
	CommitOnInconclusive bool
	BucketingPrime       uint32
	EmergencyStopPoll    time.Duration
	GateKPIs             []string
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() Config {
	return Config{
		TrafficFraction:      0.2,
		Duration:             60 * time.Minute,
		WarmupDuration:       30 * time.Second,
		ConfidenceThreshold:  0.95,
		RollbackTolerance:    0.02,
		NonInferiorityTol:    0.01,
		CommitOnInconclusive: false,
		BucketingPrime:       997,
		EmergencyStopPoll:    5 * time.Second,
		GateKPIs:             []string{},
	}
}

// Deployer runs split-traffic canary experiments.
type Deployer struct {
	router    types.TrafficRouter
	clock     types.Clock
	collector SampleCollector
	stop      EmergencyStopFunc
	logger    *slog.Logger
	cfg       Config
}

// New creates a Deployer. stop may be nil, in which case the emergency-stop
// poll is a no-op.
func New(router types.TrafficRouter, clock types.Clock, collector SampleCollector, stop EmergencyStopFunc, logger *slog.Logger, cfg Config) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}
	if stop == nil {
		stop = func() bool { return false }
	}
	return &Deployer{router: router, clock: clock, collector: collector, stop: stop, logger: logger, cfg: cfg}
}

// RequestBucket computes the deterministic per-request bucket used for
// stable canary eligibility. Assignment stickiness is per-request.
func RequestBucket(requestID string, prime uint32) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(requestID))
	return h.Sum32() % prime
}

// EligibleForCanary reports whether requestID should be routed to the
// candidate, given the configured traffic fraction and bucketing prime.
func EligibleForCanary(requestID string, fraction float64, prime uint32) bool {
	threshold := uint32(fraction * float64(prime))
	return RequestBucket(requestID, prime) < threshold
}

// Run executes one canary experiment: allocate the split, warm up, measure
// for cfg.Duration while polling the emergency-stop flag, then decide
// . candidateID identifies the
// already-validated candidate Card to the TrafficRouter.
func (d *Deployer) Run(ctx context.Context, cycleID, candidateID string, changes []types.ParameterChange) (types.CanaryRun, error) {
	run := types.CanaryRun{
		CanaryID:        fmt.Sprintf("canary-%s", candidateID),
		CycleID:         cycleID,
		StartedAt:       d.clock.NowUTC(),
		TrafficFraction: d.cfg.TrafficFraction,
		ProposedChanges: changes,
		Comparisons:     map[string]types.KPIComparison{},
	}

	handle, err := d.router.AllocateSplit(ctx, candidateID, d.cfg.TrafficFraction)
	if err != nil {
		return types.CanaryRun{}, fmt.Errorf("canary: allocating split: %w", err)
	}

	defer func() {
		if tdErr := d.router.Teardown(ctx, handle); tdErr != nil {
			d.logger.Error("canary: teardown failed", "error", tdErr, "candidate_id", candidateID)
		}
	}()

	if err := d.wait(ctx, d.cfg.WarmupDuration); err != nil {
		return d.closeAborted(run, err), nil
	}

	if err := d.wait(ctx, d.cfg.Duration); err != nil {
		return d.closeAborted(run, err), nil
	}

	completed := d.clock.NowUTC()
	run.CompletedAt = &completed

	minP := 1.0
	anyRegression := false
	for _, kpi := range d.cfg.GateKPIs {
		control, cErr := d.collector.CollectControl(ctx, kpi, run.StartedAt)
		candidate, dErr := d.collector.CollectCandidate(ctx, kpi, run.StartedAt)
		if cErr != nil || dErr != nil {
			continue
		}
		delta, p := welchTTest(control, candidate)
		significant := p < (1 - d.cfg.ConfidenceThreshold)
		regression := significant && delta < -d.cfg.RollbackTolerance
		run.Comparisons[kpi] = types.KPIComparison{
			KPI:                   kpi,
			ControlMean:           meanOf(control),
			CanaryMean:            meanOf(candidate),
			Delta:                 delta,
			SignificanceP:         p,
			SignificantRegression: regression,
		}
		if p < minP {
			minP = p
		}
		if regression {
			anyRegression = true
		}
	}

	run.AggregateP = bonferroniAdjustedConfidence(minP, len(d.cfg.GateKPIs))
	run.Recommendation = d.decide(run, anyRegression)
	return run, nil
}

// decide maps the gate results to Proceed / Rollback / Inconclusive.
func (d *Deployer) decide(run types.CanaryRun, anyRegression bool) types.Recommendation {
	if anyRegression {
		return types.RecommendationRollback
	}
	allNonInferior := true
	for _, cmp := range run.Comparisons {
		if cmp.Delta < -d.cfg.NonInferiorityTol {
			allNonInferior = false
		}
	}
	if allNonInferior && run.AggregateP >= d.cfg.ConfidenceThreshold {
		return types.RecommendationProceed
	}
	if d.cfg.CommitOnInconclusive {
		return types.RecommendationInconclusive
	}
	return types.RecommendationRollback
}

// closeAborted handles cancellation/deadline/emergency-stop during the
// run: partial results are recorded and the decision is forced to Aborted;
// routing is torn down by Run's deferred Teardown call once Run returns.
func (d *Deployer) closeAborted(run types.CanaryRun, cause error) types.CanaryRun {
	completed := d.clock.NowUTC()
	run.CompletedAt = &completed
	run.Recommendation = types.RecommendationAborted
	d.logger.Warn("canary: aborted", "canary_id", run.CanaryID, "cause", cause)
	return run
}

// wait blocks until duration elapses, returning early with an error if ctx
// is cancelled or the emergency-stop flag is observed on the configured
// poll interval.
func (d *Deployer) wait(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	deadline := d.clock.NowUTC().Add(duration)
	poll := d.cfg.EmergencyStopPoll
	if poll <= 0 || poll > duration {
		poll = duration
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.stop() {
			return ErrEmergencyStop
		}
		now := d.clock.NowUTC()
		if !now.Before(deadline) {
			return nil
		}
		next := now.Add(poll)
		if next.After(deadline) {
			next = deadline
		}
		if err := d.clock.SleepUntil(ctx, next); err != nil {
			return err
		}
	}
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
