// Package main is the entry point for the autopilot control-node daemon:
// it wires the daily scheduler, drift monitor, weekly triage, and the
// operator HTTP API over a shared Card history and bounds table.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/autopilotd/autopilot/internal/alerting"
	"github.com/autopilotd/autopilot/internal/analyzer"
	"github.com/autopilotd/autopilot/internal/bounds"
	"github.com/autopilotd/autopilot/internal/canary"
	"github.com/autopilotd/autopilot/internal/card"
	"github.com/autopilotd/autopilot/internal/clockutil"
	"github.com/autopilotd/autopilot/internal/config"
	"github.com/autopilotd/autopilot/internal/drift"
	"github.com/autopilotd/autopilot/internal/driftstore"
	"github.com/autopilotd/autopilot/internal/eventlog"
	"github.com/autopilotd/autopilot/internal/history"
	"github.com/autopilotd/autopilot/internal/httpapi"
	"github.com/autopilotd/autopilot/internal/metricsstore"
	"github.com/autopilotd/autopilot/internal/proposer"
	"github.com/autopilotd/autopilot/internal/scheduler"
	"github.com/autopilotd/autopilot/internal/triage"
	"github.com/autopilotd/autopilot/internal/types"
	"github.com/autopilotd/autopilot/pkg/logger"
)

const (
	serviceName    = "autopilotd"
	serviceVersion = "1.0.0"
)

func main() {
	configPath := flag.String("config", "", "path to the policy file (YAML)")
	policyPath := flag.String("bounds-policy", "bounds-policy.yaml", "path to the bounds seed policy file")
	showVersion := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", serviceName, serviceVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(log)
	log.Info("starting autopilot control node", "service", serviceName, "version", serviceVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *policyPath, log); err != nil {
		log.Error("autopilotd failed", "error", err)
		os.Exit(1)
	}
	log.Info("autopilotd exited")
}

func run(ctx context.Context, cfg *config.Config, policyPath string, log *slog.Logger) error {
	clock := clockutil.NewReal()

	signingKey := os.Getenv("AUTOPILOT_SIGNING_KEY")
	if signingKey == "" {
		return fmt.Errorf("AUTOPILOT_SIGNING_KEY must be set: version manifests are signed")
	}

	hist, err := history.Open(cfg.Storage.BaseDir, history.NewHMACSigner([]byte(signingKey)), log)
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}

	policy, err := bounds.LoadPolicy(policyPath)
	if err != nil {
		return fmt.Errorf("loading bounds policy: %w", err)
	}
	confirmed, err := triage.LoadConfirmedReports(filepath.Join(cfg.Storage.BaseDir, "triage", "confirmed"))
	if err != nil {
		return fmt.Errorf("loading confirmed triage reports: %w", err)
	}
	if len(confirmed) > 0 {
		log.Info("applying confirmed triage bounds adjustments", "count", len(confirmed))
		policy.ApplyConfirmedPatches(confirmed)
	}
	bm, err := policy.SeedManager(bounds.Config{
		StabilityThresholdDays: cfg.SlidingBounds.StabilityThresholdDays,
		ExpansionRatePerWeek:   cfg.SlidingBounds.ExpansionRatePerWeek,
		ContractionRateAfterRB: cfg.SlidingBounds.ContractionRateAfterRB,
		RollbackThreshold:      cfg.SlidingBounds.RollbackThreshold,
		RollbackWindow:         time.Duration(cfg.SlidingBounds.RollbackWindowDays) * 24 * time.Hour,
		AntiWindupCooldown:     time.Duration(cfg.SlidingBounds.AntiWindupCooldownDays) * 24 * time.Hour,
		MaxStepFraction:        cfg.SlidingBounds.MaxStepFraction,
	})
	if err != nil {
		return fmt.Errorf("seeding bounds: %w", err)
	}

	backend, err := metricsstore.Open(ctx, cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("opening metrics store: %w", err)
	}
	metrics := metricsstore.WithResilience(backend, nil)
	defer metrics.Close()

	driftStore, err := driftstore.Open(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("opening drift counters: %w", err)
	}
	defer driftStore.Close()

	cyclesLog, err := eventlog.Open[types.CycleOutcome](filepath.Join(cfg.Storage.BaseDir, "cycles.log"))
	if err != nil {
		return fmt.Errorf("opening cycles journal: %w", err)
	}
	driftLog, err := eventlog.Open[types.DriftEvent](filepath.Join(cfg.Storage.BaseDir, "drift.log"))
	if err != nil {
		return fmt.Errorf("opening drift journal: %w", err)
	}
	canariesLog, err := eventlog.Open[types.CanaryRun](filepath.Join(cfg.Storage.BaseDir, "canaries.log"))
	if err != nil {
		return fmt.Errorf("opening canaries journal: %w", err)
	}

	status := scheduler.NewAutopilotStatus(clock)
	if cfg.EmergencyPause {
		status.SetEmergencyPause(true)
		log.Warn("emergency_pause is set in the policy file; cycles will be skipped")
	}
	if cfg.ManualOverrideTime > 0 {
		status.Pause(cfg.ManualOverrideTime, "manual_override_window")
	}

	var alerts types.AlertSink
	if token := os.Getenv("AUTOPILOT_SLACK_TOKEN"); token != "" {
		alerts = alerting.NewSlackSink(token, os.Getenv("AUTOPILOT_SLACK_CHANNEL"), log)
	} else {
		alerts = alerting.NewLogSink(log)
	}

	_, headCard, err := hist.Head()
	if err != nil {
		return fmt.Errorf("reading head card: %w", err)
	}

	an := analyzer.New(metrics, analyzerConfig(headCard))
	pr := proposer.New(proposer.DefaultRules(minKPISamples), bm, proposer.Config{
		MinConfidence:        cfg.Proposer.MinConfidence,
		MaxChangesPerCycle:   cfg.Proposer.MaxChangesPerCycle,
		MinValueDeltaEpsilon: cfg.Proposer.MinValueDeltaEpsilon,
	})

	router := canary.NewLogRouter(log)
	collector := metricsstore.CohortCollector{Store: metrics, Clock: clock}
	cd := canary.New(router, clock, collector, status.CanaryEmergencyStop, log, canary.Config{
		TrafficFraction:      cfg.Canary.TrafficFraction,
		Duration:             cfg.Canary.DurationMinutes,
		WarmupDuration:       cfg.Canary.WarmupSeconds,
		ConfidenceThreshold:  cfg.Canary.ConfidenceThreshold,
		RollbackTolerance:    cfg.Canary.RollbackTolerance,
		NonInferiorityTol:    cfg.Canary.NonInferiorityTol,
		CommitOnInconclusive: cfg.Canary.CommitOnInconclusive,
		BucketingPrime:       cfg.Canary.BucketingPrime,
		EmergencyStopPoll:    cfg.Canary.EmergencyStopPoll,
		GateKPIs:             cfg.Canary.GateKPIs,
	})

	schema := cardSchema(policy)
	sched := scheduler.New(hist, schema, bm, an, pr, cd, status, cyclesLog, clock, alerts, log, scheduler.Config{
		DailyScheduleUTC:       cfg.DailyScheduleUTC,
		MaxExecutionTime:       cfg.MaxExecutionTime,
		ValidationFailurePause: cfg.DriftMonitor.PauseDurationHours,
		TimeoutPause:           time.Hour,
	})
	sched.SetCycleRecorder(driftStore)
	sched.SetCanaryJournal(canariesLog)

	var tracker types.IssueTracker
	if url := os.Getenv("AUTOPILOT_ISSUE_WEBHOOK_URL"); url != "" {
		tracker = alerting.NewWebhookIssueTracker(url, 1.0, log)
	}
	tr := triage.New(
		triage.JournalCycleSource{Log: cyclesLog},
		triage.JournalDriftSource{Log: driftLog},
		triage.JournalCanarySource{Log: canariesLog},
		triage.DirReportSink{Dir: filepath.Join(cfg.Storage.BaseDir, "triage")},
		tracker, clock, log, triage.Config{
			ScheduleUTC:              cfg.IncidentTriage.ScheduleUTC,
			WindowDays:               cfg.IncidentTriage.WindowDays,
			FailureThresholdForPatch: cfg.IncidentTriage.FailureThresholdForPatch,
			IssueTrackerEnabled:      cfg.IncidentTriage.IssueTrackerEnabled,
		})

	dm := drift.New(driftStore, bm, status, tr, alerts, nil, nil, clock, log, drift.Config{
		PollInterval:                cfg.DriftMonitor.PollInterval,
		WindowDays:                  cfg.DriftMonitor.WindowDays,
		PredictionErrorThresholdPct: cfg.DriftMonitor.PredictionErrorThresholdPct,
		RollbackRateThresholdPct:    cfg.DriftMonitor.RollbackRateThresholdPct,
		ConsecutiveFailureThreshold: cfg.DriftMonitor.ConsecutiveFailureThreshold,
		PauseDurationHours:          cfg.DriftMonitor.PauseDurationHours,
		MaxPauseDurationDays:        cfg.DriftMonitor.MaxPauseDurationDays,
		TopKContractOnError:         cfg.DriftMonitor.TopKContractOnError,
	})
	dm.SetJournal(driftLog)

	hub := httpapi.NewHub(log)
	go hub.Start(ctx)

	cfgHash, err := cfg.VersionHash()
	if err != nil {
		return fmt.Errorf("hashing configuration: %w", err)
	}
	api := httpapi.New(sched, status, hist, bm, dm, tr, cyclesLog, hub, cfgHash, log)
	auditLog, err := eventlog.Open[httpapi.AuditRecord](filepath.Join(cfg.Storage.BaseDir, "audit.log"))
	if err != nil {
		return fmt.Errorf("opening audit journal: %w", err)
	}
	api.SetAuditJournal(auditLog)
	server := &http.Server{Addr: cfg.Server.Addr, Handler: api.Router()}

	sched.SetOutcomeNotifier(func(o types.CycleOutcome) {
		api.RefreshBounds()
		hub.Broadcast("cycle_completed", map[string]any{
			"cycle_id": o.CycleID, "status": string(o.Status), "reason": o.Reason,
		})
	})

	go func() {
		log.Info("http api listening", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http api failed", "error", err)
		}
	}()

	go func() {
		if err := sched.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("scheduler stopped", "error", err)
		}
	}()
	go func() {
		if err := dm.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("drift monitor stopped", "error", err)
		}
	}()
	go func() {
		if err := tr.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("triage worker stopped", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// minKPISamples is the floor below which the Analyzer skips the cycle
// and proposer confidence is discounted.
const minKPISamples = 10

// analyzerConfig builds the fixed KPI set and its derived-flag rules.
// Flag thresholds are themselves parameters read from the head Card,
// falling back to shipped defaults when unset.
func analyzerConfig(head *card.Card) analyzer.Config {
	return analyzer.Config{
		Window: analyzer.DefaultWindow,
		KPIs: []analyzer.KPISpec{
			{Name: "selection_entropy", MinSampleCount: minKPISamples},
			{Name: "curator_budget_used_pct", MinSampleCount: minKPISamples},
			{Name: "novelty_kld", MinSampleCount: minKPISamples},
			{Name: "prediction_error", MinSampleCount: 0},
			{Name: "hd_slow_detection_rate", MinSampleCount: 0},
		},
		Flags: []analyzer.FlagRule{
			{Flag: "diversity_low", KPI: "selection_entropy", Threshold: cardThreshold(head, "thresholds.selection_entropy_low", 0.45), Below: true},
			{Flag: "budget_exhausted", KPI: "curator_budget_used_pct", Threshold: cardThreshold(head, "thresholds.budget_exhausted_pct", 0.95), Below: false},
			{Flag: "hd_slow", KPI: "hd_slow_detection_rate", Threshold: cardThreshold(head, "thresholds.hd_slow_rate", 0.10), Below: false},
		},
	}
}

func cardThreshold(c *card.Card, path string, fallback float64) float64 {
	v, ok := c.Get(path)
	if !ok || v.Kind != card.KindNumber {
		return fallback
	}
	return v.Number
}

// cardSchema declares every path the Card may hold: the tunable
// parameters from the seed policy plus the threshold parameters the
// Analyzer reads.
func cardSchema(policy *bounds.Policy) *card.Schema {
	entries := make([]card.SchemaEntry, 0, len(policy.Parameters)+3)
	for _, e := range policy.Parameters {
		entries = append(entries, card.SchemaEntry{Path: e.Path, Kind: card.KindNumber})
	}
	for _, p := range []string{
		"thresholds.selection_entropy_low",
		"thresholds.budget_exhausted_pct",
		"thresholds.hd_slow_rate",
	} {
		entries = append(entries, card.SchemaEntry{Path: p, Kind: card.KindNumber})
	}
	return card.NewSchema(entries)
}
