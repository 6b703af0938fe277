// Package types holds the cross-cutting domain records shared by the
// autopilot's components (ParameterChange, MetricsAnalysis, CanaryRun,
// DriftEvent, TriageReport): small, serializable value types with no
// behavior beyond construction helpers.
package types

import "time"

// ChangeType classifies why a ParameterChange was proposed.
type ChangeType string

const (
	ChangeOptimization ChangeType = "optimization"
	ChangeCorrection   ChangeType = "correction"
	ChangeExploration  ChangeType = "exploration"
	ChangeRollback     ChangeType = "rollback"
)

// ExpectedImpact is a structured prediction attached to a ParameterChange,
// later compared against observed deltas for prediction-error accounting.
type ExpectedImpact struct {
	KPIDeltas  map[string]float64 `json:"kpi_deltas"`
	Confidence float64            `json:"confidence"`
}

// ParameterChange is an immutable proposed mutation to a single Card path.
type ParameterChange struct {
	Path           string         `json:"path"`
	OldValue       float64        `json:"old_value"`
	NewValue       float64        `json:"new_value"`
	ChangeType     ChangeType     `json:"change_type"`
	Confidence     float64        `json:"confidence"`
	ExpectedImpact ExpectedImpact `json:"expected_impact"`
}

// Delta returns NewValue - OldValue.
func (c ParameterChange) Delta() float64 { return c.NewValue - c.OldValue }

// Trend classifies a KPI's direction over a window split in halves.
type Trend string

const (
	TrendUp   Trend = "up"
	TrendDown Trend = "down"
	TrendFlat Trend = "flat"
)

// KPISummary is the aggregated view of one KPI over an analysis window.
type KPISummary struct {
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	Count int     `json:"count"`
	Trend Trend   `json:"trend"`
}

// MetricsAnalysis is an immutable snapshot of aggregated KPIs for one
// cycle.
type MetricsAnalysis struct {
	WindowStart time.Time             `json:"window_start"`
	WindowEnd   time.Time             `json:"window_end"`
	KPIs        map[string]KPISummary `json:"kpis"`
	Flags       map[string]bool       `json:"flags"`
}

// Recommendation is the Canary Deployer's decision.
type Recommendation string

const (
	RecommendationProceed      Recommendation = "proceed"
	RecommendationRollback     Recommendation = "rollback"
	RecommendationInconclusive Recommendation = "inconclusive"
	RecommendationAborted      Recommendation = "aborted"
)

// KPIComparison is the two-sample statistical comparison for a single gate
// KPI.
type KPIComparison struct {
	KPI                   string  `json:"kpi"`
	ControlMean           float64 `json:"control_mean"`
	CanaryMean            float64 `json:"canary_mean"`
	Delta                 float64 `json:"delta"`
	SignificanceP         float64 `json:"significance_p"`
	SignificantRegression bool    `json:"significant_regression"`
}

// CanaryRun records one split-traffic experiment.
type CanaryRun struct {
	CanaryID        string                   `json:"canary_id"`
	CycleID         string                   `json:"cycle_id"`
	StartedAt       time.Time                `json:"started_at"`
	TrafficFraction float64                  `json:"traffic_fraction"`
	ProposedChanges []ParameterChange        `json:"proposed_changes"`
	Comparisons     map[string]KPIComparison `json:"comparisons"`
	AggregateP      float64                  `json:"aggregate_p"`
	CompletedAt     *time.Time               `json:"completed_at,omitempty"`
	Recommendation  Recommendation           `json:"recommendation,omitempty"`
}

// DriftEventKind enumerates the Drift Monitor's detectors.
type DriftEventKind string

const (
	DriftPredictionErrorHigh DriftEventKind = "prediction_error_high"
	DriftRollbackRateHigh    DriftEventKind = "rollback_rate_high"
	DriftConsecutiveFailures DriftEventKind = "consecutive_failures"
	DriftSystemInstability   DriftEventKind = "system_instability"
)

// DriftActionKind enumerates the action the Drift Monitor takes in
// response to a detection.
type DriftActionKind string

const (
	ActionContinueMonitoring DriftActionKind = "continue_monitoring"
	ActionPauseAutopilot     DriftActionKind = "pause_autopilot"
	ActionContractBounds     DriftActionKind = "contract_bounds"
	ActionTriggerTriage      DriftActionKind = "trigger_triage"
)

// DriftAction is the Drift Monitor's response to a DriftEvent.
type DriftAction struct {
	Kind           DriftActionKind `json:"kind"`
	PauseDuration  time.Duration   `json:"pause_duration,omitempty"`
	ContractParams []string        `json:"contract_params,omitempty"`
}

// DriftEvent is an immutable record of a drift detection.
type DriftEvent struct {
	EventID       string         `json:"event_id"`
	Kind          DriftEventKind `json:"kind"`
	DetectedAt    time.Time      `json:"detected_at"`
	WindowSummary string         `json:"window_summary"`
	Action        DriftAction    `json:"action"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
}

// FailureCategory is the fixed enum Incident Triage buckets failures into.
type FailureCategory string

const (
	CategoryPerformanceDegradation FailureCategory = "performance_degradation"
	CategoryStabilityIssues        FailureCategory = "stability_issues"
	CategoryValidationFailures     FailureCategory = "validation_failures"
	CategoryCanaryRollbacks        FailureCategory = "canary_rollbacks"
	CategoryDriftDetection         FailureCategory = "drift_detection"
)

// PatchSuggestion proposes tightening or loosening a parameter's static
// hard bounds, or adding a new policy rule.
type PatchSuggestion struct {
	Path             string          `json:"path"`
	Category         FailureCategory `json:"category"`
	ContractFraction float64         `json:"contract_fraction,omitempty"` // positive: tighten, negative: loosen
	Rationale        string          `json:"rationale"`
}

// TriageReport is the weekly aggregate of failures into patch suggestions.
type TriageReport struct {
	ReportID           string                  `json:"report_id"`
	WindowStart        time.Time               `json:"window_start"`
	WindowEnd          time.Time               `json:"window_end"`
	FailuresByCategory map[FailureCategory]int `json:"failures_by_category"`
	PatchSuggestions   []PatchSuggestion       `json:"patch_suggestions"`
	BoundsAdjustments  []PatchSuggestion       `json:"bounds_adjustments"`
}

// CycleStatus enumerates terminal outcomes of one daily cycle.
type CycleStatus string

const (
	CycleCommitted  CycleStatus = "committed"
	CycleRolledBack CycleStatus = "rolled_back"
	CycleSkipped    CycleStatus = "skipped"
	CycleFailed     CycleStatus = "failed"
)

// CycleOutcome is the per-cycle record persisted to cycles.log.
type CycleOutcome struct {
	CycleID          string      `json:"cycle_id"`
	StartedAt        time.Time   `json:"started_at"`
	CompletedAt      time.Time   `json:"completed_at"`
	Status           CycleStatus `json:"status"`
	Reason           string      `json:"reason"`
	AnalysisRef      string      `json:"analysis_ref,omitempty"`
	ProposalCount    int         `json:"proposal_count"`
	CanaryRef        string      `json:"canary_ref,omitempty"`
	DeploymentResult string      `json:"deployment_result,omitempty"`
	Error            string      `json:"error,omitempty"`
}
