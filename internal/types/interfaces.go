package types

import (
	"context"
	"time"
)

// TimeSeries is the result of a MetricsStore aggregation query.
type TimeSeries struct {
	KPI    string    `json:"kpi"`
	Points []TSPoint `json:"points"`
}

// TSPoint is one aggregated observation.
type TSPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Aggregation selects how MetricsStore.Query aggregates raw samples.
type Aggregation string

const (
	AggMean Aggregation = "mean"
	AggP50  Aggregation = "p50"
	AggP95  Aggregation = "p95"
)

// MetricsStore is the external time-series backend the Metrics Analyzer
// and Drift Monitor query. Implementations must be
// idempotent: repeated calls with the same arguments return the same
// result for a closed historical window.
type MetricsStore interface {
	Query(ctx context.Context, kpi string, window time.Duration, agg Aggregation) (TimeSeries, error)
	QuerySamples(ctx context.Context, kpi string, window time.Duration) ([]float64, error)
}

// SplitHandle identifies an allocated canary traffic split so it can be
// torn down later.
type SplitHandle string

// TrafficRouter allocates and tears down canary traffic splits. Implementations must be idempotent and must return routing to
// 100% head if the core crashes with an open handle.
type TrafficRouter interface {
	AllocateSplit(ctx context.Context, candidateID string, fraction float64) (SplitHandle, error)
	Teardown(ctx context.Context, handle SplitHandle) error
}

// Clock is injected for testability.
type Clock interface {
	NowUTC() time.Time
	SleepUntil(ctx context.Context, instant time.Time) error
}

// Severity classifies an AlertSink message.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertSink emits fire-and-forget operator alerts.
type AlertSink interface {
	Emit(ctx context.Context, severity Severity, message string, fields map[string]any)
}

// IssueRef identifies a tracking item created in an external issue
// tracker.
type IssueRef string

// IssueTracker is an optional external collaborator for Incident Triage.
type IssueTracker interface {
	CreateIssue(ctx context.Context, title, body string, labels []string) (IssueRef, error)
}
