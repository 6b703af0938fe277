// Package obsmetrics collects the Prometheus collectors every subsystem
// registers against (package-level promauto vars, one file per concern)
// so a single process never registers the same collector twice.
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CyclesTotal counts Daily Scheduler cycle outcomes by status.
// Labels:
//   - status: committed, rolled_back, failed, skipped
var CyclesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "autopilot_cycles_total",
		Help: "Total autopilot daily cycles by outcome status.",
	},
	[]string{"status"},
)

// CycleDuration tracks wall-clock duration of a full daily cycle.
var CycleDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "autopilot_cycle_duration_seconds",
		Help:    "Duration of a full autopilot daily cycle.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	},
)

// ProposalsPerCycle tracks how many parameter changes a cycle proposed.
var ProposalsPerCycle = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "autopilot_cycle_proposals",
		Help:    "Number of parameter changes proposed per cycle.",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
	},
)

// CyclePauses counts why the Daily Scheduler paused autopilot.
// Labels:
//   - reason: validation_failure, commit_failure, timeout
var CyclePauses = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "autopilot_cycle_pauses_total",
		Help: "Total autopilot pauses triggered by the failure-handler policy.",
	},
	[]string{"reason"},
)
