package canary

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/autopilotd/autopilot/internal/types"
)

// LogRouter is a TrafficRouter for deployments where the split is
// consumed by downstream readers of the routing journal rather than an
// in-path proxy: it records the active split and logs transitions.
// Teardown is idempotent, and a crash leaves no in-process state behind,
// so routing reverts to head implicitly.
type LogRouter struct {
	logger *slog.Logger

	mu     sync.Mutex
	active map[types.SplitHandle]float64
	seq    int
}

// NewLogRouter creates an empty LogRouter.
func NewLogRouter(logger *slog.Logger) *LogRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRouter{logger: logger, active: make(map[types.SplitHandle]float64)}
}

func (r *LogRouter) AllocateSplit(ctx context.Context, candidateID string, fraction float64) (types.SplitHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	handle := types.SplitHandle(fmt.Sprintf("split-%s-%d", candidateID, r.seq))
	r.active[handle] = fraction
	r.logger.Info("router: canary split allocated", "handle", handle, "candidate_id", candidateID, "fraction", fraction)
	return handle, nil
}

func (r *LogRouter) Teardown(ctx context.Context, handle types.SplitHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[handle]; !ok {
		return nil
	}
	delete(r.active, handle)
	r.logger.Info("router: canary split torn down", "handle", handle)
	return nil
}

// ActiveSplits reports the currently-routed splits, for status surfaces.
func (r *LogRouter) ActiveSplits() map[types.SplitHandle]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[types.SplitHandle]float64, len(r.active))
	for h, f := range r.active {
		out[h] = f
	}
	return out
}
