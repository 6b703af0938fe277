package metricsstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/autopilotd/autopilot/internal/config"
	"github.com/autopilotd/autopilot/internal/types"
)

// Store is the full surface cmd/autopilotd needs: the MetricsStore
// contract plus lifecycle and ingestion.
type Store interface {
	types.MetricsStore
	Record(ctx context.Context, kpi string, at time.Time, value float64) error
	Close() error
}

// Open selects and opens the backend named by cfg.MetricsBackend.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.MetricsBackend {
	case "", "sqlite":
		path := cfg.MetricsDSN
		if path == "" {
			path = cfg.BaseDir + "/metrics.db"
		}
		return OpenSQLite(ctx, path, logger)
	case "postgres":
		return OpenPostgres(ctx, cfg.MetricsDSN, logger)
	default:
		return nil, fmt.Errorf("metricsstore: unknown backend %q", cfg.MetricsBackend)
	}
}
