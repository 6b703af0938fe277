package metricsstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/autopilotd/autopilot/internal/types"
)

// PostgresStore implements types.MetricsStore against an external
// PostgreSQL time-series table, with per-operation Prometheus
// instrumentation on the pool-backed queries.
type PostgresStore struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	metrics *queryMetrics
}

type queryMetrics struct {
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

func newQueryMetrics() *queryMetrics {
	return &queryMetrics{
		duration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autopilot_metricsstore_query_duration_seconds",
			Help:    "Duration of metricsstore queries against the external backend.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"operation", "backend"}),
		errors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "autopilot_metricsstore_query_errors_total",
			Help: "Total metricsstore query errors against the external backend.",
		}, []string{"operation", "backend"}),
	}
}

// OpenPostgres connects to dsn and ensures the sample table exists.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dsn == "" {
		return nil, fmt.Errorf("metricsstore: postgres dsn cannot be empty")
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("metricsstore: parsing dsn: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("metricsstore: connecting: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("metricsstore: ping: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS kpi_samples (
	kpi   TEXT NOT NULL,
	ts    TIMESTAMPTZ NOT NULL,
	value DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kpi_samples_kpi_ts ON kpi_samples(kpi, ts);
`
	if _, err := pool.Exec(connectCtx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("metricsstore: initializing schema: %w", err)
	}

	logger.Info("metricsstore: postgres backend ready")
	return &PostgresStore{pool: pool, logger: logger, metrics: newQueryMetrics()}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Record appends one raw sample.
func (s *PostgresStore) Record(ctx context.Context, kpi string, at time.Time, value float64) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO kpi_samples (kpi, ts, value) VALUES ($1, $2, $3)`, kpi, at.UTC(), value)
	if err != nil {
		s.metrics.errors.WithLabelValues("record", "postgres").Inc()
		return fmt.Errorf("metricsstore: recording sample: %w", err)
	}
	return nil
}

// QuerySamples returns every raw sample for kpi within the trailing
// window, oldest first.
func (s *PostgresStore) QuerySamples(ctx context.Context, kpi string, window time.Duration) ([]float64, error) {
	start := time.Now()
	defer func() {
		s.metrics.duration.WithLabelValues("query_samples", "postgres").Observe(time.Since(start).Seconds())
	}()

	since := time.Now().Add(-window).UTC()
	rows, err := s.pool.Query(ctx,
		`SELECT value FROM kpi_samples WHERE kpi = $1 AND ts >= $2 ORDER BY ts ASC`, kpi, since)
	if err != nil {
		s.metrics.errors.WithLabelValues("query_samples", "postgres").Inc()
		return nil, fmt.Errorf("metricsstore: querying samples: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("metricsstore: scanning sample: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Query aggregates the trailing window into a single TSPoint.
func (s *PostgresStore) Query(ctx context.Context, kpi string, window time.Duration, agg types.Aggregation) (types.TimeSeries, error) {
	start := time.Now()
	defer func() {
		s.metrics.duration.WithLabelValues("query", "postgres").Observe(time.Since(start).Seconds())
	}()

	samples, err := s.QuerySamples(ctx, kpi, window)
	if err != nil {
		return types.TimeSeries{}, err
	}
	return types.TimeSeries{
		KPI:    kpi,
		Points: []types.TSPoint{{Timestamp: time.Now().UTC(), Value: aggregate(samples, agg)}},
	}, nil
}
