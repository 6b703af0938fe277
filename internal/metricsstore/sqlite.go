package metricsstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, no CGO

	"github.com/autopilotd/autopilot/internal/types"
)

// SQLiteStore implements types.MetricsStore against a local SQLite file,
// for single-node deployments that do not run an external time-series
// database (Lite profile, grounded on
// internal/storage/sqlite/sqlite_storage.go).
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite creates (or opens) the sample database at path and ensures
// its schema exists.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, fmt.Errorf("metricsstore: sqlite path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("metricsstore: invalid path contains '..': %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("metricsstore: creating directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("metricsstore: opening sqlite: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("metricsstore: ping sqlite: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS kpi_samples (
	kpi       TEXT NOT NULL,
	ts        INTEGER NOT NULL,
	value     REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kpi_samples_kpi_ts ON kpi_samples(kpi, ts);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("metricsstore: initializing schema: %w", err)
	}

	logger.Info("metricsstore: sqlite backend ready", "path", path)
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Record appends one raw sample (used by ingestion paths and tests; the
// reference implementation does not define where samples originate, only
// that MetricsStore can answer queries over them).
func (s *SQLiteStore) Record(ctx context.Context, kpi string, at time.Time, value float64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kpi_samples (kpi, ts, value) VALUES (?, ?, ?)`,
		kpi, at.UTC().UnixNano(), value)
	if err != nil {
		return fmt.Errorf("metricsstore: recording sample: %w", err)
	}
	return nil
}

// QuerySamples returns every raw sample for kpi within the trailing
// window, oldest first.
func (s *SQLiteStore) QuerySamples(ctx context.Context, kpi string, window time.Duration) ([]float64, error) {
	since := time.Now().Add(-window).UTC().UnixNano()
	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM kpi_samples WHERE kpi = ? AND ts >= ? ORDER BY ts ASC`, kpi, since)
	if err != nil {
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
func (s *SQLiteStore) Query(ctx context.Context, kpi string, window time.Duration, agg types.Aggregation) (types.TimeSeries, error) {
	samples, err := s.QuerySamples(ctx, kpi, window)
	if err != nil {
		return types.TimeSeries{}, err
	}
	return types.TimeSeries{
		KPI:    kpi,
		Points: []types.TSPoint{{Timestamp: time.Now().UTC(), Value: aggregate(samples, agg)}},
	}, nil
}
