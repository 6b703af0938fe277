// Package migrations manages the relational schema behind the metrics
// backend: kpi_samples, plus cycles, canaries, drift_events, and
// triage_reports tables. Only kpi_samples is written by this repository's
// code; cycle, canary, and drift records go to JSONL journals and triage
// reports to JSON files.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/autopilotd/autopilot/internal/resilience"
)

// ErrAlreadyRunning is returned when a second migration operation is
// started while one is still in flight.
var ErrAlreadyRunning = errors.New("migrations: operation already in flight")

// Config selects the target database and migration source directory.
type Config struct {
	Driver  string // "sqlite" | "pgx"
	Dialect string // "sqlite3" | "postgres"
	DSN     string
	Dir     string

	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig targets the embedded sqlite backend with the repository's
// migrations directory.
func DefaultConfig() Config {
	return Config{
		Driver:     "sqlite",
		Dialect:    "sqlite3",
		DSN:        "",
		Dir:        "migrations",
		Timeout:    5 * time.Minute,
		MaxRetries: 3,
		RetryDelay: 5 * time.Second,
	}
}

// ConfigForBackend maps the storage policy's metrics backend name to the
// matching driver/dialect pair.
func ConfigForBackend(backend, dsn, dir string) (Config, error) {
	cfg := DefaultConfig()
	cfg.DSN = dsn
	if dir != "" {
		cfg.Dir = dir
	}
	switch backend {
	case "sqlite":
		cfg.Driver, cfg.Dialect = "sqlite", "sqlite3"
	case "postgres":
		cfg.Driver, cfg.Dialect = "pgx", "postgres"
	default:
		return Config{}, fmt.Errorf("migrations: unknown metrics backend %q", backend)
	}
	return cfg, nil
}

// Manager drives goose migrations against the configured database. One
// operation at a time; transient connection errors are retried with the
// shared backoff policy.
type Manager struct {
	cfg    Config
	db     *sql.DB
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewManager opens the database connection and prepares goose for the
// configured dialect.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("migrations: DSN is required")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("migrations: opening database: %w", err)
	}
	if err := goose.SetDialect(cfg.Dialect); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: setting dialect %q: %w", cfg.Dialect, err)
	}
	return &Manager{cfg: cfg, db: db, logger: logger}, nil
}

// Close releases the database connection.
func (m *Manager) Close() error {
	return m.db.Close()
}

// begin marks an operation in flight, refusing overlap.
func (m *Manager) begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}
	m.running = true
	return nil
}

func (m *Manager) end() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

func (m *Manager) retryPolicy() *resilience.RetryPolicy {
	p := resilience.DefaultRetryPolicy()
	p.MaxRetries = m.cfg.MaxRetries
	p.BaseDelay = m.cfg.RetryDelay
	p.Logger = m.logger
	return p
}

// Up applies every pending migration.
func (m *Manager) Up(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	started := time.Now()
	err := resilience.WithRetry(ctx, m.retryPolicy(), func() error {
		return goose.UpContext(ctx, m.db, m.cfg.Dir)
	})
	if err != nil {
		m.logger.Error("migrations: up failed", "error", err, "dir", m.cfg.Dir)
		return fmt.Errorf("migrations: applying: %w", err)
	}
	m.logger.Info("migrations: up complete", "dir", m.cfg.Dir, "duration", time.Since(started))
	return nil
}

// DownByOne rolls back the most recently applied migration.
func (m *Manager) DownByOne(ctx context.Context) error {
	if err := m.begin(); err != nil {
		return err
	}
	defer m.end()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	if err := goose.DownContext(ctx, m.db, m.cfg.Dir); err != nil {
		m.logger.Error("migrations: down failed", "error", err)
		return fmt.Errorf("migrations: rolling back: %w", err)
	}
	m.logger.Info("migrations: rolled back one migration")
	return nil
}

// Version reports the database's current migration version.
func (m *Manager) Version(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	version, err := goose.GetDBVersionContext(ctx, m.db)
	if err != nil {
		return 0, fmt.Errorf("migrations: reading version: %w", err)
	}
	return version, nil
}

// Pending lists migrations present on disk but not yet applied.
func (m *Manager) Pending(ctx context.Context) ([]int64, error) {
	current, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	all, err := goose.CollectMigrations(m.cfg.Dir, 0, goose.MaxVersion)
	if err != nil {
		return nil, fmt.Errorf("migrations: collecting sources: %w", err)
	}
	var pending []int64
	for _, mig := range all {
		if mig.Version > current {
			pending = append(pending, mig.Version)
		}
	}
	return pending, nil
}
