package migrations

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

const testMigration = `-- +goose Up
CREATE TABLE widgets (
    id   TEXT PRIMARY KEY,
    name TEXT NOT NULL
);

-- +goose Down
DROP TABLE widgets;
`

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "00001_widgets.sql"), []byte(testMigration), 0o644); err != nil {
		t.Fatalf("writing migration: %v", err)
	}

	cfg := DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "test.db")
	cfg.Dir = dir

	m, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestUpAppliesPendingMigrations(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	pending, err := m.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending migration, got %v", pending)
	}

	if err := m.Up(ctx); err != nil {
		t.Fatalf("up: %v", err)
	}

	version, err := m.Version(ctx)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}

	pending, err = m.Pending(ctx)
	if err != nil {
		t.Fatalf("pending after up: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending migrations, got %v", pending)
	}
}

func TestDownByOneRollsBack(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Up(ctx); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := m.DownByOne(ctx); err != nil {
		t.Fatalf("down: %v", err)
	}
	version, err := m.Version(ctx)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != 0 {
		t.Fatalf("expected version 0 after rollback, got %d", version)
	}
}

func TestConfigForBackendRejectsUnknown(t *testing.T) {
	if _, err := ConfigForBackend("mysql", "dsn", ""); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	cfg, err := ConfigForBackend("postgres", "dsn", "")
	if err != nil {
		t.Fatalf("postgres backend: %v", err)
	}
	if cfg.Driver != "pgx" || cfg.Dialect != "postgres" {
		t.Fatalf("unexpected postgres config: %+v", cfg)
	}
}
