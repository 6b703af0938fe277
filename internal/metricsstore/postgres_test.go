package metricsstore

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/autopilotd/autopilot/internal/types"
)

// setupPostgres starts a disposable PostgreSQL container and returns a
// connection string. Tests are skipped in short mode since the container
// start dominates the runtime.
func setupPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("autopilot_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %s", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate postgres container: %s", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %s", err)
	}
	return connStr
}

func TestPostgresRecordAndQuerySamples(t *testing.T) {
	dsn := setupPostgres(t)
	ctx := context.Background()

	store, err := OpenPostgres(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	now := time.Now().UTC()
	values := []float64{0.40, 0.42, 0.44}
	for i, v := range values {
		at := now.Add(-time.Duration(len(values)-i) * time.Minute)
		if err := store.Record(ctx, "selection_entropy", at, v); err != nil {
			t.Fatalf("record sample %d: %v", i, err)
		}
	}
	// A sample outside the window must not be returned.
	if err := store.Record(ctx, "selection_entropy", now.Add(-48*time.Hour), 0.99); err != nil {
		t.Fatalf("record stale sample: %v", err)
	}

	samples, err := store.QuerySamples(ctx, "selection_entropy", time.Hour)
	if err != nil {
		t.Fatalf("query samples: %v", err)
	}
	if len(samples) != len(values) {
		t.Fatalf("expected %d samples in window, got %d (%v)", len(values), len(samples), samples)
	}
	for i, v := range values {
		if samples[i] != v {
			t.Fatalf("expected samples oldest-first %v, got %v", values, samples)
		}
	}
}

func TestPostgresQueryAggregations(t *testing.T) {
	dsn := setupPostgres(t)
	ctx := context.Background()

	store, err := OpenPostgres(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	now := time.Now().UTC()
	for i, v := range []float64{1, 2, 3, 4} {
		at := now.Add(-time.Duration(i+1) * time.Minute)
		if err := store.Record(ctx, "novelty_kld", at, v); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	ts, err := store.Query(ctx, "novelty_kld", time.Hour, types.AggMean)
	if err != nil {
		t.Fatalf("query mean: %v", err)
	}
	if len(ts.Points) == 0 {
		t.Fatal("expected at least one aggregated point")
	}
	if got := ts.Points[len(ts.Points)-1].Value; got != 2.5 {
		t.Fatalf("expected mean 2.5, got %v", got)
	}
}

func TestPostgresQuerySamplesEmptyWindow(t *testing.T) {
	dsn := setupPostgres(t)
	ctx := context.Background()

	store, err := OpenPostgres(ctx, dsn, nil)
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	samples, err := store.QuerySamples(ctx, "never_recorded", time.Hour)
	if err != nil {
		t.Fatalf("query empty kpi: %v", err)
	}
	if len(samples) != 0 {
		t.Fatalf("expected no samples, got %v", samples)
	}
}
