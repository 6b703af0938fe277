// Package main is autopilot-migrate: it applies the metrics backend's
// relational schema migrations before autopilotd starts.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/autopilotd/autopilot/internal/config"
	"github.com/autopilotd/autopilot/internal/migrations"
)

func main() {
	configPath := flag.String("config", "", "path to the policy file (YAML)")
	dir := flag.String("dir", "migrations", "migration source directory")
	down := flag.Bool("down", false, "roll back the most recent migration instead of applying")
	status := flag.Bool("status", false, "print current version and pending migrations, then exit")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("loading configuration", "error", err)
		os.Exit(1)
	}

	dsn := cfg.Storage.MetricsDSN
	if cfg.Storage.MetricsBackend == "sqlite" && dsn == "" {
		dsn = cfg.Storage.BaseDir + "/metrics.db"
	}
	migCfg, err := migrations.ConfigForBackend(cfg.Storage.MetricsBackend, dsn, *dir)
	if err != nil {
		log.Error("building migration config", "error", err)
		os.Exit(1)
	}

	manager, err := migrations.NewManager(migCfg, log)
	if err != nil {
		log.Error("creating migration manager", "error", err)
		os.Exit(1)
	}
	defer manager.Close()

	ctx := context.Background()
	switch {
	case *status:
		version, err := manager.Version(ctx)
		if err != nil {
			log.Error("reading version", "error", err)
			os.Exit(1)
		}
		pending, err := manager.Pending(ctx)
		if err != nil {
			log.Error("reading pending migrations", "error", err)
			os.Exit(1)
		}
		fmt.Printf("version: %d\npending: %v\n", version, pending)
	case *down:
		if err := manager.DownByOne(ctx); err != nil {
			log.Error("rollback failed", "error", err)
			os.Exit(1)
		}
	default:
		if err := manager.Up(ctx); err != nil {
			log.Error("migration failed", "error", err)
			os.Exit(1)
		}
	}
}
