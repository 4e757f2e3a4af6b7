// cmd/chaos/main.go
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"libracirc/internal/chaos"
	"libracirc/internal/circulation"
	"libracirc/internal/config"
	"libracirc/internal/storage"
	"libracirc/internal/telemetry"
)

func main() {
	usePostgres := flag.Bool("postgres", false, "run against DATABASE_URL instead of an in-memory store")
	concurrency := flag.Int("concurrency", 32, "goroutines per experiment")
	tick := flag.Duration("tick", 5*time.Millisecond, "probe interval while attempts are in flight")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := cfg.Logger()
	ctx := context.Background()

	shutdown, err := telemetry.Setup(ctx, "chaos", cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to set up telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer shutdown(ctx)

	var store interface {
		circulation.Store
		circulation.InvariantChecker
		chaos.Seeder
	}
	if *usePostgres {
		db, err := storage.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", slog.Any("error", err))
			os.Exit(1)
		}
		defer db.Close()
		if err := storage.Migrate(ctx, db); err != nil {
			logger.Error("failed to migrate database", slog.Any("error", err))
			os.Exit(1)
		}
		store = storage.NewPostgres(db)
	} else {
		store = storage.NewMemory()
	}

	svc, err := circulation.NewService(store, cfg.Policy, circulation.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create circulation service", slog.Any("error", err))
		os.Exit(1)
	}

	engine := chaos.NewEngine(logger, *tick)
	target := chaos.Target{
		Service:     svc,
		Invariants:  store,
		Seeder:      store,
		Policy:      cfg.Policy,
		Concurrency: *concurrency,
	}
	target.RegisterExperiments(engine)

	held, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "Circulation Invariants Game Day",
		Scenarios: engine.Experiments(),
		Pause:     time.Second,
	})
	if err != nil {
		logger.Error("chaos game day failed", slog.Any("error", err))
		os.Exit(1)
	}
	if !held {
		logger.Warn("at least one hypothesis did not hold")
		os.Exit(2)
	}
}
