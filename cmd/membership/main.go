// cmd/membership/main.go
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"libracirc/internal/config"
	"libracirc/internal/membership"
	"libracirc/internal/storage"
	"libracirc/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := cfg.Logger()
	ctx := context.Background()

	shutdown, err := telemetry.Setup(ctx, "membership", cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to set up telemetry", slog.Any("error", err))
		os.Exit(1)
	}
	defer shutdown(ctx)

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

	svc := membership.NewService(storage.NewPostgres(db), logger)

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer)
	membership.NewHandler(svc, logger).Routes(router)

	server := &http.Server{Addr: cfg.Addr("8083"), Handler: router, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("starting membership service", slog.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != nil {
		logger.Error("membership service stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
