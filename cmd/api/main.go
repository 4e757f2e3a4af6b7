// cmd/api/main.go
package main

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"libracirc/internal/circulation"
	"libracirc/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := cfg.Logger()

	upstreams := map[string]string{
		"/api/v1/catalog":     getEnv("CATALOG_SERVICE_URL", "http://localhost:8081"),
		"/api/v1/circulation": getEnv("CIRCULATION_SERVICE_URL", "http://localhost:8082"),
		"/api/v1/membership":  getEnv("MEMBERSHIP_SERVICE_URL", "http://localhost:8083"),
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	router.Use(circulation.RateLimit(rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)))

	for prefix, raw := range upstreams {
		target, err := url.Parse(raw)
		if err != nil {
			logger.Error("invalid upstream URL", slog.String("prefix", prefix), slog.Any("error", err))
			os.Exit(1)
		}
		router.Mount(prefix, http.StripPrefix(prefix, httputil.NewSingleHostReverseProxy(target)))
	}

	server := &http.Server{Addr: cfg.Addr("8080"), Handler: router, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("API gateway listening", slog.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != nil {
		logger.Error("API gateway stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
