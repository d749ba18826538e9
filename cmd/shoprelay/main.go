package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shopsys/internal/catalog"
	"shopsys/internal/config"
	"shopsys/internal/logging"
	"shopsys/internal/metrics"
	"shopsys/internal/relay"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx)
	stop()
	os.Exit(code)
}

func run(ctx context.Context) int {
	cfg := config.LoadRelayFromEnv()
	logger, closer, err := logging.New(config.LogConfig{Level: cfg.LogLevel})
	if err != nil {
		slog.Error("init logging", "err", err)
		return 1
	}
	defer closer.Close()

	if wrote, err := catalog.EnsureDefault(cfg.CatalogDir); err != nil {
		logger.Error("catalog dir init failed", "dir", cfg.CatalogDir, "err", err)
		return 1
	} else if wrote {
		logger.Info("wrote default catalog", "dir", cfg.CatalogDir)
	}

	m := metrics.New()
	registry := prometheus.NewRegistry()
	if err := m.Register(registry); err != nil {
		logger.Error("register metrics", "err", err)
		return 1
	}

	hub := relay.NewHub(relay.HubConfig{CatalogDir: cfg.CatalogDir, Logger: logger, Metrics: m})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Handle("/ws", hub)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "sessions": hub.SessionCount()})
	})
	r.Method(http.MethodGet, config.DefaultMetricsPath, metrics.Handler(registry))

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	push := make(chan os.Signal, 1)
	signal.Notify(push, syscall.SIGHUP)
	defer signal.Stop(push)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-push:
				n, err := hub.PushConfig()
				if err != nil {
					logger.Error("config push failed", "err", err)
					continue
				}
				logger.Info("config pushed", "sessions", n)
			}
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		hub.Close()
	}()

	logger.Info("shop relay listening", "addr", cfg.Addr, "catalog_dir", cfg.CatalogDir)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "err", err)
		return 1
	}
	return 0
}
