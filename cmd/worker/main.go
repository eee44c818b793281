package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"task-lifecycle/internal/app"
	"task-lifecycle/internal/config"
	"task-lifecycle/internal/logger"
	"task-lifecycle/internal/telemetry"
	"task-lifecycle/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Error("startup", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Store.RunMigrations(ctx); err != nil {
		log.Error("migrations", "error", err)
		os.Exit(1)
	}
	if a.Redis == nil && cfg.StoreDriver == config.DriverPostgres {
		log.Warn("no REDIS_ADDR: batch runs from several workers will not be mutually excluded")
	}

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", "error", err)
		}
	}()

	log.Info("worker started", "drain_interval", cfg.DrainInterval, "backoff_initial", cfg.BackoffInitial)
	drainer := worker.NewDrainer(cfg, a.Service, log)
	if err := drainer.Run(logger.WithContext(ctx, log)); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("worker stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metrics.Shutdown(shutdownCtx)
}
