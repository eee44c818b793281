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

	"task-lifecycle/internal/api"
	"task-lifecycle/internal/app"
	"task-lifecycle/internal/config"
	"task-lifecycle/internal/logger"
	"task-lifecycle/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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

	var (
		feed    api.EventReader
		limiter api.RateLimiter
	)
	if a.Redis != nil {
		feed = a.Feed
		limiter = ratelimit.NewLimiter(a.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill)
	}

	server := api.New(cfg, a.Service, feed, limiter, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
