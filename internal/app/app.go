// Package app assembles the lifecycle service and its collaborators from
// configuration. The api, worker and taskctl binaries all start here.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"task-lifecycle/internal/archive"
	"task-lifecycle/internal/config"
	"task-lifecycle/internal/events"
	"task-lifecycle/internal/lifecycle"
	"task-lifecycle/internal/store"
)

type App struct {
	Config  config.Config
	Log     *slog.Logger
	Store   store.Backend
	Redis   *redis.Client // nil when REDIS_ADDR is empty
	Feed    *events.Feed
	Service *lifecycle.Service
}

// Open connects the store and, when configured, Redis and the archive
// target. It does not run migrations.
func Open(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	st, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	a := &App{Config: cfg, Log: log, Store: st}

	opts := []lifecycle.Option{lifecycle.WithBatchConcurrency(cfg.BatchConcurrency)}
	if cfg.RedisAddr != "" {
		client := events.NewClient(cfg)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			st.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.Redis = client
		a.Feed = events.NewFeed(client, cfg.EventsKey, cfg.EventsMaxLen)
		opts = append(opts,
			lifecycle.WithPublisher(a.Feed),
			lifecycle.WithLocker(events.NewLocker(client), cfg.BatchLockTTL))
	}

	arch, err := archive.New(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("archive: %w", err)
	}
	if arch != nil {
		opts = append(opts, lifecycle.WithArchiver(arch))
	}

	a.Service = lifecycle.NewService(st, opts...)
	log.Info("service ready",
		"store", cfg.StoreDriver,
		"redis", cfg.RedisAddr,
		"archive", arch != nil,
		"batch_concurrency", cfg.BatchConcurrency)
	return a, nil
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	a.Store.Close()
}
