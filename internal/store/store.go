// Package store persists tasks and their status history.
package store

import (
	"context"
	"fmt"

	"task-lifecycle/internal/config"
	"task-lifecycle/internal/lifecycle"
)

// Backend is a lifecycle.Store that owns its connections and schema.
type Backend interface {
	lifecycle.Store
	RunMigrations(ctx context.Context) error
	Close()
}

var (
	_ Backend = (*Postgres)(nil)
	_ Backend = (*SQLite)(nil)
)

// Open connects to the backend selected by cfg.StoreDriver.
func Open(ctx context.Context, cfg config.Config) (Backend, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pg, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case config.DriverSQLite:
		lite, err := OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return lite, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
