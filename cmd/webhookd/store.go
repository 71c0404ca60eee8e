package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/BetterDB-inc/monitor-sub000/internal/alerts"
	"github.com/BetterDB-inc/monitor-sub000/internal/api"
	"github.com/BetterDB-inc/monitor-sub000/internal/config"
	"github.com/BetterDB-inc/monitor-sub000/internal/dispatcher"
	"github.com/BetterDB-inc/monitor-sub000/internal/pruner"
	"github.com/BetterDB-inc/monitor-sub000/internal/reconciler"
	"github.com/BetterDB-inc/monitor-sub000/internal/scheduler"
	"github.com/BetterDB-inc/monitor-sub000/internal/store/memory"
	"github.com/BetterDB-inc/monitor-sub000/internal/store/postgres"
)

// backend is everything the process needs from a store.
type backend interface {
	api.Store
	dispatcher.Store
	scheduler.Store
	alerts.Registry
	reconciler.Store
	pruner.Store
}

type store struct {
	backend
	db     *sql.DB           // nil for the memory driver
	health api.HealthChecker // nil for the memory driver
	close  func() error
}

func (s *store) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// openStore connects the configured driver. For postgres it sizes the pool,
// verifies connectivity and applies the schema.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*store, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		return &store{backend: memory.New()}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	logger.Info("db pool configured",
		"max_open", cfg.DBMaxOpenConns,
		"max_idle", cfg.DBMaxIdleConns,
		"max_lifetime", cfg.DBConnMaxLifetime,
		"max_idle_time", cfg.DBConnMaxIdleTime,
	)

	pg := postgres.New(db, cfg.DBOpTimeout)
	if err := pg.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &store{backend: pg, db: db, health: pg, close: db.Close}, nil
}
