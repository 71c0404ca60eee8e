// Package pruner deletes old terminal deliveries on a cron schedule.
package pruner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BetterDB-inc/monitor-sub000/internal/cron"
)

type Store interface {
	// PruneOldDeliveries deletes success and failed deliveries created
	// before cutoff and returns how many were removed.
	PruneOldDeliveries(ctx context.Context, cutoff time.Time) (int, error)
}

type MetricsSink interface {
	DeliveriesPruned(count int)
}

type Config struct {
	// Schedule is a cron expression or descriptor. Default: "0 3 * * *".
	Schedule string
	// Timezone the schedule is evaluated in. Default: UTC.
	Timezone string
	// Retention is how long terminal deliveries are kept. Default: 720h.
	Retention time.Duration
}

func DefaultConfig() Config {
	return Config{
		Schedule:  "0 3 * * *",
		Timezone:  "UTC",
		Retention: 30 * 24 * time.Hour,
	}
}

type Pruner struct {
	config   Config
	schedule cron.Schedule
	store    Store
	metrics  MetricsSink // optional, nil = disabled
	logger   *slog.Logger
	clock    func() time.Time
}

func New(config Config, store Store) (*Pruner, error) {
	sched, err := cron.NewParser().Parse(config.Schedule, config.Timezone)
	if err != nil {
		return nil, err
	}
	if config.Retention <= 0 {
		return nil, fmt.Errorf("prune retention must be positive, got %s", config.Retention)
	}
	return &Pruner{
		config:   config,
		schedule: sched,
		store:    store,
		logger:   slog.Default().With("component", "pruner"),
		clock:    time.Now,
	}, nil
}

func (p *Pruner) WithMetrics(sink MetricsSink) *Pruner {
	p.metrics = sink
	return p
}

func (p *Pruner) WithLogger(l *slog.Logger) *Pruner {
	p.logger = l.With("component", "pruner")
	return p
}

func (p *Pruner) WithClock(clock func() time.Time) *Pruner {
	p.clock = clock
	return p
}

// NextRun returns the first scheduled run strictly after t.
func (p *Pruner) NextRun(t time.Time) time.Time {
	return p.schedule.Next(t)
}

// Run prunes at every scheduled time until ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) {
	p.logger.Info("started", "schedule", p.config.Schedule, "retention", p.config.Retention)

	for {
		now := p.clock()
		next := p.NextRun(now)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			p.logger.Info("stopped")
			return
		case <-timer.C:
			if _, err := p.PruneOnce(ctx); err != nil {
				p.logger.Error("prune failed", "error", err)
			}
		}
	}
}

// PruneOnce deletes terminal deliveries older than the retention window.
func (p *Pruner) PruneOnce(ctx context.Context) (int, error) {
	cutoff := p.clock().UTC().Add(-p.config.Retention)

	n, err := p.store.PruneOldDeliveries(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}

	p.logger.Info("pruned deliveries", "count", n, "cutoff", cutoff)
	if p.metrics != nil && n > 0 {
		p.metrics.DeliveriesPruned(n)
	}
	return n, nil
}
