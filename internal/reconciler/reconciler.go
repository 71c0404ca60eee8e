// Package reconciler rescues deliveries stranded in pending.
//
// A delivery is stranded when it was created but its first attempt never
// recorded an outcome (e.g., the process died between the insert and the
// HTTP call, or the store update after the attempt failed).
//
// The reconciler periodically moves such deliveries to retrying with a
// retry time of now, handing them to the retry scheduler. A delivery whose
// first attempt did reach the receiver may therefore be sent twice;
// receivers deduplicate on X-Webhook-Delivery-Id.
package reconciler

import (
	"context"
	"log/slog"
	"time"
)

// Store defines the interface for requeueing stranded deliveries.
type Store interface {
	RequeueStalePending(ctx context.Context, olderThan, now time.Time, limit int) (int, error)
}

// MetricsSink records how many deliveries each cycle requeued.
type MetricsSink interface {
	StalePendingRequeued(count int)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Threshold is the age after which a pending delivery is considered stranded.
	// Must exceed the longest webhook timeout. Default: 10 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of deliveries requeued per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}
}

// Reconciler requeues stranded pending deliveries.
type Reconciler struct {
	config  Config
	store   Store
	metrics MetricsSink // optional, nil = disabled
	logger  *slog.Logger
	clock   func() time.Time
}

// New creates a new Reconciler.
func New(config Config, store Store) *Reconciler {
	return &Reconciler{
		config: config,
		store:  store,
		logger: slog.Default().With("component", "reconciler"),
		clock:  time.Now,
	}
}

func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

func (r *Reconciler) WithLogger(l *slog.Logger) *Reconciler {
	r.logger = l.With("component", "reconciler")
	return r
}

func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("started", "interval", r.config.Interval, "threshold", r.config.Threshold, "batch", r.config.BatchSize)

	// Run immediately on startup, then on ticker
	r.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stopped")
			return
		case <-ticker.C:
			r.RunCycle(ctx)
		}
	}
}

// RunCycle executes one reconciliation cycle and returns the number of
// deliveries requeued.
func (r *Reconciler) RunCycle(ctx context.Context) int {
	now := r.clock().UTC()
	olderThan := now.Add(-r.config.Threshold)

	n, err := r.store.RequeueStalePending(ctx, olderThan, now, r.config.BatchSize)
	if err != nil {
		// DB error: log and abort cycle. Will retry next interval.
		r.logger.Error("failed to requeue stale deliveries", "error", err)
		return 0
	}

	if n == 0 {
		return 0
	}

	r.logger.Warn("requeued stranded pending deliveries", "count", n, "older_than", olderThan)
	if r.metrics != nil {
		r.metrics.StalePendingRequeued(n)
	}
	return n
}
