// Package scheduler periodically re-attempts deliveries whose retry time
// has come, and serves manual retries.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"github.com/BetterDB-inc/monitor-sub000/internal/dispatcher"
	"github.com/BetterDB-inc/monitor-sub000/internal/domain"
	"github.com/BetterDB-inc/monitor-sub000/internal/metrics"
)

// ErrSweepInProgress is returned by Sweep when the previous sweep has not finished.
var ErrSweepInProgress = goerrors.New("retry sweep already in progress", goerrors.CategoryConflict).
	WithTextCode("SWEEP_IN_PROGRESS")

type Store interface {
	// ClaimRetriableDeliveries returns up to limit retrying deliveries whose
	// next retry time is not after claim.At, stamped with claim. Concurrent
	// callers never receive the same delivery while its claim is live.
	ClaimRetriableDeliveries(ctx context.Context, claim domain.Claim, limit int) ([]domain.Delivery, error)
	ReopenDelivery(ctx context.Context, id uuid.UUID, claim domain.Claim) (domain.Delivery, error)
	GetDelivery(ctx context.Context, id uuid.UUID) (domain.Delivery, error)
	UpdateDelivery(ctx context.Context, id uuid.UUID, update domain.DeliveryUpdate) error
	GetWebhook(ctx context.Context, id uuid.UUID) (domain.Webhook, error)
	GetRetryStats(ctx context.Context) (domain.RetryStats, error)
}

// Deliverer performs one attempt and records its outcome.
type Deliverer interface {
	Deliver(ctx context.Context, wh domain.Webhook, delivery domain.Delivery) dispatcher.Outcome
}

// MetricsSink defines the interface for recording retry scheduler metrics.
type MetricsSink interface {
	SweepStarted()
	SweepCompleted(duration time.Duration, claimed int, err error)
	SweepSkipped()
	ManualRetry()
	DeliveryOutcome(outcome string)
}

type Config struct {
	Interval   time.Duration
	BatchSize  int
	ClaimLease time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:   10 * time.Second,
		BatchSize:  10,
		ClaimLease: 2 * time.Minute,
	}
}

type Scheduler struct {
	config    Config
	store     Store
	deliverer Deliverer
	metrics   MetricsSink // optional, nil = disabled
	logger    *slog.Logger
	clock     func() time.Time
	running   atomic.Bool
}

func New(config Config, store Store, deliverer Deliverer) *Scheduler {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.ClaimLease <= 0 {
		config.ClaimLease = def.ClaimLease
	}
	return &Scheduler{
		config:    config,
		store:     store,
		deliverer: deliverer,
		logger:    slog.Default().With("component", "retry_scheduler"),
		clock:     time.Now,
	}
}

func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

func (s *Scheduler) WithLogger(l *slog.Logger) *Scheduler {
	s.logger = l.With("component", "retry_scheduler")
	return s
}

func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// Run sweeps immediately and then on every interval until ctx is cancelled.
// A tick that finds the previous sweep still running is skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("started", "interval", s.config.Interval, "batch_size", s.config.BatchSize)

	var wg sync.WaitGroup
	sweep := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runSweep(ctx)
		}()
	}

	sweep()
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			s.logger.Info("stopped")
			return ctx.Err()
		case <-ticker.C:
			sweep()
		}
	}
}

func (s *Scheduler) runSweep(ctx context.Context) {
	n, err := s.Sweep(ctx)
	switch {
	case goerrors.Is(err, ErrSweepInProgress):
		s.logger.Debug("previous sweep still running, tick skipped")
	case err != nil:
		s.logger.Error("sweep failed", "error", err)
	case n > 0:
		s.logger.Info("sweep complete", "processed", n)
	}
}

// Sweep claims one batch of due deliveries and processes them concurrently.
// It returns the number of deliveries processed.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		if s.metrics != nil {
			s.metrics.SweepSkipped()
		}
		return 0, ErrSweepInProgress
	}
	defer s.running.Store(false)

	start := s.clock()
	if s.metrics != nil {
		s.metrics.SweepStarted()
	}

	claim := domain.NewClaim(start.UTC(), s.config.ClaimLease)
	deliveries, err := s.store.ClaimRetriableDeliveries(ctx, claim, s.config.BatchSize)
	if err != nil {
		err = fmt.Errorf("claim retriable deliveries: %w", err)
		if s.metrics != nil {
			s.metrics.SweepCompleted(s.clock().Sub(start), 0, err)
		}
		return 0, err
	}

	// Claimed deliveries are attempted to completion even if ctx is
	// cancelled meanwhile; only the webhook timeout bounds an attempt.
	attemptCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for _, d := range deliveries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.process(attemptCtx, d)
		}()
	}
	wg.Wait()

	if s.metrics != nil {
		s.metrics.SweepCompleted(s.clock().Sub(start), len(deliveries), nil)
	}
	return len(deliveries), nil
}

// process re-attempts d, or fails it without a network call when its
// webhook is gone or disabled. Panics and lookup errors fail the delivery.
func (s *Scheduler) process(ctx context.Context, d domain.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic processing retry", "delivery_id", d.ID, "panic", r)
			s.fail(ctx, d, fmt.Sprintf("internal error: %v", r))
		}
	}()

	wh, err := s.store.GetWebhook(ctx, d.WebhookID)
	switch {
	case goerrors.IsNotFound(err):
		s.skip(ctx, d, "webhook no longer exists")
		return
	case err != nil:
		s.logger.Error("failed to load webhook for retry", "delivery_id", d.ID, "webhook_id", d.WebhookID, "error", err)
		s.fail(ctx, d, "webhook lookup failed")
		return
	case !wh.Enabled:
		s.skip(ctx, d, "webhook disabled")
		return
	}

	s.deliverer.Deliver(ctx, wh, d)
}

func (s *Scheduler) skip(ctx context.Context, d domain.Delivery, reason string) {
	s.logger.Info("retry skipped, failing delivery", "delivery_id", d.ID, "webhook_id", d.WebhookID, "reason", reason)
	if s.metrics != nil {
		s.metrics.DeliveryOutcome(metrics.OutcomeSkipped)
	}
	s.fail(ctx, d, reason)
}

// fail marks d failed under its claim. Errors are logged only.
func (s *Scheduler) fail(ctx context.Context, d domain.Delivery, reason string) {
	now := s.clock().UTC()
	update := domain.DeliveryUpdate{
		Status:       domain.DeliveryStatusFailed,
		StatusCode:   d.StatusCode,
		ResponseBody: reason,
		Attempts:     d.Attempts,
		CompletedAt:  &now,
		DurationMs:   d.DurationMs,
	}
	if d.ClaimToken != uuid.Nil {
		token := d.ClaimToken
		update.ExpectedClaim = &token
	}

	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.UpdateDelivery(updateCtx, d.ID, update); err != nil {
		s.logger.Warn("failed to mark delivery failed", "delivery_id", d.ID, "error", err)
	}
}

// ManualRetry reopens a delivery and attempts it immediately in the
// caller's goroutine. Unknown and already succeeded deliveries are
// rejected. It returns the delivery as stored after the attempt.
func (s *Scheduler) ManualRetry(ctx context.Context, id uuid.UUID) (domain.Delivery, error) {
	claim := domain.NewClaim(s.clock().UTC(), s.config.ClaimLease)
	d, err := s.store.ReopenDelivery(ctx, id, claim)
	if err != nil {
		return domain.Delivery{}, err
	}
	if s.metrics != nil {
		s.metrics.ManualRetry()
	}
	s.logger.Info("manual retry", "delivery_id", id, "attempts", d.Attempts)

	ctx = context.WithoutCancel(ctx)
	s.process(ctx, d)

	return s.store.GetDelivery(ctx, id)
}

// Stats reports how many deliveries are waiting for a retry and when the
// earliest is due.
func (s *Scheduler) Stats(ctx context.Context) (domain.RetryStats, error) {
	return s.store.GetRetryStats(ctx)
}
