// Package analytics keeps windowed delivery outcome counters in Redis.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/BetterDB-inc/monitor-sub000/internal/domain"
)

type RedisSink struct {
	client *redis.Client
	config domain.AnalyticsConfig
	logger *slog.Logger
	clock  func() time.Time
}

func NewRedisSink(client *redis.Client, config domain.AnalyticsConfig) *RedisSink {
	return &RedisSink{
		client: client,
		config: config,
		logger: slog.Default().With("component", "analytics"),
		clock:  time.Now,
	}
}

func (s *RedisSink) WithLogger(l *slog.Logger) *RedisSink {
	s.logger = l.With("component", "analytics")
	return s
}

func (s *RedisSink) WithClock(clock func() time.Time) *RedisSink {
	s.clock = clock
	return s
}

// Record counts one attempt outcome for the webhook and for the event type
// overall. Redis failures are logged and dropped.
func (s *RedisSink) Record(ctx context.Context, webhookID uuid.UUID, eventType domain.EventType, status domain.DeliveryStatus) {
	if err := s.Write(ctx, webhookID, eventType, status); err != nil {
		s.logger.Warn("failed to record delivery outcome", "webhook_id", webhookID, "event", eventType, "error", err)
	}
}

func (s *RedisSink) Write(ctx context.Context, webhookID uuid.UUID, eventType domain.EventType, status domain.DeliveryStatus) error {
	if !s.config.Enabled {
		return nil
	}

	now := s.clock()
	keys := []string{
		webhookKey(webhookID, eventType, status, now, s.config.Window),
		eventKey(eventType, status, now, s.config.Window),
	}

	pipe := s.client.Pipeline()
	for _, key := range keys {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, s.config.Retention)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Count returns the webhook's counter for the window containing t.
func (s *RedisSink) Count(ctx context.Context, webhookID uuid.UUID, eventType domain.EventType, status domain.DeliveryStatus, t time.Time) (int64, error) {
	return s.get(ctx, webhookKey(webhookID, eventType, status, t, s.config.Window))
}

// EventCount returns the counter across all webhooks for the window containing t.
func (s *RedisSink) EventCount(ctx context.Context, eventType domain.EventType, status domain.DeliveryStatus, t time.Time) (int64, error) {
	return s.get(ctx, eventKey(eventType, status, t, s.config.Window))
}

func (s *RedisSink) get(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return n, nil
}

func webhookKey(webhookID uuid.UUID, eventType domain.EventType, status domain.DeliveryStatus, t time.Time, window time.Duration) string {
	return fmt.Sprintf("wh:%s:e:%s:%s:%s", webhookID, eventType, status, truncateToBucket(t, window))
}

func eventKey(eventType domain.EventType, status domain.DeliveryStatus, t time.Time, window time.Duration) string {
	return fmt.Sprintf("e:%s:%s:%s", eventType, status, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
