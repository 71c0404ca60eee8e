package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/BetterDB-inc/monitor-sub000/internal/domain"
	"github.com/BetterDB-inc/monitor-sub000/internal/testutil"
)

var at = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func newTestSink(t *testing.T, cfg domain.AnalyticsConfig) (*RedisSink, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	sink := NewRedisSink(client, cfg).
		WithLogger(testutil.DiscardLogger()).
		WithClock(testutil.NewFakeClock(at).Now)
	return sink, mr
}

func TestRedisSink_RecordIncrementsCounters(t *testing.T) {
	sink, mr := newTestSink(t, domain.DefaultAnalyticsConfig())
	ctx := context.Background()
	id := uuid.New()

	sink.Record(ctx, id, domain.EventMemoryCritical, domain.DeliveryStatusSuccess)
	sink.Record(ctx, id, domain.EventMemoryCritical, domain.DeliveryStatusSuccess)
	sink.Record(ctx, id, domain.EventMemoryCritical, domain.DeliveryStatusRetrying)
	sink.Record(ctx, uuid.New(), domain.EventMemoryCritical, domain.DeliveryStatusSuccess)

	if n, err := sink.Count(ctx, id, domain.EventMemoryCritical, domain.DeliveryStatusSuccess, at); err != nil || n != 2 {
		t.Errorf("webhook success count = %d, %v; want 2", n, err)
	}
	if n, _ := sink.Count(ctx, id, domain.EventMemoryCritical, domain.DeliveryStatusRetrying, at); n != 1 {
		t.Errorf("webhook retrying count = %d, want 1", n)
	}
	if n, _ := sink.EventCount(ctx, domain.EventMemoryCritical, domain.DeliveryStatusSuccess, at); n != 3 {
		t.Errorf("event success count = %d, want 3", n)
	}

	key := "wh:" + id.String() + ":e:memory.critical:success:2026031415"
	if !mr.Exists(key) {
		t.Fatalf("expected key %s", key)
	}
	if ttl := mr.TTL(key); ttl != 7*24*time.Hour {
		t.Errorf("TTL = %v, want 168h", ttl)
	}
}

func TestRedisSink_Disabled(t *testing.T) {
	cfg := domain.DefaultAnalyticsConfig()
	cfg.Enabled = false
	sink, mr := newTestSink(t, cfg)

	sink.Record(context.Background(), uuid.New(), domain.EventInstanceDown, domain.DeliveryStatusFailed)
	if keys := mr.Keys(); len(keys) != 0 {
		t.Errorf("disabled sink wrote keys: %v", keys)
	}
}

func TestRedisSink_CountMissingKeyIsZero(t *testing.T) {
	sink, _ := newTestSink(t, domain.DefaultAnalyticsConfig())
	n, err := sink.Count(context.Background(), uuid.New(), domain.EventInstanceDown, domain.DeliveryStatusFailed, at)
	if err != nil || n != 0 {
		t.Errorf("Count = %d, %v; want 0, nil", n, err)
	}
}

func TestRedisSink_RedisDownIsSwallowed(t *testing.T) {
	sink, mr := newTestSink(t, domain.DefaultAnalyticsConfig())
	mr.Close()

	// Must not panic or block.
	sink.Record(context.Background(), uuid.New(), domain.EventInstanceDown, domain.DeliveryStatusFailed)

	if err := sink.Write(context.Background(), uuid.New(), domain.EventInstanceDown, domain.DeliveryStatusFailed); err == nil {
		t.Error("Write should report the redis error")
	}
}

func TestTruncateToBucket(t *testing.T) {
	tests := []struct {
		window time.Duration
		want   string
	}{
		{time.Minute, "202603141509"},
		{5 * time.Minute, "202603141505"},
		{time.Hour, "2026031415"},
		{0, "202603141509"},
	}
	for _, tt := range tests {
		if got := truncateToBucket(at, tt.window); got != tt.want {
			t.Errorf("truncateToBucket(%v) = %s, want %s", tt.window, got, tt.want)
		}
	}
}
