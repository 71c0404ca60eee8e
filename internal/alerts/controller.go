// Package alerts turns threshold samples into webhook events with
// hysteresis, so a value hovering around its threshold fires once.
package alerts

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/BetterDB-inc/monitor-sub000/internal/dispatcher"
	"github.com/BetterDB-inc/monitor-sub000/internal/domain"
)

// Registry loads alert subscribers regardless of connection scope.
type Registry interface {
	GetWebhooksByEventAllScopes(ctx context.Context, eventType domain.EventType) ([]domain.Webhook, error)
}

type Dispatcher interface {
	DispatchEvent(ctx context.Context, eventType domain.EventType, data map[string]any, scope domain.Scope) []dispatcher.Outcome
	DispatchToWebhook(ctx context.Context, wh domain.Webhook, eventType domain.EventType, data map[string]any) dispatcher.Outcome
}

// MetricsSink records alert transitions. Methods must not block.
type MetricsSink interface {
	AlertFired(eventType string)
	AlertRecovered(eventType string)
}

// ThresholdAlert is a sample checked against a single system-wide threshold.
type ThresholdAlert struct {
	EventType domain.EventType
	AlertKey  string
	Value     float64
	Threshold float64
	Above     bool
	Data      map[string]any
	Scope     domain.Scope
}

// PerWebhookAlert is a sample checked against each subscriber's own
// threshold for ThresholdKey.
type PerWebhookAlert struct {
	EventType    domain.EventType
	AlertKey     string
	Value        float64
	ThresholdKey string
	Above        bool
	Data         map[string]any
}

type Controller struct {
	state      *StateStore
	registry   Registry
	dispatcher Dispatcher
	metrics    MetricsSink // optional, nil = disabled
	logger     *slog.Logger
	clock      func() time.Time
}

func NewController(registry Registry, d Dispatcher) *Controller {
	return &Controller{
		state:      NewStateStore(),
		registry:   registry,
		dispatcher: d,
		logger:     slog.Default().With("component", "alerts"),
		clock:      time.Now,
	}
}

func (c *Controller) WithMetrics(sink MetricsSink) *Controller {
	c.metrics = sink
	return c
}

func (c *Controller) WithLogger(l *slog.Logger) *Controller {
	c.logger = l.With("component", "alerts")
	return c
}

func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	return c
}

// WithStateStore replaces the controller's state, e.g. to share it.
func (c *Controller) WithStateStore(s *StateStore) *Controller {
	c.state = s
	return c
}

func (c *Controller) State() *StateStore {
	return c.state
}

// DispatchThresholdAlert fires a broadcast event the first time the alert
// breaches and stays quiet until the value recovers. It reports whether
// an event was dispatched.
func (c *Controller) DispatchThresholdAlert(ctx context.Context, a ThresholdAlert) bool {
	switch c.state.evaluate(a.AlertKey, a.Value, a.Threshold, domain.DefaultHysteresisFactor, a.Above, c.clock()) {
	case transitionFired:
		c.fired(a.EventType, a.AlertKey, a.Value, a.Threshold)
		// Fired state is committed; the event must go out even if the caller leaves.
		c.dispatcher.DispatchEvent(context.WithoutCancel(ctx), a.EventType, a.Data, a.Scope)
		return true
	case transitionRecovered:
		c.recovered(a.EventType, a.AlertKey, a.Value, a.Threshold)
	}
	return false
}

// DispatchThresholdAlertPerWebhook evaluates the alert separately for every
// subscriber using its own threshold and hysteresis factor, and delivers
// only to the webhooks that fire. It returns the number of webhooks fired.
func (c *Controller) DispatchThresholdAlertPerWebhook(ctx context.Context, a PerWebhookAlert) int {
	webhooks, err := c.registry.GetWebhooksByEventAllScopes(ctx, a.EventType)
	if err != nil {
		c.logger.Error("failed to load alert subscribers", "event", a.EventType, "alert_key", a.AlertKey, "error", err)
		return 0
	}

	now := c.clock()
	var firing []domain.Webhook
	var thresholds []float64
	for _, wh := range webhooks {
		if !wh.Enabled || !wh.Subscribes(a.EventType) {
			continue
		}
		threshold := wh.Threshold(a.ThresholdKey)
		key := a.AlertKey + ":" + wh.ID.String()

		switch c.state.evaluate(key, a.Value, threshold, wh.HysteresisFactor(), a.Above, now) {
		case transitionFired:
			c.fired(a.EventType, key, a.Value, threshold)
			firing = append(firing, wh)
			thresholds = append(thresholds, threshold)
		case transitionRecovered:
			c.recovered(a.EventType, key, a.Value, threshold)
		}
	}

	dispatchCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for i, wh := range firing {
		data := maps.Clone(a.Data)
		if data == nil {
			data = make(map[string]any, 2)
		}
		data["threshold"] = thresholds[i]
		data["thresholdKey"] = a.ThresholdKey

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("panic dispatching alert", "webhook_id", wh.ID, "event", a.EventType, "alert_key", a.AlertKey, "panic", r)
				}
			}()
			c.dispatcher.DispatchToWebhook(dispatchCtx, wh, a.EventType, data)
		}()
	}
	wg.Wait()

	return len(firing)
}

func (c *Controller) fired(eventType domain.EventType, key string, value, threshold float64) {
	c.logger.Info("alert fired", "event", eventType, "alert_key", key, "value", value, "threshold", threshold)
	if c.metrics != nil {
		c.metrics.AlertFired(string(eventType))
	}
}

func (c *Controller) recovered(eventType domain.EventType, key string, value, threshold float64) {
	c.logger.Info("alert recovered", "event", eventType, "alert_key", key, "value", value, "threshold", threshold)
	if c.metrics != nil {
		c.metrics.AlertRecovered(string(eventType))
	}
}
