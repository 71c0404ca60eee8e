package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"github.com/BetterDB-inc/monitor-sub000/internal/domain"
	"github.com/BetterDB-inc/monitor-sub000/internal/metrics"
)

// DefaultDrainTimeout is the maximum time to wait for buffered events during shutdown.
const DefaultDrainTimeout = 30 * time.Second

// storeTimeout bounds bookkeeping writes that outlive the caller's context.
const storeTimeout = 5 * time.Second

type Store interface {
	// GetWebhooksByEvent returns enabled webhooks subscribed to eventType
	// and visible to scope.
	GetWebhooksByEvent(ctx context.Context, eventType domain.EventType, scope domain.Scope) ([]domain.Webhook, error)
	CreateDelivery(ctx context.Context, delivery domain.Delivery) error
	// UpdateDelivery applies a partial update. Implementations MUST reject
	// updates to terminal deliveries with domain.ErrStatusTransitionDenied
	// and stale claims with domain.ErrClaimLost.
	UpdateDelivery(ctx context.Context, id uuid.UUID, update domain.DeliveryUpdate) error
}

type Sender interface {
	Send(ctx context.Context, req Request) Result
}

type AnalyticsSink interface {
	Record(ctx context.Context, webhookID uuid.UUID, eventType domain.EventType, status domain.DeliveryStatus)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	EventDispatched(eventType string, subscribers int)
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	EventsInFlightIncr()
	EventsInFlightDecr()
}

type Request struct {
	URL                  string
	Secret               string
	Headers              map[string]string
	Timeout              time.Duration
	MaxResponseBodyBytes int
	Payload              domain.Payload
	WebhookID            uuid.UUID
	DeliveryID           uuid.UUID
	Test                 bool
}

type Result struct {
	StatusCode   int
	ResponseBody string
	Err          error
	Duration     time.Duration
	TimedOut     bool
}

func (r Result) IsSuccess() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Outcome summarises one attempt for a single webhook.
type Outcome struct {
	WebhookID  uuid.UUID
	DeliveryID uuid.UUID
	Status     domain.DeliveryStatus
	StatusCode int
	Attempts   int
	Err        error
}

// TestResult is returned by TestWebhook. It never carries a Go error.
type TestResult struct {
	Success      bool   `json:"success"`
	StatusCode   int    `json:"statusCode,omitempty"`
	ResponseBody string `json:"responseBody,omitempty"`
	Error        string `json:"error,omitempty"`
	DurationMs   int64  `json:"durationMs"`
}

type Dispatcher struct {
	store           Store
	sender          Sender
	analytics       AnalyticsSink // optional, nil = disabled
	metrics         MetricsSink   // optional, nil = disabled
	logger          *slog.Logger
	clock           func() time.Time
	maxResponseBody int
	drainTimeout    time.Duration
}

func New(store Store, sender Sender) *Dispatcher {
	return &Dispatcher{
		store:           store,
		sender:          sender,
		logger:          slog.Default().With("component", "dispatcher"),
		clock:           time.Now,
		maxResponseBody: domain.DefaultMaxResponseBodyBytes,
		drainTimeout:    DefaultDrainTimeout,
	}
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

func (d *Dispatcher) WithLogger(l *slog.Logger) *Dispatcher {
	d.logger = l.With("component", "dispatcher")
	return d
}

func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	d.clock = clock
	return d
}

// WithMaxResponseBody sets the default response body cap for webhooks
// without their own delivery config.
func (d *Dispatcher) WithMaxResponseBody(n int) *Dispatcher {
	if n > 0 {
		d.maxResponseBody = n
	}
	return d
}

func (d *Dispatcher) WithDrainTimeout(t time.Duration) *Dispatcher {
	if t > 0 {
		d.drainTimeout = t
	}
	return d
}

// Run dispatches events from the channel until context is cancelled.
// After cancellation, it drains remaining buffered events with a timeout.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			d.drain(ch)
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			d.DispatchEvent(ctx, event.Type, event.Data, event.Scope)
		}
	}
}

// drain processes remaining events in the channel buffer after shutdown signal.
// Uses a background context since the main context is already cancelled.
func (d *Dispatcher) drain(ch <-chan domain.Event) {
	drainCtx, cancel := context.WithTimeout(context.Background(), d.drainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			if count > 0 {
				d.logger.Warn("drain timeout", "processed", count)
			}
			return
		case event, ok := <-ch:
			if !ok {
				d.logger.Info("drain complete", "processed", count)
				return
			}
			d.DispatchEvent(drainCtx, event.Type, event.Data, event.Scope)
			count++
		default:
			if count > 0 {
				d.logger.Info("drain complete", "processed", count)
			}
			return
		}
	}
}

// DispatchEvent fans eventType out to every enabled subscriber visible to
// scope and waits for all attempts to settle. Subscriber failures are
// logged and never returned. Cancelling ctx does not interrupt a dispatch
// that has started.
func (d *Dispatcher) DispatchEvent(ctx context.Context, eventType domain.EventType, data map[string]any, scope domain.Scope) []Outcome {
	ctx = context.WithoutCancel(ctx)
	if d.metrics != nil {
		d.metrics.EventsInFlightIncr()
		defer d.metrics.EventsInFlightDecr()
	}

	webhooks, err := d.store.GetWebhooksByEvent(ctx, eventType, scope)
	if err != nil {
		d.logger.Error("failed to load subscribers", "event", eventType, "error", err)
		return nil
	}

	targets := webhooks[:0:0]
	for _, wh := range webhooks {
		if wh.Enabled && wh.Subscribes(eventType) && wh.VisibleTo(scope) {
			targets = append(targets, wh)
		}
	}

	if d.metrics != nil {
		d.metrics.EventDispatched(string(eventType), len(targets))
	}
	if len(targets) == 0 {
		return nil
	}

	outcomes := make([]Outcome, len(targets))
	var wg sync.WaitGroup
	for i, wh := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("panic delivering webhook", "webhook_id", wh.ID, "event", eventType, "panic", r)
					outcomes[i] = Outcome{WebhookID: wh.ID, Err: fmt.Errorf("panic: %v", r)}
				}
			}()
			outcomes[i] = d.DispatchToWebhook(ctx, wh, eventType, data)
		}()
	}
	wg.Wait()

	for _, o := range outcomes {
		if o.Err != nil || o.Status == domain.DeliveryStatusFailed {
			d.logger.Warn("webhook delivery did not succeed",
				"webhook_id", o.WebhookID, "delivery_id", o.DeliveryID, "event", eventType,
				"status", o.Status, "status_code", o.StatusCode, "error", o.Err)
		}
	}
	return outcomes
}

// DispatchToWebhook creates a delivery for a single webhook and makes the
// first attempt.
func (d *Dispatcher) DispatchToWebhook(ctx context.Context, wh domain.Webhook, eventType domain.EventType, data map[string]any) Outcome {
	ctx = context.WithoutCancel(ctx)
	now := d.clock().UTC()
	if data == nil {
		data = map[string]any{}
	}
	delivery := domain.Delivery{
		ID:        uuid.New(),
		WebhookID: wh.ID,
		EventType: eventType,
		Payload: domain.Payload{
			ID:        uuid.NewString(),
			Event:     eventType,
			Timestamp: now.UnixMilli(),
			Data:      data,
		},
		Status:    domain.DeliveryStatusPending,
		CreatedAt: now,
	}

	if err := d.store.CreateDelivery(ctx, delivery); err != nil {
		d.logger.Error("failed to create delivery", "webhook_id", wh.ID, "event", eventType, "error", err)
		return Outcome{WebhookID: wh.ID, DeliveryID: delivery.ID, Err: err}
	}

	return d.Deliver(ctx, wh, delivery)
}

// Deliver performs one attempt for delivery and records the resulting
// state. Failures to record are logged and not returned.
func (d *Dispatcher) Deliver(ctx context.Context, wh domain.Webhook, delivery domain.Delivery) Outcome {
	// An attempt in flight is bounded by the webhook timeout only.
	result := d.sender.Send(context.WithoutCancel(ctx), Request{
		URL:                  wh.URL,
		Secret:               wh.Secret,
		Headers:              wh.Headers,
		Timeout:              wh.Timeout(),
		MaxResponseBodyBytes: wh.MaxResponseBody(d.maxResponseBody),
		Payload:              delivery.Payload,
		WebhookID:            wh.ID,
		DeliveryID:           delivery.ID,
	})

	attempts := delivery.Attempts + 1
	if d.metrics != nil {
		d.metrics.DeliveryAttemptCompleted(attempts, metrics.ClassifyStatus(result.StatusCode, result.Err), result.Duration)
	}

	update := d.nextState(wh, delivery, result, attempts)

	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := d.store.UpdateDelivery(updateCtx, delivery.ID, update); err != nil {
		switch {
		case goerrors.Is(err, domain.ErrClaimLost), goerrors.Is(err, domain.ErrStatusTransitionDenied):
			d.logger.Info("delivery changed hands during attempt, dropping update",
				"delivery_id", delivery.ID, "webhook_id", wh.ID, "reason", err)
		default:
			d.logger.Error("failed to update delivery", "delivery_id", delivery.ID, "webhook_id", wh.ID, "error", err)
		}
	}

	if d.metrics != nil {
		d.metrics.DeliveryOutcome(string(update.Status))
	}
	if d.analytics != nil {
		d.analytics.Record(updateCtx, wh.ID, delivery.EventType, update.Status)
	}

	switch update.Status {
	case domain.DeliveryStatusSuccess:
		d.logger.Info("delivered", "delivery_id", delivery.ID, "webhook_id", wh.ID,
			"event", delivery.EventType, "attempt", attempts, "status_code", result.StatusCode)
	case domain.DeliveryStatusRetrying:
		d.logger.Info("attempt failed, retry scheduled", "delivery_id", delivery.ID, "webhook_id", wh.ID,
			"attempt", attempts, "status_code", result.StatusCode, "next_retry_at", update.NextRetryAt, "error", result.Err)
	default:
		d.logger.Warn("retries exhausted", "delivery_id", delivery.ID, "webhook_id", wh.ID,
			"attempt", attempts, "status_code", result.StatusCode, "error", result.Err)
	}

	return Outcome{
		WebhookID:  wh.ID,
		DeliveryID: delivery.ID,
		Status:     update.Status,
		StatusCode: result.StatusCode,
		Attempts:   attempts,
		Err:        result.Err,
	}
}

// nextState applies the backoff rule: success completes, a failure with
// attempts left schedules a retry, anything else fails the delivery.
func (d *Dispatcher) nextState(wh domain.Webhook, delivery domain.Delivery, result Result, attempts int) domain.DeliveryUpdate {
	now := d.clock().UTC()
	update := domain.DeliveryUpdate{
		StatusCode:   result.StatusCode,
		ResponseBody: result.ResponseBody,
		Attempts:     attempts,
		DurationMs:   result.Duration.Milliseconds(),
	}
	if delivery.ClaimToken != uuid.Nil {
		token := delivery.ClaimToken
		update.ExpectedClaim = &token
	}

	switch {
	case result.IsSuccess():
		update.Status = domain.DeliveryStatusSuccess
		update.CompletedAt = &now
	case attempts < wh.RetryPolicy.MaxRetries:
		next := now.Add(wh.RetryPolicy.NextDelay(attempts))
		update.Status = domain.DeliveryStatusRetrying
		update.NextRetryAt = &next
	default:
		update.Status = domain.DeliveryStatusFailed
		update.CompletedAt = &now
	}
	return update
}

// TestWebhook sends a synthetic payload to wh once. Nothing is persisted
// and every failure is folded into the result.
func (d *Dispatcher) TestWebhook(ctx context.Context, wh domain.Webhook) (res TestResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic during test send", "webhook_id", wh.ID, "panic", r)
			res = TestResult{Error: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	eventType := domain.EventInstanceDown
	if len(wh.Events) > 0 {
		eventType = wh.Events[0]
	}
	now := d.clock().UTC()

	result := d.sender.Send(ctx, Request{
		URL:                  wh.URL,
		Secret:               wh.Secret,
		Headers:              wh.Headers,
		Timeout:              wh.Timeout(),
		MaxResponseBodyBytes: TestResponseBodyLimit,
		Payload: domain.Payload{
			ID:        uuid.NewString(),
			Event:     eventType,
			Timestamp: now.UnixMilli(),
			Data: map[string]any{
				"test":      true,
				"message":   "This is a test webhook from BetterDB Monitor",
				"webhookId": wh.ID.String(),
			},
		},
		WebhookID: wh.ID,
		Test:      true,
	})

	res = TestResult{
		Success:      result.IsSuccess(),
		StatusCode:   result.StatusCode,
		ResponseBody: result.ResponseBody,
		DurationMs:   result.Duration.Milliseconds(),
	}
	if result.Err != nil {
		res.Error = result.Err.Error()
	} else if !res.Success {
		res.Error = fmt.Sprintf("HTTP %d", result.StatusCode)
	}
	return res
}
