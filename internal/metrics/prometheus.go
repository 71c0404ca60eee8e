package metrics

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Dispatcher metrics
	eventsDispatchedTotal *prometheus.CounterVec
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	webhookDuration       prometheus.Histogram
	eventsInFlight        prometheus.Gauge

	// Retry scheduler metrics
	sweepsTotal        prometheus.Counter
	sweepErrorsTotal   prometheus.Counter
	sweepsSkippedTotal prometheus.Counter
	sweepClaimedTotal  prometheus.Counter
	sweepDuration      prometheus.Histogram
	manualRetriesTotal prometheus.Counter

	// Alert metrics
	alertsFiredTotal     *prometheus.CounterVec
	alertsRecoveredTotal *prometheus.CounterVec

	// EventBus metrics
	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	bufferSaturation prometheus.Gauge
	emitErrorsTotal  prometheus.Counter

	// Maintenance metrics
	requeuedTotal prometheus.Counter
	prunedTotal   prometheus.Counter

	// Leader election metrics
	isLeader        prometheus.Gauge
	leaderAcquired  prometheus.Counter
	leaderLostTotal *prometheus.CounterVec

	logger *slog.Logger
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{logger: slog.Default().With("component", "metrics")}
	s.initDispatcherMetrics(reg)
	s.initSchedulerMetrics(reg)
	s.initAlertMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initMaintenanceMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.eventsDispatchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_dispatcher_events_total",
		Help: "Total number of events dispatched, by event type.",
	}, []string{"event"})

	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_dispatcher_delivery_attempts_total",
		Help: "Total number of webhook delivery attempts.",
	}, []string{"attempt", "status_class"})

	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_dispatcher_delivery_outcomes_total",
		Help: "Delivery status after each attempt (success, retrying, failed, skipped).",
	}, []string{"outcome"})

	s.webhookDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "webhooks_dispatcher_webhook_duration_seconds",
		Help:    "Webhook request latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "webhooks_dispatcher_events_in_flight",
		Help: "Number of events currently being fanned out.",
	})

	s.register(reg, s.eventsDispatchedTotal, "webhooks_dispatcher_events_total")
	s.register(reg, s.deliveryAttemptsTotal, "webhooks_dispatcher_delivery_attempts_total")
	s.register(reg, s.deliveryOutcomesTotal, "webhooks_dispatcher_delivery_outcomes_total")
	s.register(reg, s.webhookDuration, "webhooks_dispatcher_webhook_duration_seconds")
	s.register(reg, s.eventsInFlight, "webhooks_dispatcher_events_in_flight")
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.sweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webhooks_retry_sweeps_total",
		Help: "Total number of retry sweeps executed.",
	})
	s.sweepErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webhooks_retry_sweep_errors_total",
		Help: "Total number of retry sweeps that failed to claim deliveries.",
	})
	s.sweepsSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webhooks_retry_sweeps_skipped_total",
		Help: "Ticks skipped because the previous sweep was still running.",
	})
	s.sweepClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webhooks_retry_claimed_total",
		Help: "Total number of deliveries claimed for retry.",
	})
	s.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "webhooks_retry_sweep_duration_seconds",
		Help:    "Duration of each retry sweep in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})
	s.manualRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webhooks_retry_manual_total",
		Help: "Total number of manual retries requested.",
	})

	s.register(reg, s.sweepsTotal, "webhooks_retry_sweeps_total")
	s.register(reg, s.sweepErrorsTotal, "webhooks_retry_sweep_errors_total")
	s.register(reg, s.sweepsSkippedTotal, "webhooks_retry_sweeps_skipped_total")
	s.register(reg, s.sweepClaimedTotal, "webhooks_retry_claimed_total")
	s.register(reg, s.sweepDuration, "webhooks_retry_sweep_duration_seconds")
	s.register(reg, s.manualRetriesTotal, "webhooks_retry_manual_total")
}

func (s *PrometheusSink) initAlertMetrics(reg prometheus.Registerer) {
	s.alertsFiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_alerts_fired_total",
		Help: "Threshold alerts that passed hysteresis and were dispatched.",
	}, []string{"event"})
	s.alertsRecoveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_alerts_recovered_total",
		Help: "Threshold alerts cleared after crossing the recovery band.",
	}, []string{"event"})

	s.register(reg, s.alertsFiredTotal, "webhooks_alerts_fired_total")
	s.register(reg, s.alertsRecoveredTotal, "webhooks_alerts_recovered_total")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "webhooks_eventbus_buffer_size",
		Help: "Current number of events in the event bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "webhooks_eventbus_buffer_capacity",
		Help: "Capacity of the event bus buffer.",
	})
	s.bufferSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "webhooks_eventbus_buffer_saturation",
		Help: "Buffer size divided by capacity.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webhooks_eventbus_emit_errors_total",
		Help: "Total number of emit errors (buffer full).",
	})

	s.register(reg, s.bufferSize, "webhooks_eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "webhooks_eventbus_buffer_capacity")
	s.register(reg, s.bufferSaturation, "webhooks_eventbus_buffer_saturation")
	s.register(reg, s.emitErrorsTotal, "webhooks_eventbus_emit_errors_total")
}

func (s *PrometheusSink) initMaintenanceMetrics(reg prometheus.Registerer) {
	s.requeuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webhooks_reconciler_requeued_total",
		Help: "Deliveries stuck in pending that were requeued for retry.",
	})
	s.prunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webhooks_pruner_deleted_total",
		Help: "Terminal deliveries deleted by retention pruning.",
	})

	s.register(reg, s.requeuedTotal, "webhooks_reconciler_requeued_total")
	s.register(reg, s.prunedTotal, "webhooks_pruner_deleted_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "webhooks_maintenance_is_leader",
		Help: "1 if this instance runs the reconciler and pruner, 0 otherwise.",
	})
	s.leaderAcquired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "webhooks_maintenance_leader_acquired_total",
		Help: "Times this instance acquired maintenance leadership.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhooks_maintenance_leader_lost_total",
		Help: "Times this instance lost maintenance leadership, by reason.",
	}, []string{"reason"})

	s.register(reg, s.isLeader, "webhooks_maintenance_is_leader")
	s.register(reg, s.leaderAcquired, "webhooks_maintenance_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "webhooks_maintenance_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("failed to register collector", "metric", name, "error", err)
	}
}

// Dispatcher metrics implementation

func (s *PrometheusSink) EventDispatched(eventType string, subscribers int) {
	s.eventsDispatchedTotal.WithLabelValues(eventType).Inc()
}

func (s *PrometheusSink) DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.webhookDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

// Retry scheduler metrics implementation

func (s *PrometheusSink) SweepStarted() {
	s.sweepsTotal.Inc()
}

func (s *PrometheusSink) SweepCompleted(duration time.Duration, claimed int, err error) {
	s.sweepDuration.Observe(duration.Seconds())
	s.sweepClaimedTotal.Add(float64(claimed))
	if err != nil {
		s.sweepErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) SweepSkipped() {
	s.sweepsSkippedTotal.Inc()
}

func (s *PrometheusSink) ManualRetry() {
	s.manualRetriesTotal.Inc()
}

// Alert metrics implementation

func (s *PrometheusSink) AlertFired(eventType string) {
	s.alertsFiredTotal.WithLabelValues(eventType).Inc()
}

func (s *PrometheusSink) AlertRecovered(eventType string) {
	s.alertsRecoveredTotal.WithLabelValues(eventType).Inc()
}

// EventBus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(saturation float64) {
	s.bufferSaturation.Set(saturation)
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Maintenance metrics implementation

func (s *PrometheusSink) StalePendingRequeued(count int) {
	s.requeuedTotal.Add(float64(count))
}

func (s *PrometheusSink) DeliveriesPruned(count int) {
	s.prunedTotal.Add(float64(count))
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
	} else {
		s.isLeader.Set(0)
	}
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquired.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}
