package metrics

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/BetterDB-inc/monitor-sub000/internal/circuitbreaker"
	"github.com/BetterDB-inc/monitor-sub000/internal/domain"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Dispatcher metrics
	EventDispatched(eventType string, subscribers int)
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	EventsInFlightIncr()
	EventsInFlightDecr()

	// Retry scheduler metrics
	SweepStarted()
	SweepCompleted(duration time.Duration, claimed int, err error)
	SweepSkipped()
	ManualRetry()

	// Alert metrics
	AlertFired(eventType string)
	AlertRecovered(eventType string)

	// EventBus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()

	// Maintenance metrics
	StalePendingRequeued(count int)
	DeliveriesPruned(count int)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Outcome constants for DeliveryOutcome metric.
const (
	OutcomeSuccess  = "success"
	OutcomeRetrying = "retrying"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped" // webhook missing or disabled at retry time
)

// StatusClass constants for DeliveryAttemptCompleted metric.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassCircuitOpen     = "circuit_open"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a status code and error to a status class.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		return classifyError(err)
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}

func classifyError(err error) string {
	if domain.HasTextCode(err, circuitbreaker.TextCodeCircuitOpen) {
		return StatusClassCircuitOpen
	}
	// RetryableError does not unwrap; its base error does.
	var retryable *goerrors.RetryableError
	if errors.As(err, &retryable) && retryable.BaseError != nil {
		err = retryable.BaseError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return StatusClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusClassTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return StatusClassTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "dial"):
		return StatusClassConnectionError
	default:
		return StatusClassOtherError
	}
}
