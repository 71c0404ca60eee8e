package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventInstanceDown         EventType = "instance.down"
	EventInstanceUp           EventType = "instance.up"
	EventMemoryCritical       EventType = "memory.critical"
	EventConnectionCritical   EventType = "connection.critical"
	EventClientBlocked        EventType = "client.blocked"
	EventSlowlogThreshold     EventType = "slowlog.threshold"
	EventReplicationLag       EventType = "replication.lag"
	EventClusterFailover      EventType = "cluster.failover"
	EventLatencySpike         EventType = "latency.spike"
	EventConnectionSpike      EventType = "connection.spike"
	EventAnomalyDetected      EventType = "anomaly.detected"
	EventAuditPolicyViolation EventType = "audit.policy.violation"
	EventComplianceAlert      EventType = "compliance.alert"
)

// EventTypes lists every event type a webhook may subscribe to.
var EventTypes = []EventType{
	EventInstanceDown,
	EventInstanceUp,
	EventMemoryCritical,
	EventConnectionCritical,
	EventClientBlocked,
	EventSlowlogThreshold,
	EventReplicationLag,
	EventClusterFailover,
	EventLatencySpike,
	EventConnectionSpike,
	EventAnomalyDetected,
	EventAuditPolicyViolation,
	EventComplianceAlert,
}

func (e EventType) Valid() bool {
	for _, t := range EventTypes {
		if t == e {
			return true
		}
	}
	return false
}

// Threshold keys used by per-webhook alerting.
const (
	ThresholdMemoryCriticalPercent     = "memoryCriticalPercent"
	ThresholdConnectionCriticalPercent = "connectionCriticalPercent"
	ThresholdComplianceMemoryPercent   = "complianceMemoryPercent"
	ThresholdSlowlogCount              = "slowlogCount"
	ThresholdReplicationLagSeconds     = "replicationLagSeconds"
	ThresholdLatencySpikeMs            = "latencySpikeMs"
	ThresholdConnectionSpikeCount      = "connectionSpikeCount"
)

// DefaultThresholds apply when a webhook has no override for a key.
// Zero for the spike keys means "use the detector's baseline".
var DefaultThresholds = map[string]float64{
	ThresholdMemoryCriticalPercent:     90,
	ThresholdConnectionCriticalPercent: 90,
	ThresholdComplianceMemoryPercent:   80,
	ThresholdSlowlogCount:              100,
	ThresholdReplicationLagSeconds:     10,
	ThresholdLatencySpikeMs:            0,
	ThresholdConnectionSpikeCount:      0,
}

const (
	DefaultHysteresisFactor     = 0.9
	DefaultWebhookTimeout       = 30 * time.Second
	DefaultMaxResponseBodyBytes = 10000
)

type RetryPolicy struct {
	MaxRetries        int     `json:"maxRetries"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	InitialDelayMs    int64   `json:"initialDelayMs"`
	MaxDelayMs        int64   `json:"maxDelayMs"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		BackoffMultiplier: 2,
		InitialDelayMs:    1000,
		MaxDelayMs:        60000,
	}
}

// NextDelay returns the wait before the next attempt, given the attempt
// count after the most recent attempt.
func (p RetryPolicy) NextDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(p.InitialDelayMs) * math.Pow(p.BackoffMultiplier, float64(attempts-1))
	if limit := float64(p.MaxDelayMs); delay > limit || math.IsInf(delay, 1) || math.IsNaN(delay) {
		delay = limit
	}
	return time.Duration(delay) * time.Millisecond
}

type DeliveryConfig struct {
	TimeoutMs            int64 `json:"timeoutMs,omitempty"`
	MaxResponseBodyBytes int   `json:"maxResponseBodyBytes,omitempty"`
}

type AlertConfig struct {
	HysteresisFactor *float64 `json:"hysteresisFactor,omitempty"`
}

type Webhook struct {
	ID             uuid.UUID
	Name           string
	URL            string
	Secret         string
	Enabled        bool
	Events         []EventType
	Headers        map[string]string
	RetryPolicy    RetryPolicy
	DeliveryConfig *DeliveryConfig
	AlertConfig    *AlertConfig
	Thresholds     map[string]float64

	// ConnectionID scopes the webhook to one monitored connection.
	// Nil means global.
	ConnectionID *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Scope identifies the connection an event originates from.
// The zero value is the global scope.
type Scope struct {
	ConnectionID string
}

func (s Scope) IsGlobal() bool {
	return s.ConnectionID == ""
}

func (w Webhook) Subscribes(event EventType) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// VisibleTo reports whether a dispatch in scope may reach w. Global
// webhooks see everything; scoped webhooks only see their own connection.
func (w Webhook) VisibleTo(scope Scope) bool {
	if w.ConnectionID == nil || *w.ConnectionID == "" {
		return true
	}
	return !scope.IsGlobal() && *w.ConnectionID == scope.ConnectionID
}

// Threshold resolves the effective value for key.
func (w Webhook) Threshold(key string) float64 {
	if v, ok := w.Thresholds[key]; ok {
		return v
	}
	return DefaultThresholds[key]
}

func (w Webhook) HysteresisFactor() float64 {
	if w.AlertConfig != nil && w.AlertConfig.HysteresisFactor != nil {
		return *w.AlertConfig.HysteresisFactor
	}
	return DefaultHysteresisFactor
}

func (w Webhook) Timeout() time.Duration {
	if w.DeliveryConfig != nil && w.DeliveryConfig.TimeoutMs > 0 {
		return time.Duration(w.DeliveryConfig.TimeoutMs) * time.Millisecond
	}
	return DefaultWebhookTimeout
}

// MaxResponseBody returns the per-webhook cap, or fallback when unset.
func (w Webhook) MaxResponseBody(fallback int) int {
	if w.DeliveryConfig != nil && w.DeliveryConfig.MaxResponseBodyBytes > 0 {
		return w.DeliveryConfig.MaxResponseBodyBytes
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultMaxResponseBodyBytes
}
