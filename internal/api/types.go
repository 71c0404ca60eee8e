package api

import (
	"time"

	"github.com/BetterDB-inc/monitor-sub000/internal/domain"
)

// WebhookRequest is the body of POST /webhooks and PUT /webhooks/{id}.
// On update, omitted fields keep their stored value.
type WebhookRequest struct {
	Name           string                 `json:"name"`
	URL            string                 `json:"url"`
	Secret         *string                `json:"secret,omitempty"` // generated when omitted on create
	Enabled        *bool                  `json:"enabled,omitempty"`
	Events         []domain.EventType     `json:"events,omitempty"`
	Headers        map[string]string      `json:"headers,omitempty"`
	RetryPolicy    *domain.RetryPolicy    `json:"retryPolicy,omitempty"`
	DeliveryConfig *domain.DeliveryConfig `json:"deliveryConfig,omitempty"`
	AlertConfig    *domain.AlertConfig    `json:"alertConfig,omitempty"`
	Thresholds     map[string]float64     `json:"thresholds,omitempty"`
	ConnectionID   *string                `json:"connectionId,omitempty"`
}

type WebhookResponse struct {
	ID             string                 `json:"id"`
	Name           string                 `json:"name"`
	URL            string                 `json:"url"`
	Secret         string                 `json:"secret,omitempty"`
	Enabled        bool                   `json:"enabled"`
	Events         []domain.EventType     `json:"events"`
	Headers        map[string]string      `json:"headers,omitempty"`
	RetryPolicy    domain.RetryPolicy     `json:"retryPolicy"`
	DeliveryConfig *domain.DeliveryConfig `json:"deliveryConfig,omitempty"`
	AlertConfig    *domain.AlertConfig    `json:"alertConfig,omitempty"`
	Thresholds     map[string]float64     `json:"thresholds,omitempty"`
	ConnectionID   *string                `json:"connectionId,omitempty"`
	CreatedAt      string                 `json:"createdAt"`
	UpdatedAt      string                 `json:"updatedAt"`
}

type ListWebhooksResponse struct {
	Webhooks []WebhookResponse `json:"webhooks"`
}

type DeliveryResponse struct {
	ID           string         `json:"id"`
	WebhookID    string         `json:"webhookId"`
	EventType    string         `json:"eventType"`
	Payload      domain.Payload `json:"payload"`
	Status       string         `json:"status"`
	StatusCode   int            `json:"statusCode,omitempty"`
	ResponseBody string         `json:"responseBody,omitempty"`
	Attempts     int            `json:"attempts"`
	NextRetryAt  *string        `json:"nextRetryAt,omitempty"`
	CreatedAt    string         `json:"createdAt"`
	CompletedAt  *string        `json:"completedAt,omitempty"`
	DurationMs   int64          `json:"durationMs,omitempty"`
}

type ListDeliveriesResponse struct {
	Deliveries []DeliveryResponse `json:"deliveries"`
}

type RetryStatsResponse struct {
	PendingRetries int     `json:"pendingRetries"`
	NextRetryTime  *string `json:"nextRetryTime"`
}

// EventRequest queues an event for asynchronous dispatch.
type EventRequest struct {
	Event        domain.EventType `json:"event"`
	Data         map[string]any   `json:"data"`
	ConnectionID string           `json:"connectionId,omitempty"`
}

type ThresholdAlertRequest struct {
	Event        domain.EventType `json:"event"`
	AlertKey     string           `json:"alertKey"`
	Value        float64          `json:"value"`
	Threshold    float64          `json:"threshold"`
	Above        *bool            `json:"above,omitempty"` // default true
	Data         map[string]any   `json:"data,omitempty"`
	ConnectionID string           `json:"connectionId,omitempty"`
}

type PerWebhookAlertRequest struct {
	Event        domain.EventType `json:"event"`
	AlertKey     string           `json:"alertKey"`
	Value        float64          `json:"value"`
	ThresholdKey string           `json:"thresholdKey"`
	Above        *bool            `json:"above,omitempty"` // default true
	Data         map[string]any   `json:"data,omitempty"`
}

type AlertResponse struct {
	Fired int `json:"fired"`
}

type EventTypesResponse struct {
	Events     []domain.EventType `json:"events"`
	Thresholds map[string]float64 `json:"defaultThresholds"`
}

// AnalyticsResponse holds outcome counts for the analytics window containing At.
type AnalyticsResponse struct {
	WebhookID string           `json:"webhookId"`
	Event     domain.EventType `json:"event"`
	At        string           `json:"at"`
	Counts    map[string]int64 `json:"counts"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toWebhookResponse(w domain.Webhook) WebhookResponse {
	events := w.Events
	if events == nil {
		events = []domain.EventType{}
	}
	return WebhookResponse{
		ID:             w.ID.String(),
		Name:           w.Name,
		URL:            w.URL,
		Secret:         maskSecret(w.Secret),
		Enabled:        w.Enabled,
		Events:         events,
		Headers:        w.Headers,
		RetryPolicy:    w.RetryPolicy,
		DeliveryConfig: w.DeliveryConfig,
		AlertConfig:    w.AlertConfig,
		Thresholds:     w.Thresholds,
		ConnectionID:   w.ConnectionID,
		CreatedAt:      formatTime(w.CreatedAt),
		UpdatedAt:      formatTime(w.UpdatedAt),
	}
}

func toDeliveryResponse(d domain.Delivery) DeliveryResponse {
	return DeliveryResponse{
		ID:           d.ID.String(),
		WebhookID:    d.WebhookID.String(),
		EventType:    string(d.EventType),
		Payload:      d.Payload,
		Status:       string(d.Status),
		StatusCode:   d.StatusCode,
		ResponseBody: d.ResponseBody,
		Attempts:     d.Attempts,
		NextRetryAt:  formatTimePtr(d.NextRetryAt),
		CreatedAt:    formatTime(d.CreatedAt),
		CompletedAt:  formatTimePtr(d.CompletedAt),
		DurationMs:   d.DurationMs,
	}
}

// maskSecret keeps a short prefix so operators can tell secrets apart.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:6] + "***"
}
