package api

import (
	"strings"
	"testing"

	goerrors "github.com/goliatone/go-errors"

	"github.com/BetterDB-inc/monitor-sub000/internal/domain"
)

func validCreateRequest() WebhookRequest {
	return WebhookRequest{
		Name:   "ops-alerts",
		URL:    "https://example.com/hook",
		Events: []domain.EventType{domain.EventMemoryCritical},
	}
}

func TestValidateCreateWebhook_ValidRequest(t *testing.T) {
	if err := validateCreateWebhook(validCreateRequest()); err != nil {
		t.Errorf("valid request should not return error, got: %v", err)
	}
}

func TestValidateCreateWebhook_RequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*WebhookRequest)
		wantErr string
	}{
		{
			name:    "missing name",
			modify:  func(r *WebhookRequest) { r.Name = "" },
			wantErr: "name is required",
		},
		{
			name:    "missing url",
			modify:  func(r *WebhookRequest) { r.URL = "" },
			wantErr: "url is required",
		},
		{
			name:    "no events",
			modify:  func(r *WebhookRequest) { r.Events = nil },
			wantErr: "events must not be empty",
		},
		{
			name:    "unknown event",
			modify:  func(r *WebhookRequest) { r.Events = []domain.EventType{"disk.full"} },
			wantErr: "unknown event type",
		},
		{
			name:    "name too long",
			modify:  func(r *WebhookRequest) { r.Name = strings.Repeat("a", maxNameLength+1) },
			wantErr: "name must be at most",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validCreateRequest()
			tt.modify(&req)
			err := validateCreateWebhook(req)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
			if !goerrors.IsCategory(err, goerrors.CategoryValidation) {
				t.Errorf("expected validation category, got %v", err)
			}
		})
	}
}

func TestValidateWebhookURL_Valid(t *testing.T) {
	for _, u := range []string{
		"http://example.com",
		"https://example.com/webhook",
		"https://example.com:8443/path?q=1",
		"http://localhost:3000/hook",
	} {
		if err := validateWebhookURL(u); err != nil {
			t.Errorf("validateWebhookURL(%q) returned error: %v", u, err)
		}
	}
}

func TestValidateWebhookURL_Invalid(t *testing.T) {
	for _, u := range []string{
		"ftp://example.com",
		"example.com",
		"https://",
		"://bad",
	} {
		if err := validateWebhookURL(u); err == nil {
			t.Errorf("validateWebhookURL(%q) expected error", u)
		}
	}
}

func TestValidateRetryPolicy(t *testing.T) {
	tests := []struct {
		name    string
		policy  domain.RetryPolicy
		wantErr bool
	}{
		{"default", domain.DefaultRetryPolicy(), false},
		{"zero retries", domain.RetryPolicy{MaxRetries: 0, BackoffMultiplier: 1, InitialDelayMs: 1, MaxDelayMs: 1}, false},
		{"negative retries", domain.RetryPolicy{MaxRetries: -1, BackoffMultiplier: 2, InitialDelayMs: 1000, MaxDelayMs: 60000}, true},
		{"too many retries", domain.RetryPolicy{MaxRetries: 21, BackoffMultiplier: 2, InitialDelayMs: 1000, MaxDelayMs: 60000}, true},
		{"shrinking backoff", domain.RetryPolicy{MaxRetries: 3, BackoffMultiplier: 0.5, InitialDelayMs: 1000, MaxDelayMs: 60000}, true},
		{"zero initial delay", domain.RetryPolicy{MaxRetries: 3, BackoffMultiplier: 2, InitialDelayMs: 0, MaxDelayMs: 60000}, true},
		{"max below initial", domain.RetryPolicy{MaxRetries: 3, BackoffMultiplier: 2, InitialDelayMs: 5000, MaxDelayMs: 1000}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRetryPolicy(tt.policy)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateRetryPolicy() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateWebhookFields_DeliveryConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  domain.DeliveryConfig
		wantErr bool
	}{
		{"empty", domain.DeliveryConfig{}, false},
		{"max timeout", domain.DeliveryConfig{TimeoutMs: maxWebhookTimeout}, false},
		{"timeout too large", domain.DeliveryConfig{TimeoutMs: maxWebhookTimeout + 1}, true},
		{"negative timeout", domain.DeliveryConfig{TimeoutMs: -1}, true},
		{"body cap too large", domain.DeliveryConfig{MaxResponseBodyBytes: maxResponseBodyCap + 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config
			err := validateWebhookFields(WebhookRequest{DeliveryConfig: &cfg})
			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateWebhookFields_HysteresisFactor(t *testing.T) {
	for _, tt := range []struct {
		factor  float64
		wantErr bool
	}{
		{0.9, false},
		{0.5, false},
		{0, true},
		{1, true},
		{1.2, true},
	} {
		f := tt.factor
		err := validateWebhookFields(WebhookRequest{AlertConfig: &domain.AlertConfig{HysteresisFactor: &f}})
		if (err != nil) != tt.wantErr {
			t.Errorf("factor %v: error = %v, wantErr %v", tt.factor, err, tt.wantErr)
		}
	}
}

func TestValidateWebhookFields_Thresholds(t *testing.T) {
	ok := WebhookRequest{Thresholds: map[string]float64{domain.ThresholdMemoryCriticalPercent: 75}}
	if err := validateWebhookFields(ok); err != nil {
		t.Errorf("known threshold key rejected: %v", err)
	}

	bad := WebhookRequest{Thresholds: map[string]float64{"diskPercent": 75}}
	if err := validateWebhookFields(bad); err == nil {
		t.Error("expected error for unknown threshold key")
	}
}

func TestValidateWebhookFields_PartialUpdate(t *testing.T) {
	// Updates may omit every field.
	if err := validateWebhookFields(WebhookRequest{}); err != nil {
		t.Errorf("empty update should be valid, got: %v", err)
	}
	if err := validateWebhookFields(WebhookRequest{Events: []domain.EventType{}}); err == nil {
		t.Error("explicitly empty events list should be rejected")
	}
}

func TestValidateAlertRequests(t *testing.T) {
	if err := validateThresholdAlert(ThresholdAlertRequest{Event: domain.EventMemoryCritical, AlertKey: "memory"}); err != nil {
		t.Errorf("valid threshold alert rejected: %v", err)
	}
	if err := validateThresholdAlert(ThresholdAlertRequest{Event: domain.EventMemoryCritical}); err == nil {
		t.Error("expected error for missing alertKey")
	}
	if err := validatePerWebhookAlert(PerWebhookAlertRequest{Event: domain.EventMemoryCritical, AlertKey: "memory"}); err == nil {
		t.Error("expected error for missing thresholdKey")
	}
	if err := validateEventRequest(EventRequest{Event: "bogus"}); err == nil {
		t.Error("expected error for unknown event")
	}
}
