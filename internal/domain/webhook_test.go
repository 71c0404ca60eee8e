package domain

import (
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

func TestRetryPolicy_NextDelay(t *testing.T) {
	p := RetryPolicy{MaxRetries: 10, BackoffMultiplier: 2, InitialDelayMs: 1000, MaxDelayMs: 60000}

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{50, 60 * time.Second},
		{5000, 60 * time.Second},
	}

	for _, tt := range tests {
		if got := p.NextDelay(tt.attempts); got != tt.want {
			t.Errorf("NextDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestRetryPolicy_NextDelay_ZeroAttemptsTreatedAsFirst(t *testing.T) {
	p := DefaultRetryPolicy()
	if got := p.NextDelay(0); got != time.Second {
		t.Errorf("NextDelay(0) = %v, want 1s", got)
	}
}

func TestDeliveryStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status DeliveryStatus
		want   bool
	}{
		{DeliveryStatusPending, false},
		{DeliveryStatusRetrying, false},
		{DeliveryStatusSuccess, true},
		{DeliveryStatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWebhook_VisibleTo(t *testing.T) {
	conn := "conn-a"
	global := Webhook{}
	scoped := Webhook{ConnectionID: &conn}

	if !global.VisibleTo(Scope{}) {
		t.Error("global webhook should be visible to global dispatch")
	}
	if !global.VisibleTo(Scope{ConnectionID: "conn-b"}) {
		t.Error("global webhook should be visible to any connection")
	}
	if !scoped.VisibleTo(Scope{ConnectionID: "conn-a"}) {
		t.Error("scoped webhook should be visible to its own connection")
	}
	if scoped.VisibleTo(Scope{ConnectionID: "conn-b"}) {
		t.Error("scoped webhook should not be visible to another connection")
	}
	if scoped.VisibleTo(Scope{}) {
		t.Error("scoped webhook should not be visible to global dispatch")
	}
}

func TestWebhook_ThresholdAndFactor(t *testing.T) {
	factor := 0.8
	w := Webhook{
		Thresholds:  map[string]float64{ThresholdMemoryCriticalPercent: 75},
		AlertConfig: &AlertConfig{HysteresisFactor: &factor},
	}

	if got := w.Threshold(ThresholdMemoryCriticalPercent); got != 75 {
		t.Errorf("override threshold = %v, want 75", got)
	}
	if got := w.Threshold(ThresholdConnectionCriticalPercent); got != 90 {
		t.Errorf("default threshold = %v, want 90", got)
	}
	if got := w.HysteresisFactor(); got != 0.8 {
		t.Errorf("factor = %v, want 0.8", got)
	}
	if got := (Webhook{}).HysteresisFactor(); got != DefaultHysteresisFactor {
		t.Errorf("default factor = %v, want %v", got, DefaultHysteresisFactor)
	}
}

func TestWebhook_DeliveryDefaults(t *testing.T) {
	w := Webhook{}
	if w.Timeout() != 30*time.Second {
		t.Errorf("Timeout() = %v, want 30s", w.Timeout())
	}
	if w.MaxResponseBody(0) != 10000 {
		t.Errorf("MaxResponseBody(0) = %d, want 10000", w.MaxResponseBody(0))
	}
	if w.MaxResponseBody(512) != 512 {
		t.Errorf("MaxResponseBody(512) = %d, want 512", w.MaxResponseBody(512))
	}

	w.DeliveryConfig = &DeliveryConfig{TimeoutMs: 1500, MaxResponseBodyBytes: 64}
	if w.Timeout() != 1500*time.Millisecond {
		t.Errorf("Timeout() = %v, want 1.5s", w.Timeout())
	}
	if w.MaxResponseBody(512) != 64 {
		t.Errorf("MaxResponseBody(512) = %d, want 64", w.MaxResponseBody(512))
	}
}

func TestErrors_Categories(t *testing.T) {
	id := uuid.New()

	if !goerrors.IsNotFound(NewDeliveryNotFound(id)) {
		t.Error("delivery not found should be CategoryNotFound")
	}
	if !goerrors.IsNotFound(NewWebhookNotFound(id)) {
		t.Error("webhook not found should be CategoryNotFound")
	}
	if !goerrors.IsCategory(NewDeliveryAlreadySucceeded(id), goerrors.CategoryConflict) {
		t.Error("already succeeded should be CategoryConflict")
	}
	if !HasTextCode(NewDeliveryAlreadySucceeded(id), TextCodeDeliveryAlreadySucceeded) {
		t.Error("expected DELIVERY_ALREADY_SUCCEEDED text code")
	}
	if !goerrors.Is(ErrClaimLost, ErrClaimLost) {
		t.Error("sentinel should match itself")
	}
}
