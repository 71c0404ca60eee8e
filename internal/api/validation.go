package api

import (
	"fmt"
	"net/url"

	goerrors "github.com/goliatone/go-errors"

	"github.com/BetterDB-inc/monitor-sub000/internal/domain"
)

const (
	maxNameLength      = 200
	maxWebhookTimeout  = 120000
	maxRetriesLimit    = 20
	maxHeaderCount     = 32
	maxResponseBodyCap = 1 << 20
)

func invalid(format string, args ...any) error {
	return goerrors.New(fmt.Sprintf(format, args...), goerrors.CategoryValidation).WithCode(400)
}

func validateCreateWebhook(req WebhookRequest) error {
	if req.Name == "" {
		return invalid("name is required")
	}
	if req.URL == "" {
		return invalid("url is required")
	}
	if len(req.Events) == 0 {
		return invalid("events must not be empty")
	}
	return validateWebhookFields(req)
}

// validateWebhookFields checks every field that is set. Used directly for
// partial updates.
func validateWebhookFields(req WebhookRequest) error {
	if len(req.Name) > maxNameLength {
		return invalid("name must be at most %d characters", maxNameLength)
	}
	if req.URL != "" {
		if err := validateWebhookURL(req.URL); err != nil {
			return invalid("invalid url: %v", err)
		}
	}
	if req.Events != nil {
		if err := validateEvents(req.Events); err != nil {
			return err
		}
	}
	if len(req.Headers) > maxHeaderCount {
		return invalid("at most %d custom headers are allowed", maxHeaderCount)
	}
	if req.RetryPolicy != nil {
		if err := validateRetryPolicy(*req.RetryPolicy); err != nil {
			return err
		}
	}
	if dc := req.DeliveryConfig; dc != nil {
		if dc.TimeoutMs < 0 || dc.TimeoutMs > maxWebhookTimeout {
			return invalid("deliveryConfig.timeoutMs must be between 0 and %d", maxWebhookTimeout)
		}
		if dc.MaxResponseBodyBytes < 0 || dc.MaxResponseBodyBytes > maxResponseBodyCap {
			return invalid("deliveryConfig.maxResponseBodyBytes must be between 0 and %d", maxResponseBodyCap)
		}
	}
	if ac := req.AlertConfig; ac != nil && ac.HysteresisFactor != nil {
		if f := *ac.HysteresisFactor; f <= 0 || f >= 1 {
			return invalid("alertConfig.hysteresisFactor must be between 0 and 1 exclusive")
		}
	}
	for key := range req.Thresholds {
		if _, ok := domain.DefaultThresholds[key]; !ok {
			return invalid("unknown threshold key %q", key)
		}
	}
	return nil
}

func validateEvents(events []domain.EventType) error {
	if len(events) == 0 {
		return invalid("events must not be empty")
	}
	for _, e := range events {
		if !e.Valid() {
			return invalid("unknown event type %q", e)
		}
	}
	return nil
}

func validateRetryPolicy(p domain.RetryPolicy) error {
	if p.MaxRetries < 0 || p.MaxRetries > maxRetriesLimit {
		return invalid("retryPolicy.maxRetries must be between 0 and %d", maxRetriesLimit)
	}
	if p.BackoffMultiplier < 1 {
		return invalid("retryPolicy.backoffMultiplier must be at least 1")
	}
	if p.InitialDelayMs <= 0 {
		return invalid("retryPolicy.initialDelayMs must be positive")
	}
	if p.MaxDelayMs < p.InitialDelayMs {
		return invalid("retryPolicy.maxDelayMs must be at least initialDelayMs")
	}
	return nil
}

func validateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func validateEventRequest(req EventRequest) error {
	if !req.Event.Valid() {
		return invalid("unknown event type %q", req.Event)
	}
	return nil
}

func validateThresholdAlert(req ThresholdAlertRequest) error {
	if !req.Event.Valid() {
		return invalid("unknown event type %q", req.Event)
	}
	if req.AlertKey == "" {
		return invalid("alertKey is required")
	}
	return nil
}

func validatePerWebhookAlert(req PerWebhookAlertRequest) error {
	if !req.Event.Valid() {
		return invalid("unknown event type %q", req.Event)
	}
	if req.AlertKey == "" {
		return invalid("alertKey is required")
	}
	if req.ThresholdKey == "" {
		return invalid("thresholdKey is required")
	}
	return nil
}
