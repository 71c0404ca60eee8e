package domain

import (
	"fmt"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

const (
	TextCodeWebhookNotFound          = "WEBHOOK_NOT_FOUND"
	TextCodeDeliveryNotFound         = "DELIVERY_NOT_FOUND"
	TextCodeDeliveryAlreadySucceeded = "DELIVERY_ALREADY_SUCCEEDED"
	TextCodeDeliveryInFlight         = "DELIVERY_IN_FLIGHT"
	TextCodeStatusTransitionDenied   = "STATUS_TRANSITION_DENIED"
	TextCodeClaimLost                = "CLAIM_LOST"
	TextCodeDeliveryFailed           = "DELIVERY_FAILED"
)

// ErrStatusTransitionDenied is returned when an update would modify a
// delivery that is already success or failed.
var ErrStatusTransitionDenied = goerrors.New("status transition denied: delivery already in terminal state", goerrors.CategoryConflict).
	WithCode(409).
	WithTextCode(TextCodeStatusTransitionDenied)

// ErrClaimLost is returned when an update carries a claim token that no
// longer owns the delivery.
var ErrClaimLost = goerrors.New("delivery claim lost to another processor", goerrors.CategoryConflict).
	WithCode(409).
	WithTextCode(TextCodeClaimLost)

func NewWebhookNotFound(id uuid.UUID) *goerrors.Error {
	return goerrors.New(fmt.Sprintf("webhook %s not found", id), goerrors.CategoryNotFound).
		WithCode(404).
		WithTextCode(TextCodeWebhookNotFound).
		WithMetadata(map[string]any{"webhook_id": id.String()})
}

func NewDeliveryNotFound(id uuid.UUID) *goerrors.Error {
	return goerrors.New(fmt.Sprintf("delivery %s not found", id), goerrors.CategoryNotFound).
		WithCode(404).
		WithTextCode(TextCodeDeliveryNotFound).
		WithMetadata(map[string]any{"delivery_id": id.String()})
}

// NewDeliveryAlreadySucceeded rejects a manual retry of a delivered record.
func NewDeliveryAlreadySucceeded(id uuid.UUID) *goerrors.Error {
	return goerrors.New(fmt.Sprintf("delivery %s already succeeded", id), goerrors.CategoryConflict).
		WithCode(409).
		WithTextCode(TextCodeDeliveryAlreadySucceeded).
		WithMetadata(map[string]any{"delivery_id": id.String()})
}

// NewDeliveryInFlight rejects a manual retry while another processor holds
// an unexpired claim on the delivery.
func NewDeliveryInFlight(id uuid.UUID) *goerrors.Error {
	return goerrors.New(fmt.Sprintf("delivery %s is being attempted", id), goerrors.CategoryConflict).
		WithCode(409).
		WithTextCode(TextCodeDeliveryInFlight).
		WithMetadata(map[string]any{"delivery_id": id.String()})
}

// HasTextCode reports whether err carries a go-errors text code equal to code.
func HasTextCode(err error, code string) bool {
	var e *goerrors.Error
	if goerrors.As(err, &e) {
		return e.TextCode == code
	}
	var r *goerrors.RetryableError
	if goerrors.As(err, &r) && r.BaseError != nil {
		return r.BaseError.TextCode == code
	}
	return false
}
