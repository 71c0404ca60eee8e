package domain

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryStatusPending  DeliveryStatus = "pending"
	DeliveryStatusRetrying DeliveryStatus = "retrying"
	DeliveryStatusSuccess  DeliveryStatus = "success"
	DeliveryStatusFailed   DeliveryStatus = "failed"
)

func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusSuccess || s == DeliveryStatusFailed
}

// Payload is the JSON body posted to a webhook. Timestamp is Unix milliseconds.
type Payload struct {
	ID        string         `json:"id"`
	Event     EventType      `json:"event"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

type Delivery struct {
	ID           uuid.UUID
	WebhookID    uuid.UUID
	EventType    EventType
	Payload      Payload
	Status       DeliveryStatus
	StatusCode   int
	ResponseBody string
	Attempts     int
	NextRetryAt  *time.Time
	CreatedAt    time.Time
	CompletedAt  *time.Time
	DurationMs   int64

	// ClaimToken identifies the current holder of the delivery. Updates
	// issued with a stale token are rejected.
	ClaimToken   uuid.UUID
	ClaimedUntil *time.Time
}

// DeliveryUpdate is a partial update applied after an attempt.
// ExpectedClaim, when non-nil, must match the stored claim token.
type DeliveryUpdate struct {
	Status       DeliveryStatus
	StatusCode   int
	ResponseBody string
	Attempts     int
	NextRetryAt  *time.Time
	CompletedAt  *time.Time
	DurationMs   int64

	ExpectedClaim *uuid.UUID
}

type RetryStats struct {
	PendingRetries int
	NextRetryTime  *time.Time
}

// Claim is handed to the store when taking ownership of deliveries.
// Deliveries are not handed out again until Until has passed.
type Claim struct {
	Token uuid.UUID
	At    time.Time
	Until time.Time
}

func NewClaim(now time.Time, lease time.Duration) Claim {
	return Claim{Token: uuid.New(), At: now, Until: now.Add(lease)}
}
