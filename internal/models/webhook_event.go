package models

import (
	"time"

	"github.com/google/uuid"
)

// WebhookEventStatus is the lifecycle status of a recorded delivery.
// Events are created in StatusProcessing and transition exactly once to a
// terminal status; terminal statuses never transition again.
type WebhookEventStatus string

const (
	StatusProcessing WebhookEventStatus = "processing"
	StatusCompleted  WebhookEventStatus = "completed"
	StatusDuplicate  WebhookEventStatus = "duplicate"
	StatusFailed     WebhookEventStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s WebhookEventStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusDuplicate, StatusFailed:
		return true
	}
	return false
}

// WebhookEvent records one physical webhook delivery attempt.
//
// Two independent uniqueness keys protect against double processing:
// (source, provider_event_id) catches provider-side retries of the same
// logical event, and (source, request_id) catches replays of the same
// physical HTTP delivery.
type WebhookEvent struct {
	ID              uuid.UUID          `gorm:"type:uuid;primary_key" json:"id"`
	Source          string             `gorm:"not null;uniqueIndex:uq_webhook_events_provider_event;uniqueIndex:uq_webhook_events_request" json:"source"`
	ProviderEventID string             `gorm:"not null;uniqueIndex:uq_webhook_events_provider_event" json:"provider_event_id"`
	RequestID       uuid.UUID          `gorm:"type:uuid;not null;uniqueIndex:uq_webhook_events_request" json:"request_id"`
	EventType       string             `gorm:"not null" json:"event_type"`
	PayloadHash     string             `gorm:"not null" json:"payload_hash"`
	SignatureValid  bool               `gorm:"not null" json:"signature_valid"`
	Status          WebhookEventStatus `gorm:"not null" json:"status"`
	ErrorMessage    *string            `json:"error_message,omitempty"`
	ReceivedAt      time.Time          `gorm:"not null" json:"received_at"`
	UpdatedAt       time.Time          `gorm:"not null" json:"updated_at"`
}

func (WebhookEvent) TableName() string {
	return "webhook_events"
}
