package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the platform
const (
	EventContactCreated      = "contact_created"
	EventContactUpdated      = "contact_updated"
	EventMessageSent         = "message_sent"
	EventMessageReceived     = "message_received"
	EventConversationClosed  = "conversation_closed"
	EventWebhookTest         = "webhook.test"
	InboundUnknownEventLabel = "unknown_event"
)

// Endpoint defaults
const (
	DefaultMaxRetries     = 3
	DefaultTimeoutSeconds = 30
)

// WebhookEndpoint is one user-registered subscription target
type WebhookEndpoint struct {
	ID             uuid.UUID `json:"id" db:"id"`
	UserID         string    `json:"user_id" db:"user_id"`
	URL            string    `json:"url" db:"url"`
	Events         []string  `json:"events" db:"events"`
	Secret         string    `json:"-" db:"secret"`
	IsActive       bool      `json:"is_active" db:"is_active"`
	VerifySSL      bool      `json:"verify_ssl" db:"verify_ssl"`
	MaxRetries     int       `json:"max_retries" db:"max_retries"`
	TimeoutSeconds int       `json:"timeout_seconds" db:"timeout_seconds"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Subscribes reports whether the endpoint listens for the event type
func (w *WebhookEndpoint) Subscribes(eventType string) bool {
	for _, e := range w.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// HasSecret reports whether outbound requests are signed
func (w *WebhookEndpoint) HasSecret() bool {
	return w.Secret != ""
}

// Clone returns a deep copy
func (w *WebhookEndpoint) Clone() *WebhookEndpoint {
	cp := *w
	cp.Events = append([]string(nil), w.Events...)
	return &cp
}

// IntegrationEvent is one platform fact to publish to subscribed endpoints
type IntegrationEvent struct {
	ID        uuid.UUID       `json:"id"`
	UserID    string          `json:"user_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// DeliveryAttempt records one HTTP attempt for an (event, endpoint) pair
type DeliveryAttempt struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	WebhookID      uuid.UUID       `json:"webhook_id" db:"webhook_id"`
	EventID        uuid.UUID       `json:"event_id" db:"event_id"`
	EventType      string          `json:"event_type" db:"event_type"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	AttemptNumber  int             `json:"attempt_number" db:"attempt_number"`
	ResponseStatus *int            `json:"response_status,omitempty" db:"response_status"`
	ResponseTimeMs *int64          `json:"response_time_ms,omitempty" db:"response_time_ms"`
	IsSuccessful   bool            `json:"is_successful" db:"is_successful"`
	ErrorMessage   *string         `json:"error_message,omitempty" db:"error_message"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// DeliveryStatus is the terminal state of a delivery
type DeliveryStatus string

const (
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
	// DeliveryStatusCancelled marks a delivery whose endpoint was deleted or
	// deactivated before it reached delivered or failed
	DeliveryStatusCancelled DeliveryStatus = "cancelled"
)

// DeliveryResult summarizes a finished delivery
type DeliveryResult struct {
	WebhookID uuid.UUID          `json:"webhook_id"`
	EventID   uuid.UUID          `json:"event_id"`
	Status    DeliveryStatus     `json:"status"`
	Attempts  []*DeliveryAttempt `json:"attempts,omitempty"`
}
