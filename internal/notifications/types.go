package notifications

import "time"

// EventType represents the type of settings event
type EventType string

const (
	// EventSettingsUpdated is sent after a bulk update commits
	EventSettingsUpdated EventType = "settings.updated"
)

// Settings keys the webhook target is read from
const (
	KeyWebhookURL    = "notification.webhook_url"
	KeyWebhookSecret = "notification.webhook_secret"
)

// Webhook request headers
const (
	HeaderEvent     = "X-Vaultgate-Event"
	HeaderDelivery  = "X-Vaultgate-Delivery"
	HeaderSignature = "X-Vaultgate-Signature"
)

// Change is one updated key. Secret values arrive already masked.
type Change struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Event represents a notification event to be sent
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	Actor     string    `json:"actor"`
	RequestID string    `json:"requestId,omitempty"`
	Changes   []Change  `json:"changes"`
}
