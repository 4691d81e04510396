package audit

import (
	"context"
	"time"
)

// Actions
const (
	ActionSettingUpdated = "setting_updated"
)

// AnonymousActor is recorded when a change carries no authenticated subject
const AnonymousActor = "anonymous"

// Event is a setting change to be recorded
type Event struct {
	Actor      string
	Action     string
	SettingKey string
	OldValue   *string // nil when the previous value is unknown
	NewValue   string
	RemoteAddr string
	RequestID  string
}

// Record is a stored audit entry
type Record struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	SettingKey string    `json:"settingKey"`
	OldValue   *string   `json:"oldValue"`
	NewValue   string    `json:"newValue"`
	RemoteAddr string    `json:"remoteAddr,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
}

// Filters narrows a List query. Zero values match everything.
type Filters struct {
	SettingKey string
	Actor      string
	Since      time.Time
	Limit      int
}

// Store persists audit records
type Store interface {
	// Append writes all records or none
	Append(ctx context.Context, records []*Record) error

	// List returns matching records, newest first
	List(ctx context.Context, filters Filters) ([]*Record, error)

	// Purge deletes records older than cutoff and returns the count removed
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}
