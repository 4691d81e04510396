package settings

import (
	"errors"
	"sort"
	"time"
)

var (
	// ErrSettingNotFound is returned when a key is not present in the catalog
	ErrSettingNotFound = errors.New("setting not found")
	// ErrInvalidValue is returned when a value fails metadata validation
	ErrInvalidValue = errors.New("invalid setting value")
	// ErrNoChanges is returned when a bulk update carries no changes
	ErrNoChanges = errors.New("no settings to update")
)

// Setting represents a persisted configuration entry.
// All values are strings on the wire regardless of their logical type.
type Setting struct {
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	Description *string   `json:"description"`
	UpdatedAt   time.Time `json:"updatedAt"`
	UpdatedBy   *string   `json:"updatedBy"`
}

// Change is a single key/value pair submitted for persistence
type Change struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Catalog maps a category name to its ordered settings.
// It is always replaced wholesale, never merged.
type Catalog map[string][]Setting

// Categories returns the category names in sorted order
func (c Catalog) Categories() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup scans every category for key
func (c Catalog) Lookup(key string) (Setting, bool) {
	for _, list := range c {
		for _, s := range list {
			if s.Key == key {
				return s, true
			}
		}
	}
	return Setting{}, false
}

// Category represents a group of related settings
type Category string

const (
	CategoryDeposit      Category = "deposit"
	CategoryWithdrawal   Category = "withdrawal"
	CategorySecurity     Category = "security"
	CategoryNotification Category = "notification"
	CategorySystem       Category = "system"
)

// FetchResponse is the body returned by the catalog endpoint
type FetchResponse struct {
	Settings Catalog `json:"settings"`
}

// UpdateRequest is the body accepted by the bulk update endpoint
type UpdateRequest struct {
	Settings []Change `json:"settings"`
}

// UpdateResponse is the body returned by the bulk update endpoint
type UpdateResponse struct {
	Updated []Setting `json:"updated"`
}
