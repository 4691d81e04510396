package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Manager records and queries the setting change trail
type Manager struct {
	store  Store
	logger *logrus.Logger
	now    func() time.Time
}

// NewManager creates a new audit manager
func NewManager(store Store, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Record stores events as one batch. Events missing a key or action are
// skipped with a warning; they never fail the batch.
func (m *Manager) Record(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	ts := m.now().UTC()
	records := make([]*Record, 0, len(events))
	for _, ev := range events {
		if ev.SettingKey == "" || ev.Action == "" {
			m.logger.WithFields(logrus.Fields{
				"setting_key": ev.SettingKey,
				"action":      ev.Action,
			}).Warn("Skipping incomplete audit event")
			continue
		}
		actor := ev.Actor
		if actor == "" {
			actor = AnonymousActor
		}
		records = append(records, &Record{
			ID:         uuid.NewString(),
			Timestamp:  ts,
			Actor:      actor,
			Action:     ev.Action,
			SettingKey: ev.SettingKey,
			OldValue:   ev.OldValue,
			NewValue:   ev.NewValue,
			RemoteAddr: ev.RemoteAddr,
			RequestID:  ev.RequestID,
		})
	}
	if len(records) == 0 {
		return nil
	}

	if err := m.store.Append(ctx, records); err != nil {
		m.logger.WithError(err).WithField("count", len(records)).Error("Failed to record audit events")
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"count": len(records),
		"actor": records[0].Actor,
	}).Debug("Audit events recorded")
	return nil
}

// List returns recent records matching filters, newest first
func (m *Manager) List(ctx context.Context, filters Filters) ([]*Record, error) {
	if filters.Limit <= 0 {
		filters.Limit = defaultListLimit
	}
	if filters.Limit > maxListLimit {
		filters.Limit = maxListLimit
	}

	records, err := m.store.List(ctx, filters)
	if err != nil {
		m.logger.WithError(err).Error("Failed to retrieve audit records")
		return nil, err
	}
	return records, nil
}

// Purge removes records older than retention
func (m *Manager) Purge(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := m.now().Add(-retention)
	n, err := m.store.Purge(ctx, cutoff)
	if err != nil {
		m.logger.WithError(err).Error("Failed to purge audit records")
		return 0, err
	}
	if n > 0 {
		m.logger.WithFields(logrus.Fields{
			"deleted": n,
			"cutoff":  cutoff,
		}).Info("Purged old audit records")
	}
	return n, nil
}
