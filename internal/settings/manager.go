package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vaultgate/vaultgate/internal/settingsmeta"
)

// Manager serves the settings catalog stored in the system_settings table.
// The table itself is created by the migrations package.
type Manager struct {
	db     *sql.DB
	meta   *settingsmeta.Table
	logger *logrus.Logger
}

// NewManager creates a settings manager and seeds any missing defaults
func NewManager(ctx context.Context, db *sql.DB, logger *logrus.Logger) (*Manager, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &Manager{
		db:     db,
		logger: logger,
	}

	if err := m.insertDefaults(ctx); err != nil {
		return nil, fmt.Errorf("failed to insert defaults: %w", err)
	}

	return m, nil
}

// WithMeta enables value validation against table on writes
func (m *Manager) WithMeta(table *settingsmeta.Table) *Manager {
	m.meta = table
	return m
}

func (m *Manager) insertDefaults(ctx context.Context) error {
	now := time.Now().Unix()
	inserted := 0

	for _, d := range defaults {
		res, err := m.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO system_settings (key, value, category, description, updated_at, updated_by)
			VALUES (?, ?, ?, ?, ?, NULL)
		`, d.Key, d.Value, string(d.Category), d.Description, now)
		if err != nil {
			return fmt.Errorf("failed to insert default setting %s: %w", d.Key, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if inserted > 0 {
		m.logger.WithField("count", inserted).Info("Seeded default settings")
	}
	return nil
}

// Get retrieves a setting value as a string
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := m.db.QueryRowContext(ctx, "SELECT value FROM system_settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrSettingNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

// GetInt retrieves a setting value as an integer
func (m *Manager) GetInt(ctx context.Context, key string) (int64, error) {
	value, err := m.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("setting %s is not a valid integer: %w", key, err)
	}
	return n, nil
}

// GetBool retrieves a setting value as a boolean
func (m *Manager) GetBool(ctx context.Context, key string) (bool, error) {
	value, err := m.Get(ctx, key)
	if err != nil {
		return false, err
	}
	switch value {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("setting %s is not a valid boolean: %q", key, value)
}

// GetSetting retrieves a complete setting row
func (m *Manager) GetSetting(ctx context.Context, key string) (*Setting, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT key, value, description, updated_at, updated_by
		FROM system_settings WHERE key = ?
	`, key)

	s, _, err := scanSetting(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSettingNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return &s, nil
}

// Values returns the current values of the given keys. Unknown keys are
// absent from the result.
func (m *Manager) Values(ctx context.Context, keys []string) (map[string]string, error) {
	values := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return values, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	rows, err := m.db.QueryContext(ctx, "SELECT key, value FROM system_settings WHERE key IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		values[key] = value
	}
	return values, rows.Err()
}

// ListGrouped returns every setting grouped by category, ordered by key
func (m *Manager) ListGrouped(ctx context.Context) (Catalog, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT key, value, description, updated_at, updated_by, category
		FROM system_settings
		ORDER BY category, key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	catalog := Catalog{}
	for rows.Next() {
		s, category, err := scanSetting(rows, true)
		if err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		catalog[category] = append(catalog[category], s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate settings: %w", err)
	}
	return catalog, nil
}

// Categories returns the distinct category names
func (m *Manager) Categories(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT DISTINCT category FROM system_settings ORDER BY category")
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()

	var categories []string
	for rows.Next() {
		var category string
		if err := rows.Scan(&category); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, category)
	}
	return categories, rows.Err()
}

// BulkUpdate applies changes in a single transaction. Any unknown key or
// invalid value aborts the whole batch. An empty actor is stored as NULL.
func (m *Manager) BulkUpdate(ctx context.Context, changes []Change, actor string) ([]Setting, error) {
	updated, _, err := m.BulkUpdateWithPrevious(ctx, changes, actor)
	return updated, err
}

// BulkUpdateWithPrevious is BulkUpdate that also returns the value each key
// held before the batch, read in the same transaction as the write.
func (m *Manager) BulkUpdateWithPrevious(ctx context.Context, changes []Change, actor string) ([]Setting, map[string]string, error) {
	if len(changes) == 0 {
		return nil, nil, ErrNoChanges
	}

	for _, c := range changes {
		if meta, ok := m.meta.Get(c.Key); ok {
			if err := meta.ValidateValue(c.Value); err != nil {
				return nil, nil, fmt.Errorf("%w: %s: %v", ErrInvalidValue, c.Key, err)
			}
		}
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var updatedBy any
	if actor != "" {
		updatedBy = actor
	}
	now := time.Now().Unix()

	seen := make(map[string]int, len(changes))
	updated := make([]Setting, 0, len(changes))
	previous := make(map[string]string, len(changes))
	for _, c := range changes {
		if _, ok := previous[c.Key]; !ok {
			var old string
			err := tx.QueryRowContext(ctx, "SELECT value FROM system_settings WHERE key = ?", c.Key).Scan(&old)
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil, fmt.Errorf("%w: %s", ErrSettingNotFound, c.Key)
			}
			if err != nil {
				return nil, nil, fmt.Errorf("failed to read %s: %w", c.Key, err)
			}
			previous[c.Key] = old
		}

		res, err := tx.ExecContext(ctx,
			"UPDATE system_settings SET value = ?, updated_at = ?, updated_by = ? WHERE key = ?",
			c.Value, now, updatedBy, c.Key,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to update %s: %w", c.Key, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, nil, fmt.Errorf("%w: %s", ErrSettingNotFound, c.Key)
		}

		row := tx.QueryRowContext(ctx, `
			SELECT key, value, description, updated_at, updated_by
			FROM system_settings WHERE key = ?
		`, c.Key)
		s, _, err := scanSetting(row, false)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to reload %s: %w", c.Key, err)
		}

		// a key repeated in one batch is reported once, with its final value
		if i, ok := seen[c.Key]; ok {
			updated[i] = s
			continue
		}
		seen[c.Key] = len(updated)
		updated = append(updated, s)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	m.logger.WithFields(logrus.Fields{
		"count": len(updated),
		"actor": actor,
	}).Info("Bulk settings update completed")

	return updated, previous, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSetting(row rowScanner, withCategory bool) (Setting, string, error) {
	var (
		s           Setting
		description sql.NullString
		updatedBy   sql.NullString
		updatedAt   int64
		category    string
	)

	dest := []any{&s.Key, &s.Value, &description, &updatedAt, &updatedBy}
	if withCategory {
		dest = append(dest, &category)
	}
	if err := row.Scan(dest...); err != nil {
		return Setting{}, "", err
	}

	if description.Valid {
		s.Description = &description.String
	}
	if updatedBy.Valid {
		s.UpdatedBy = &updatedBy.String
	}
	s.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return s, category, nil
}
