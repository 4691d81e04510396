package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// SQLiteStore implements Store on the audit_logs table
type SQLiteStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

// NewSQLiteStore wraps an already migrated database
func NewSQLiteStore(db *sql.DB, logger *logrus.Logger) *SQLiteStore {
	return &SQLiteStore{db: db, logger: logger}
}

// Append inserts records in a single transaction
func (s *SQLiteStore) Append(ctx context.Context, records []*Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_logs (id, timestamp, actor, action, setting_key, old_value, new_value, remote_addr, request_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		var old any
		if r.OldValue != nil {
			old = *r.OldValue
		}
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.Timestamp.UnixMilli(), r.Actor, r.Action, r.SettingKey,
			old, r.NewValue, r.RemoteAddr, r.RequestID,
		); err != nil {
			return fmt.Errorf("failed to insert audit record %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// List returns matching records, newest first
func (s *SQLiteStore) List(ctx context.Context, filters Filters) ([]*Record, error) {
	where, args := buildWhereClause(filters)
	query := `
		SELECT id, timestamp, actor, action, setting_key, old_value, new_value, remote_addr, request_id
		FROM audit_logs` + where + `
		ORDER BY timestamp DESC, rowid DESC`
	if filters.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filters.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var (
			r          Record
			ts         int64
			old        sql.NullString
			remoteAddr sql.NullString
			requestID  sql.NullString
		)
		if err := rows.Scan(&r.ID, &ts, &r.Actor, &r.Action, &r.SettingKey, &old, &r.NewValue, &remoteAddr, &requestID); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		r.Timestamp = time.UnixMilli(ts).UTC()
		if old.Valid {
			r.OldValue = &old.String
		}
		r.RemoteAddr = remoteAddr.String
		r.RequestID = requestID.String
		records = append(records, &r)
	}
	return records, rows.Err()
}

// Purge deletes records older than cutoff
func (s *SQLiteStore) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_logs WHERE timestamp < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func buildWhereClause(filters Filters) (string, []any) {
	var (
		conditions []string
		args       []any
	)

	if filters.SettingKey != "" {
		conditions = append(conditions, "setting_key = ?")
		args = append(args, filters.SettingKey)
	}
	if filters.Actor != "" {
		conditions = append(conditions, "actor = ?")
		args = append(args, filters.Actor)
	}
	if !filters.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, filters.Since.UnixMilli())
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}
