package migrations

import (
	"context"
	"database/sql"
)

func schemaHistory() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create system_settings table",
			Up: execAll(
				`CREATE TABLE IF NOT EXISTS system_settings (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					category TEXT NOT NULL,
					description TEXT,
					updated_at INTEGER NOT NULL,
					updated_by TEXT
				)`,
				`CREATE INDEX IF NOT EXISTS idx_system_settings_category ON system_settings(category)`,
			),
		},
		{
			Version:     2,
			Description: "Create settings audit trail",
			Up: execAll(
				`CREATE TABLE IF NOT EXISTS audit_logs (
					id TEXT PRIMARY KEY,
					timestamp INTEGER NOT NULL,
					actor TEXT NOT NULL,
					action TEXT NOT NULL,
					setting_key TEXT NOT NULL,
					old_value TEXT,
					new_value TEXT,
					remote_addr TEXT,
					request_id TEXT
				)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp DESC)`,
				`CREATE INDEX IF NOT EXISTS idx_audit_logs_setting_key ON audit_logs(setting_key, timestamp DESC)`,
			),
		},
	}
}

func execAll(statements ...string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	}
}
