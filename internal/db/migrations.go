package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bridges (
	bridge_id TEXT PRIMARY KEY,
	plugin_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	filename TEXT NOT NULL,
	args_json TEXT NOT NULL DEFAULT '[]',
	pid INTEGER,
	state TEXT NOT NULL CHECK(state IN ('starting','ready','failed','stopped')),
	health TEXT NOT NULL DEFAULT 'ok' CHECK(health IN ('ok','degraded','down')),
	outcome TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	stopped_at TEXT,
	updated_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS bridges_active_plugin
ON bridges(plugin_id)
WHERE state IN ('starting','ready');

CREATE TABLE IF NOT EXISTS notifications (
	notification_id TEXT PRIMARY KEY,
	bridge_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	kind TEXT NOT NULL,
	value1 INTEGER NOT NULL,
	value2 INTEGER NOT NULL,
	value3 REAL NOT NULL,
	text TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	UNIQUE(bridge_id, seq),
	FOREIGN KEY(bridge_id) REFERENCES bridges(bridge_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS notifications_created_at
ON notifications(created_at);
`,
		DownSQL: `
DROP INDEX IF EXISTS notifications_created_at;
DROP TABLE IF EXISTS notifications;
DROP INDEX IF EXISTS bridges_active_plugin;
DROP TABLE IF EXISTS bridges;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
	{
		Version: 2,
		UpSQL: `
ALTER TABLE bridges ADD COLUMN dropped_events INTEGER NOT NULL DEFAULT 0;
`,
		DownSQL: `
-- SQLite deployments may not support DROP COLUMN safely across environments.
-- RollbackAll() remains safe because migration v1 DownSQL drops full tables.
SELECT 1;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
