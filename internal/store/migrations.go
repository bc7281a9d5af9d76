package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration is one versioned schema step.
type Migration struct {
	Version     int
	Description string
	Up          string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "alerts and anchors tables",
		Up:          migrationV1Up,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS alerts (
    alert_id        TEXT PRIMARY KEY,
    session_id      TEXT NOT NULL,
    client_ip       TEXT NOT NULL DEFAULT '',
    upstream_ip     TEXT NOT NULL DEFAULT '',
    event_json      TEXT NOT NULL,
    methods_json    TEXT NOT NULL,
    severity        TEXT NOT NULL,
    ml_score        REAL NOT NULL,
    reasons_json    TEXT NOT NULL,
    status          TEXT NOT NULL DEFAULT 'open',
    contained       INTEGER NOT NULL DEFAULT 0,
    contained_at    INTEGER,
    forensic_hash   TEXT NOT NULL DEFAULT '',
    anchor_root     TEXT,
    created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_session ON alerts(session_id, created_at);

CREATE TABLE IF NOT EXISTS anchors (
    anchor_id       TEXT PRIMARY KEY,
    created_at      REAL NOT NULL,
    merkle_root     TEXT NOT NULL,
    leaf_count      INTEGER NOT NULL,
    leaves_json     TEXT NOT NULL,
    alert_ids_json  TEXT NOT NULL,
    signature       TEXT NOT NULL,
    signer_id       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_anchors_created ON anchors(created_at);
`

// MigrateDB applies all pending migrations in order.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}
