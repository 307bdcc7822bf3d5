package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in order, each exactly once, tracked in schema_version.
var migrations = []migration{
	{
		Version:     1,
		Description: "sessions, messages, provider configs",
		SQL: `
		CREATE TABLE IF NOT EXISTS chat_sessions (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id          TEXT NOT NULL,
			platform         TEXT NOT NULL,
			state            TEXT NOT NULL,
			metadata         TEXT,
			created_at       INTEGER NOT NULL,
			last_activity_at INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_open ON chat_sessions(user_id, platform) WHERE state != 'closed';
		CREATE INDEX IF NOT EXISTS idx_sessions_activity ON chat_sessions(state, last_activity_at);

		CREATE TABLE IF NOT EXISTS chat_messages (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id   INTEGER NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
			message_id   TEXT NOT NULL,
			sender_id    TEXT,
			receiver_id  TEXT,
			content      TEXT,
			message_type TEXT,
			platform     TEXT,
			timestamp    INTEGER,
			metadata     TEXT,
			UNIQUE(session_id, message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON chat_messages(session_id, id);

		CREATE TABLE IF NOT EXISTS provider_configs (
			platform            TEXT PRIMARY KEY,
			display_name        TEXT,
			is_enabled          INTEGER NOT NULL DEFAULT 0,
			webhook_url         TEXT,
			message_interval_ms INTEGER NOT NULL DEFAULT 0,
			max_retry_count     INTEGER NOT NULL DEFAULT 3,
			config_data         TEXT,
			updated_at          INTEGER
		);
		`,
	},
	{
		Version:     2,
		Description: "delivery queue: pending and dead-letter sets",
		SQL: `
		CREATE TABLE IF NOT EXISTS queued_messages (
			id          TEXT PRIMARY KEY,
			platform    TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			payload     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_queued_created ON queued_messages(created_at);

		CREATE TABLE IF NOT EXISTS dead_letters (
			id            TEXT PRIMARY KEY,
			platform      TEXT,
			retry_count   INTEGER NOT NULL DEFAULT 0,
			error_message TEXT,
			failed_at     INTEGER NOT NULL,
			payload       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dead_letters_failed ON dead_letters(failed_at);
		`,
	},
}

// RunMigrations applies all pending schema migrations.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	currentVersion := 0
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&currentVersion); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		for _, stmt := range splitSQL(m.SQL) {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
			}
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}

		logger.Info("migration applied", "version", m.Version)
	}

	return nil
}

// splitSQL splits a multi-statement SQL string on semicolons.
func splitSQL(sql string) []string {
	var result []string
	for _, s := range strings.Split(sql, ";") {
		if s = strings.TrimSpace(s); s != "" {
			result = append(result, s)
		}
	}
	return result
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetSchemaVersion returns the applied schema version, 0 for a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
