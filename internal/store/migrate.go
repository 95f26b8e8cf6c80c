package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 3

// migration represents a single schema migration step.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations.
// Each migration is applied exactly once, tracked in the schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: users, rules, submissions, approvals, audit_log",
		SQL: `
		CREATE TABLE IF NOT EXISTS users (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			username    TEXT NOT NULL UNIQUE,
			key_hash    TEXT NOT NULL UNIQUE,
			role        TEXT NOT NULL,
			credits     INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0),
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS rules (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			pattern     TEXT NOT NULL,
			action      TEXT NOT NULL,
			position    INTEGER NOT NULL UNIQUE,
			created_by  INTEGER,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS submissions (
			id              TEXT PRIMARY KEY,
			user_id         INTEGER NOT NULL REFERENCES users(id),
			command_text    TEXT NOT NULL,
			submitted_at    DATETIME NOT NULL,
			status          TEXT NOT NULL,
			reason          TEXT NOT NULL DEFAULT '',
			matched_rule_id INTEGER,
			cost            INTEGER NOT NULL DEFAULT 0,
			output          TEXT NOT NULL DEFAULT '',
			resolved_at     DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_submissions_user ON submissions(user_id, submitted_at);

		CREATE TABLE IF NOT EXISTS approvals (
			id            TEXT PRIMARY KEY,
			submission_id TEXT NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
			user_id       INTEGER NOT NULL,
			command_text  TEXT NOT NULL,
			status        TEXT NOT NULL,
			created_at    DATETIME NOT NULL,
			resolved_at   DATETIME,
			resolved_by   INTEGER
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_submission ON approvals(submission_id);
		CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);

		CREATE TABLE IF NOT EXISTS audit_log (
			seq         INTEGER PRIMARY KEY,
			ts_nanos    INTEGER NOT NULL,
			actor       TEXT NOT NULL,
			action_type TEXT NOT NULL,
			subject     TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			rule_id     INTEGER,
			details     TEXT NOT NULL DEFAULT '',
			prev_hash   TEXT NOT NULL,
			hash        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor, seq);
		`,
	},
	{
		Version:     2,
		Description: "v2: ledger_entries for credit reconciliation",
		SQL: `
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id       INTEGER NOT NULL REFERENCES users(id),
			delta         INTEGER NOT NULL,
			balance_after INTEGER NOT NULL,
			reason        TEXT NOT NULL DEFAULT '',
			submission_id TEXT NOT NULL DEFAULT '',
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_entries(user_id, id);
		`,
	},
	{
		Version:     3,
		Description: "v3: at most one pending approval per user and command",
		SQL: `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_pending_command
			ON approvals(user_id, command_text) WHERE status = 'pending';
		`,
	},
}

// RunMigrations applies all pending schema migrations.
// It uses a schema_version table to track which migrations have been applied.
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
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		logger.Info("applying migration",
			"version", m.Version,
			"description", m.Description,
		)

		if err := applyMigration(db, m); err != nil {
			logger.Warn("migration failed as a batch, retrying statement by statement",
				"version", m.Version,
				"err", err,
			)
			if err := applyMigrationStatements(db, m, logger); err != nil {
				return err
			}
		}

		logger.Info("migration applied", "version", m.Version)
	}

	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.Version, err)
	}
	if _, err := tx.Exec(m.SQL); err != nil {
		tx.Rollback()
		return err
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
	return nil
}

// applyMigrationStatements applies each SQL statement individually, ignoring
// "duplicate column" or "already exists" errors for idempotency.
func applyMigrationStatements(db *sql.DB, m migration, logger *slog.Logger) error {
	for _, stmt := range strings.Split(m.SQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			errStr := strings.ToLower(err.Error())
			if strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists") {
				logger.Debug("migration statement skipped (already applied)", "stmt_prefix", truncate(stmt, 60))
				continue
			}
			return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
		}
	}

	if _, err := db.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err != nil {
		return 0, nil // Table doesn't exist => version 0
	}

	var version int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}
