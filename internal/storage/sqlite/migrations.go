package sqlite

import (
	"database/sql"
	"fmt"
)

// runMigrations applies all database migrations
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	for i, migration := range migrations {
		version := i + 1
		if version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(migration); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	return nil
}

// migrations are applied in order; version N is migrations[N-1].
var migrations = []string{
	migration001RateLimits,
	migration002Downloads,
	migration003Users,
	migration004DownloadsCreated,
}

const migration001RateLimits = `
CREATE TABLE IF NOT EXISTS rate_limits (
	user_id TEXT PRIMARY KEY,
	hour_start INTEGER NOT NULL,
	requests_count INTEGER NOT NULL
);

CREATE INDEX idx_rate_limits_hour ON rate_limits(hour_start);
`

const migration002Downloads = `
CREATE TABLE IF NOT EXISTS downloads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	url TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	platform TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	file_size INTEGER NOT NULL DEFAULT 0,
	elapsed_ms INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	error_code TEXT NOT NULL DEFAULT '',
	error_msg TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL -- unix milliseconds
);

CREATE INDEX idx_downloads_user ON downloads(user_id, id);
`

const migration003Users = `
CREATE TABLE IF NOT EXISTS users (
	user_id TEXT PRIMARY KEY,
	total INTEGER NOT NULL DEFAULT 0,
	succeeded INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	cancelled INTEGER NOT NULL DEFAULT 0,
	bytes INTEGER NOT NULL DEFAULT 0,
	last_at INTEGER NOT NULL DEFAULT 0
);
`

const migration004DownloadsCreated = `
CREATE INDEX IF NOT EXISTS idx_downloads_created ON downloads(created_at);
`
