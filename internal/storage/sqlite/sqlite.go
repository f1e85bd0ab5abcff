// Package sqlite is the durable single-node storage backend.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goodtune/kfetch/internal/storage"
	_ "modernc.org/sqlite"
)

// Store implements storage.Store on a SQLite database
type Store struct {
	db           *sql.DB
	windowStore  *windowStore
	historyStore *historyStore
}

// Open opens (or creates) the database at path and runs migrations.
// historyLimit caps the download records kept per user (0 keeps all).
func Open(path string, historyLimit int) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		path = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite limitation
	db.SetMaxIdleConns(1)

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{
		db:           db,
		windowStore:  &windowStore{db: db},
		historyStore: &historyStore{db: db, limit: historyLimit},
	}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Windows returns the WindowStore implementation
func (s *Store) Windows() storage.WindowStore {
	return s.windowStore
}

// History returns the HistoryStore implementation
func (s *Store) History() storage.HistoryStore {
	return s.historyStore
}
