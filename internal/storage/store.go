package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Windows() WindowStore
	History() HistoryStore
}

// WindowStore holds fixed-window admission counters keyed by user.
type WindowStore interface {
	// Admit performs an atomic check-and-increment for user in window.
	// A window later than the stored one replaces it with count 1. Within
	// the stored window the count is incremented while it is below limit.
	// A window earlier than the stored one is counted against the stored
	// window, so windows never roll back.
	Admit(ctx context.Context, user string, window int64, limit int) (allowed bool, count int, err error)

	// Get returns the stored window for user or ErrNotFound.
	Get(ctx context.Context, user string) (*RateWindow, error)

	// DeleteBefore removes windows older than window and returns how many
	// were removed.
	DeleteBefore(ctx context.Context, window int64) (int, error)
}

// HistoryStore is the append-only log of finished downloads.
type HistoryStore interface {
	Append(ctx context.Context, rec Record) error
	UserStats(ctx context.Context, user string) (*UserStats, error)
	Recent(ctx context.Context, user string, limit int) ([]Record, error)

	// GlobalStats aggregates every user's counters and counts the
	// retained records created at or after since.
	GlobalStats(ctx context.Context, since time.Time) (*GlobalStats, error)
}
