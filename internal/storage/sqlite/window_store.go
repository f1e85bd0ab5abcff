package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goodtune/kfetch/internal/storage"
)

type windowStore struct {
	db *sql.DB
}

// Admit runs the check-and-increment inside one transaction. The pool holds
// a single connection, so transactions are fully serialized.
func (s *windowStore) Admit(ctx context.Context, user string, window int64, limit int) (bool, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		hourStart int64
		count     int
	)
	err = tx.QueryRowContext(ctx,
		"SELECT hour_start, requests_count FROM rate_limits WHERE user_id = ?", user,
	).Scan(&hourStart, &count)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO rate_limits (user_id, hour_start, requests_count) VALUES (?, ?, 1)", user, window,
		); err != nil {
			return false, 0, fmt.Errorf("failed to insert rate window: %w", err)
		}
		count = 1
	case err != nil:
		return false, 0, fmt.Errorf("failed to read rate window: %w", err)
	case window > hourStart:
		if _, err := tx.ExecContext(ctx,
			"UPDATE rate_limits SET hour_start = ?, requests_count = 1 WHERE user_id = ?", window, user,
		); err != nil {
			return false, 0, fmt.Errorf("failed to reset rate window: %w", err)
		}
		count = 1
	case count >= limit:
		return false, count, nil
	default:
		if _, err := tx.ExecContext(ctx,
			"UPDATE rate_limits SET requests_count = requests_count + 1 WHERE user_id = ?", user,
		); err != nil {
			return false, 0, fmt.Errorf("failed to increment rate window: %w", err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("failed to commit rate window: %w", err)
	}
	return true, count, nil
}

func (s *windowStore) Get(ctx context.Context, user string) (*storage.RateWindow, error) {
	w := &storage.RateWindow{User: user}
	err := s.db.QueryRowContext(ctx,
		"SELECT hour_start, requests_count FROM rate_limits WHERE user_id = ?", user,
	).Scan(&w.Window, &w.Count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *windowStore) DeleteBefore(ctx context.Context, window int64) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM rate_limits WHERE hour_start < ?", window)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale windows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
