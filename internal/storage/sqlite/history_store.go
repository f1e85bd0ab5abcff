package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/kfetch/internal/storage"
)

type historyStore struct {
	db    *sql.DB
	limit int
}

func (s *historyStore) Append(ctx context.Context, rec storage.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO downloads (user_id, url, title, platform, kind, file_size, elapsed_ms, status, error_code, error_msg, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.User, rec.URL, rec.Title, rec.Platform, rec.Kind, rec.FileSize,
		rec.Elapsed.Milliseconds(), string(rec.Status), rec.ErrorCode, rec.ErrorMessage,
		rec.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to insert download: %w", err)
	}

	var succeeded, failed, cancelled, bytes int64
	switch rec.Status {
	case storage.StatusSuccess:
		succeeded, bytes = 1, rec.FileSize
	case storage.StatusCancelled:
		cancelled = 1
	default:
		failed = 1
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (user_id, total, succeeded, failed, cancelled, bytes, last_at)
		VALUES (?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			total = total + 1,
			succeeded = succeeded + excluded.succeeded,
			failed = failed + excluded.failed,
			cancelled = cancelled + excluded.cancelled,
			bytes = bytes + excluded.bytes,
			last_at = MAX(last_at, excluded.last_at)`,
		rec.User, succeeded, failed, cancelled, bytes, rec.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to update user counters: %w", err)
	}

	if s.limit > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM downloads WHERE user_id = ? AND id NOT IN (
				SELECT id FROM downloads WHERE user_id = ? ORDER BY id DESC LIMIT ?
			)`, rec.User, rec.User, s.limit,
		); err != nil {
			return fmt.Errorf("failed to prune downloads: %w", err)
		}
	}

	return tx.Commit()
}

func (s *historyStore) UserStats(ctx context.Context, user string) (*storage.UserStats, error) {
	stats := &storage.UserStats{User: user}
	var lastAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT total, succeeded, failed, cancelled, bytes, last_at FROM users WHERE user_id = ?", user,
	).Scan(&stats.Total, &stats.Succeeded, &stats.Failed, &stats.Cancelled, &stats.Bytes, &lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return stats, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user stats: %w", err)
	}
	if lastAt > 0 {
		stats.LastAt = time.UnixMilli(lastAt).UTC()
	}
	return stats, nil
}

func (s *historyStore) Recent(ctx context.Context, user string, limit int) ([]storage.Record, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT url, title, platform, kind, file_size, elapsed_ms, status, error_code, error_msg, created_at
		FROM downloads WHERE user_id = ? ORDER BY id DESC LIMIT ?`, user, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query downloads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []storage.Record
	for rows.Next() {
		var (
			rec       storage.Record
			status    string
			elapsedMS int64
			createdAt int64
		)
		if err := rows.Scan(&rec.URL, &rec.Title, &rec.Platform, &rec.Kind, &rec.FileSize,
			&elapsedMS, &status, &rec.ErrorCode, &rec.ErrorMessage, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		rec.User = user
		rec.Status = storage.Status(status)
		rec.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		rec.CreatedAt = time.UnixMilli(createdAt).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *historyStore) GlobalStats(ctx context.Context, since time.Time) (*storage.GlobalStats, error) {
	g := &storage.GlobalStats{Since: since}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total), 0), COALESCE(SUM(succeeded), 0), COALESCE(SUM(failed), 0),
			COALESCE(SUM(cancelled), 0), COALESCE(SUM(bytes), 0)
		FROM users WHERE total > 0`,
	).Scan(&g.Users, &g.Total, &g.Succeeded, &g.Failed, &g.Cancelled, &g.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to read global stats: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM downloads WHERE created_at >= ?`,
		string(storage.StatusSuccess), since.UnixMilli(),
	).Scan(&g.RecentTotal, &g.RecentSucceeded)
	if err != nil {
		return nil, fmt.Errorf("failed to count recent downloads: %w", err)
	}
	return g, nil
}
