package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/goodtune/kfetch/internal/storage"
	"github.com/redis/go-redis/v9"
)

type historyStore struct {
	client *redis.Client
	limit  int
}

// Append records a finished download
func (s *historyStore) Append(ctx context.Context, rec storage.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	keys := []string{historyKey(rec.User), statsKey(rec.User), usersKey}
	args := []interface{}{
		payload,
		s.limit,
		string(rec.Status),
		rec.FileSize,
		rec.CreatedAt.UnixMilli(),
		rec.User,
	}

	return appendHistory.Run(ctx, s.client, keys, args...).Err()
}

// UserStats returns the aggregate counters for user
func (s *historyStore) UserStats(ctx context.Context, user string) (*storage.UserStats, error) {
	data, err := s.client.HGetAll(ctx, statsKey(user)).Result()
	if err != nil {
		return nil, err
	}
	return parseUserStats(user, data)
}

// Recent returns up to limit records, newest first
func (s *historyStore) Recent(ctx context.Context, user string, limit int) ([]storage.Record, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	items, err := s.client.LRange(ctx, historyKey(user), 0, stop).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	records := make([]storage.Record, 0, len(items))
	for _, item := range items {
		var rec storage.Record
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}

// GlobalStats sums the counters of every indexed user and scans their
// retained history for records at or after since.
func (s *historyStore) GlobalStats(ctx context.Context, since time.Time) (*storage.GlobalStats, error) {
	users, err := s.client.SMembers(ctx, usersKey).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	g := &storage.GlobalStats{Since: since}
	if len(users) == 0 {
		return g, nil
	}

	pipe := s.client.Pipeline()
	stats := make([]*redis.MapStringStringCmd, len(users))
	lists := make([]*redis.StringSliceCmd, len(users))
	for i, user := range users {
		stats[i] = pipe.HGetAll(ctx, statsKey(user))
		lists[i] = pipe.LRange(ctx, historyKey(user), 0, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read user stats: %w", err)
	}

	for i, user := range users {
		st, err := parseUserStats(user, stats[i].Val())
		if err != nil {
			return nil, err
		}
		g.AddUser(st)
		for _, item := range lists[i].Val() {
			var rec storage.Record
			if err := json.Unmarshal([]byte(item), &rec); err != nil {
				continue
			}
			g.AddRecent(rec)
		}
	}
	return g, nil
}
