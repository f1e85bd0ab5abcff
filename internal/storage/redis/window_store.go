package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goodtune/kfetch/internal/storage"
	"github.com/redis/go-redis/v9"
)

// windowTTL outlives the hour a window covers so stale keys vanish even
// without an explicit sweep.
const windowTTL = 2 * 3600

type windowStore struct {
	client *redis.Client
}

// Admit runs the check-and-increment as a single script so concurrent
// admissions from any number of replicas serialize per key.
func (s *windowStore) Admit(ctx context.Context, user string, window int64, limit int) (bool, int, error) {
	keys := []string{windowKey(user), windowIndexKey}
	res, err := admit.Run(ctx, s.client, keys, window, limit, windowTTL, user).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("failed to run admit script: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected admit script result: %v", res)
	}
	return res[0] == 1, int(res[1]), nil
}

// Get retrieves the stored window for user
func (s *windowStore) Get(ctx context.Context, user string) (*storage.RateWindow, error) {
	data, err := s.client.HGetAll(ctx, windowKey(user)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	window, err := strconv.ParseInt(data["window"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse window: %w", err)
	}
	count, err := strconv.Atoi(data["count"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse count: %w", err)
	}

	return &storage.RateWindow{User: user, Window: window, Count: count}, nil
}

// DeleteBefore removes windows older than window
func (s *windowStore) DeleteBefore(ctx context.Context, window int64) (int, error) {
	n, err := deleteStaleWindows.Run(ctx, s.client, []string{windowIndexKey}, window, keyPrefix+"window:").Int()
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale windows: %w", err)
	}
	return n, nil
}
