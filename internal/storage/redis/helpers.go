package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/kfetch/internal/storage"
)

// parseUserStats converts a Redis hash to UserStats. A missing hash is a
// user with no history.
func parseUserStats(user string, data map[string]string) (*storage.UserStats, error) {
	stats := &storage.UserStats{User: user}
	if len(data) == 0 {
		return stats, nil
	}

	ints := map[string]*int{
		"total":     &stats.Total,
		"succeeded": &stats.Succeeded,
		"failed":    &stats.Failed,
		"cancelled": &stats.Cancelled,
	}
	for field, dst := range ints {
		raw, ok := data[field]
		if !ok {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", field, err)
		}
		*dst = v
	}

	if raw, ok := data["bytes"]; ok {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse bytes: %w", err)
		}
		stats.Bytes = v
	}

	if raw, ok := data["last_at_ms"]; ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_at_ms: %w", err)
		}
		stats.LastAt = time.UnixMilli(ms).UTC()
	}

	return stats, nil
}
