// Package ratelimit implements per-user admission control over fixed
// hourly windows.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/kfetch/internal/clock"
	"github.com/goodtune/kfetch/internal/media"
	"github.com/goodtune/kfetch/internal/metrics"
	"github.com/goodtune/kfetch/internal/storage"
	"github.com/rs/zerolog"
)

// WindowSize is the length of one admission window.
const WindowSize = time.Hour

// Window returns the index of the fixed window containing t, that is
// floor(unix seconds / 3600).
func Window(t time.Time) int64 {
	sec := t.Unix()
	w := sec / int64(WindowSize/time.Second)
	if sec < 0 && sec%int64(WindowSize/time.Second) != 0 {
		w--
	}
	return w
}

// WindowStart returns the start time of window w.
func WindowStart(w int64) time.Time {
	return time.Unix(w*int64(WindowSize/time.Second), 0)
}

// Limiter admits user actions against a per-user hourly quota.
//
// Windows are fixed, not sliding: the count resets when the hour changes, so
// a user can burst up to twice the limit across a window boundary.
type Limiter struct {
	store  storage.WindowStore
	clock  clock.Clock
	logger zerolog.Logger
}

// New creates a limiter backed by store.
func New(store storage.WindowStore, clk clock.Clock, logger zerolog.Logger) *Limiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Limiter{
		store:  store,
		clock:  clk,
		logger: logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Admit reports whether user may start another action within limit per
// hour, counting the action when it is admitted. A limit of zero or less
// disables limiting. Store failures admit the request.
func (l *Limiter) Admit(ctx context.Context, user media.UserID, limit int) bool {
	if limit <= 0 {
		metrics.RateLimitDecisions.WithLabelValues("unlimited").Inc()
		return true
	}

	window := Window(l.clock.Now())
	allowed, count, err := l.store.Admit(ctx, string(user), window, limit)
	if err != nil {
		metrics.RateLimitErrors.Inc()
		l.logger.Error().Err(err).Str("user", string(user)).Msg("Rate window store failed, admitting")
		return true
	}

	if !allowed {
		metrics.RateLimitDecisions.WithLabelValues("denied").Inc()
		l.logger.Info().
			Str("user", string(user)).
			Int("count", count).
			Int("limit", limit).
			Msg("Rate limit reached")
		return false
	}

	metrics.RateLimitDecisions.WithLabelValues("allowed").Inc()
	l.logger.Debug().
		Str("user", string(user)).
		Int64("window", window).
		Int("count", count).
		Msg("Admitted")
	return true
}

// Quota describes a user's position in the current window.
type Quota struct {
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Quota reports the user's usage without counting anything.
func (l *Limiter) Quota(ctx context.Context, user media.UserID, limit int) (Quota, error) {
	window := Window(l.clock.Now())
	q := Quota{Limit: limit, Remaining: limit, ResetAt: WindowStart(window + 1)}
	if limit <= 0 {
		return q, nil
	}

	w, err := l.store.Get(ctx, string(user))
	if errors.Is(err, storage.ErrNotFound) {
		return q, nil
	}
	if err != nil {
		return q, err
	}
	if w.Window >= window {
		q.Used = w.Count
		q.Remaining = max(limit-w.Count, 0)
		q.ResetAt = WindowStart(w.Window + 1)
	}
	return q, nil
}

// Prune removes windows that ended before the current one.
func (l *Limiter) Prune(ctx context.Context) (int, error) {
	return l.store.DeleteBefore(ctx, Window(l.clock.Now()))
}

// RunJanitor prunes stale windows every interval until ctx is done.
func (l *Limiter) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.Prune(ctx)
			if err != nil {
				l.logger.Error().Err(err).Msg("Failed to prune rate windows")
				continue
			}
			if n > 0 {
				l.logger.Debug().Int("removed", n).Msg("Pruned rate windows")
			}
		}
	}
}
