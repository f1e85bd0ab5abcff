package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/kfetch/internal/media"
	"github.com/goodtune/kfetch/internal/policy"
	"github.com/goodtune/kfetch/internal/ratelimit"
	"github.com/goodtune/kfetch/internal/session"
	"github.com/goodtune/kfetch/internal/storage"
)

// RecentLimit is how many log entries Stats returns.
const RecentLimit = 10

// Stats is a user's usage summary.
type Stats struct {
	User    media.UserID       `json:"user"`
	History *storage.UserStats `json:"history"`
	Recent  []storage.Record   `json:"recent"`
	Quota   ratelimit.Quota    `json:"quota"`
	Session *session.Session   `json:"session,omitempty"`
}

// Stats reports the user's download history, remaining hourly quota and
// current flow.
func (e *Engine) Stats(ctx context.Context, user media.UserID) (*Stats, error) {
	st := &Stats{User: user, History: &storage.UserStats{User: string(user)}}

	if e.history != nil {
		h, err := e.history.UserStats(ctx, string(user))
		switch {
		case errors.Is(err, storage.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("failed to load stats: %w", err)
		default:
			st.History = h
		}

		recent, err := e.history.Recent(ctx, string(user), RecentLimit)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to load history: %w", err)
		}
		st.Recent = recent
	}

	q, err := e.limiter.Quota(ctx, user, e.cfg.RatePerHour)
	if err != nil {
		e.logger.Warn().Err(err).Str("user", string(user)).Msg("Failed to read quota")
	}
	st.Quota = q

	if sess, err := e.sessions.Get(user); err == nil {
		st.Session = &sess
	}
	return st, nil
}

// AdminWindow is the look-back for the recent counters in AdminStats.
const AdminWindow = 24 * time.Hour

// Settings are the operating limits reported to admins.
type Settings struct {
	MaxFileSize      int64 `json:"max_file_size"`
	MaxConcurrent    int   `json:"max_concurrent"`
	RatePerHour      int   `json:"rate_per_hour"`
	BatchConcurrency int   `json:"batch_concurrency"`
	MaxPlaylistItems int   `json:"max_playlist_items"`
	EnablePlaylists  bool  `json:"enable_playlists"`
}

// AdminStats is the service-wide summary.
type AdminStats struct {
	Usage       *storage.GlobalStats `json:"usage"`
	ActiveFlows int                  `json:"active_flows"`
	SlotsInUse  int                  `json:"slots_in_use"`
	Settings    Settings             `json:"settings"`
}

// AdminStats reports usage across all users and the current limits. Only
// users the policy grants the admin action may read it, so an engine
// without a policy refuses everyone.
func (e *Engine) AdminStats(ctx context.Context, user media.UserID) (*AdminStats, error) {
	if e.auth == nil {
		return nil, media.NewError(media.ErrForbidden, "admin", "no access policy", nil)
	}
	if err := e.authorize(ctx, user, session.Action(policy.ActionAdmin), ""); err != nil {
		return nil, err
	}

	st := &AdminStats{
		Usage: &storage.GlobalStats{Since: e.clock.Now().Add(-AdminWindow)},
		Settings: Settings{
			MaxFileSize:      e.cfg.MaxFileSize,
			MaxConcurrent:    e.dispatcher.Capacity(),
			RatePerHour:      e.cfg.RatePerHour,
			BatchConcurrency: e.cfg.BatchConcurrency,
			MaxPlaylistItems: e.cfg.MaxPlaylistItems,
			EnablePlaylists:  e.cfg.EnablePlaylists,
		},
		SlotsInUse: e.dispatcher.InUse(),
	}
	if e.history != nil {
		g, err := e.history.GlobalStats(ctx, st.Usage.Since)
		if err != nil {
			return nil, fmt.Errorf("failed to load global stats: %w", err)
		}
		st.Usage = g
	}

	e.mu.Lock()
	st.ActiveFlows = len(e.flows)
	e.mu.Unlock()
	return st, nil
}
