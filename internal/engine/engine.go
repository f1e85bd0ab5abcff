// Package engine exposes the download orchestration core to transports:
// URL submission, interactive choices, cancellation and progress streams.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/kfetch/internal/batch"
	"github.com/goodtune/kfetch/internal/clock"
	"github.com/goodtune/kfetch/internal/config"
	"github.com/goodtune/kfetch/internal/dispatch"
	"github.com/goodtune/kfetch/internal/media"
	"github.com/goodtune/kfetch/internal/policy"
	"github.com/goodtune/kfetch/internal/progress"
	"github.com/goodtune/kfetch/internal/ratelimit"
	"github.com/goodtune/kfetch/internal/session"
	"github.com/goodtune/kfetch/internal/storage"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Config holds the engine's tunables.
type Config struct {
	RatePerHour       int
	BatchConcurrency  int
	MaxPlaylistItems  int
	EnablePlaylists   bool
	ProgressInterval  time.Duration
	StreamBuffer      int
	SubtitleLanguages []string
	InfoCacheSize     int
	InfoCacheTTL      time.Duration
	MaxFileSize       int64
}

// ConfigFrom extracts the engine settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	ttl, _ := time.ParseDuration(cfg.Fetcher.InfoCacheTTL)
	return Config{
		RatePerHour:       cfg.RateLimit.PerUserPerHour,
		BatchConcurrency:  cfg.Downloads.BatchConcurrency,
		MaxPlaylistItems:  cfg.Downloads.MaxPlaylistItems,
		EnablePlaylists:   cfg.Downloads.EnablePlaylists,
		ProgressInterval:  cfg.Progress.Interval(),
		StreamBuffer:      cfg.Progress.Buffer,
		SubtitleLanguages: cfg.Fetcher.SubtitleLanguages,
		InfoCacheSize:     cfg.Fetcher.InfoCacheSize,
		InfoCacheTTL:      ttl,
		MaxFileSize:       cfg.Downloads.MaxFileSize(),
	}
}

// Authorizer decides whether a user may act.
type Authorizer interface {
	Authorize(ctx context.Context, req policy.Request) (policy.Decision, error)
}

// Deps are the collaborators an engine drives. Authorizer, History and
// Deliverer are optional.
type Deps struct {
	Fetcher    media.Fetcher
	Limiter    *ratelimit.Limiter
	Sessions   *session.Store
	Dispatcher *dispatch.Dispatcher
	Authorizer Authorizer
	History    storage.HistoryStore
	Deliverer  Deliverer
	Clock      clock.Clock
}

// Engine is the transport-facing core. All methods are safe for
// concurrent use.
type Engine struct {
	cfg        Config
	fetcher    media.Fetcher
	limiter    *ratelimit.Limiter
	sessions   *session.Store
	dispatcher *dispatch.Dispatcher
	batches    *batch.Coordinator
	auth       Authorizer
	history    storage.HistoryStore
	deliverer  Deliverer
	clock      clock.Clock
	logger     zerolog.Logger

	cache    *lru.LRU[string, *media.Info]
	resolves singleflight.Group

	mu    sync.Mutex
	flows map[media.UserID]*flow

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Deliverer == nil {
		deps.Deliverer = discardDeliverer{}
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = batch.DefaultConcurrency
	}
	if cfg.MaxPlaylistItems <= 0 {
		cfg.MaxPlaylistItems = 50
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		fetcher:    deps.Fetcher,
		limiter:    deps.Limiter,
		sessions:   deps.Sessions,
		dispatcher: deps.Dispatcher,
		auth:       deps.Authorizer,
		history:    deps.History,
		deliverer:  deps.Deliverer,
		clock:      deps.Clock,
		logger:     logger.With().Str("component", "engine").Logger(),
		flows:      make(map[media.UserID]*flow),
		ctx:        ctx,
		cancel:     cancel,
	}
	if cfg.InfoCacheSize > 0 {
		e.cache = lru.NewLRU[string, *media.Info](cfg.InfoCacheSize, nil, cfg.InfoCacheTTL)
	}
	e.batches = batch.New(deliveringRunner{e}, deps.Dispatcher.Capacity(), logger)
	return e
}

// authorize applies the access policy. Evaluation failures deny.
func (e *Engine) authorize(ctx context.Context, user media.UserID, action session.Action, url string) error {
	if user == "" {
		return media.NewError(media.ErrForbidden, "authorize", "missing user identity", nil)
	}
	if e.auth == nil {
		return nil
	}
	d, err := e.auth.Authorize(ctx, policy.Request{User: string(user), Action: string(action), URL: url})
	if err != nil {
		e.logger.Error().Err(err).Str("user", string(user)).Msg("Policy evaluation failed")
		return media.NewError(media.ErrForbidden, "authorize", "policy unavailable", err)
	}
	if !d.Allow {
		e.logger.Info().Str("user", string(user)).Str("reason", d.Reason).Msg("Access denied")
		return media.NewError(media.ErrForbidden, "authorize", d.Reason, nil)
	}
	return nil
}

// SubmitURL starts a flow for url and returns the choices on offer. When
// the user already has a flow awaiting a choice, that flow's prompt is
// returned unchanged with Resumed set.
//
// Each new flow costs one unit of the user's hourly quota, charged before
// the link is resolved. Resumed prompts are free.
func (e *Engine) SubmitURL(ctx context.Context, user media.UserID, url string) (*Prompt, error) {
	if err := e.authorize(ctx, user, "", url); err != nil {
		return nil, err
	}
	if url == "" {
		return nil, media.NewError(media.ErrUnsupportedFormat, "submit", "empty url", nil)
	}

	if cur, err := e.sessions.Get(user); err == nil && !cur.State.Terminal() {
		return e.existing(cur)
	}
	if !e.limiter.Admit(ctx, user, e.cfg.RatePerHour) {
		e.logger.Info().Str("user", string(user)).Msg("Request rate limited")
		return nil, media.NewError(media.ErrRateLimited, "submit", "", nil)
	}

	sess, isNew := e.sessions.BeginOrResume(user, url)
	if !isNew {
		return e.existing(sess)
	}

	info, err := e.resolve(ctx, url)
	if err != nil {
		e.sessions.CloseIf(user, sess.ID)
		return nil, err
	}
	if info.IsPlaylist {
		if !e.cfg.EnablePlaylists {
			e.sessions.CloseIf(user, sess.ID)
			return nil, media.NewError(media.ErrUnsupportedFormat, "submit", "playlists are disabled", nil)
		}
		if len(info.Entries) == 0 {
			e.sessions.CloseIf(user, sess.ID)
			return nil, media.NewError(media.ErrUnsupportedFormat, "submit", "empty playlist", nil)
		}
	}

	next, err := e.sessions.Advance(user, session.SubmitURL(info))
	if err != nil {
		// Cancelled or expired while resolving.
		e.sessions.CloseIf(user, sess.ID)
		if errors.Is(err, media.ErrSessionAbsent) || next.State == session.Cancelled {
			return nil, media.NewError(media.ErrCancelled, "submit", "", err)
		}
		return nil, err
	}
	return e.prompt(next, false), nil
}

// existing answers a submission made while sess is still live.
func (e *Engine) existing(sess session.Session) (*Prompt, error) {
	if sess.State == session.AwaitingChoice {
		return e.prompt(sess, true), nil
	}
	return nil, media.NewError(media.ErrInvalidTransition, "submit",
		fmt.Sprintf("a request is already %s", sess.State), nil)
}

// CancelCurrent cancels the user's flow. Running downloads are stopped
// and their partial output removed; the session closes once they unwind.
func (e *Engine) CancelCurrent(user media.UserID) error {
	sess, err := e.sessions.Advance(user, session.Cancel())
	if err != nil {
		return err
	}
	e.logger.Info().Str("user", string(user)).Str("session", sess.ID).Str("from", string(sess.Prev)).Msg("Flow cancelled")

	// A running flow closes its own session when it finishes.
	if sess.Prev != session.Executing {
		e.sessions.CloseIf(user, sess.ID)
	}
	return nil
}

// GetProgressStream returns the progress of the user's running flow. The
// stream ends after the flow's terminal event. Without a running flow the
// returned stream is already closed.
func (e *Engine) GetProgressStream(user media.UserID) *progress.Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.flows[user]; ok {
		return f.stream
	}
	return progress.ClosedStream()
}

// Shutdown cancels every running flow and waits for them to unwind or
// for ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flows still running: %w", ctx.Err())
	}
}
