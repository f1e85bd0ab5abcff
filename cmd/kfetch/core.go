package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goodtune/kfetch/internal/clock"
	"github.com/goodtune/kfetch/internal/config"
	"github.com/goodtune/kfetch/internal/dispatch"
	"github.com/goodtune/kfetch/internal/engine"
	"github.com/goodtune/kfetch/internal/policy"
	"github.com/goodtune/kfetch/internal/ratelimit"
	"github.com/goodtune/kfetch/internal/session"
	"github.com/goodtune/kfetch/internal/storage"
	"github.com/goodtune/kfetch/internal/storage/memory"
	"github.com/goodtune/kfetch/internal/storage/redis"
	"github.com/goodtune/kfetch/internal/storage/sqlite"
	"github.com/goodtune/kfetch/internal/ytdlp"
	"github.com/rs/zerolog"
)

// core is the engine and everything it drives, shared by serve and fetch.
type core struct {
	store    storage.Store
	policy   *policy.Engine
	fetcher  *ytdlp.Client
	limiter  *ratelimit.Limiter
	sessions *session.Store
	engine   *engine.Engine
	logger   zerolog.Logger
}

func buildCore(cfg *config.Config, deliverer engine.Deliverer, logger zerolog.Logger) (*core, error) {
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	policyEngine, err := policy.NewEngine(cfg.Policy, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize Policy Engine: %w", err)
	}
	logger.Info().Str("dir", cfg.Policy.Dir).Msg("Policy Engine initialized")

	workDir := filepath.Join(cfg.Downloads.Dir, ".work")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	clk := clock.Real{}
	fetcher := ytdlp.New(cfg.Fetcher, cfg.Downloads.MaxFileSize(), logger)
	limiter := ratelimit.New(store.Windows(), clk, logger)
	sessions := session.NewStore(cfg.Session.TTL(), clk, logger)
	dispatcher := dispatch.New(fetcher, limiter, dispatch.Config{
		MaxConcurrent: cfg.Downloads.MaxConcurrent,
		MaxFileSize:   cfg.Downloads.MaxFileSize(),
		RatePerHour:   cfg.RateLimit.PerUserPerHour,
		WorkDir:       workDir,
	}, logger)

	eng := engine.New(engine.ConfigFrom(cfg), engine.Deps{
		Fetcher:    fetcher,
		Limiter:    limiter,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Authorizer: policyEngine,
		History:    store.History(),
		Deliverer:  deliverer,
		Clock:      clk,
	}, logger)

	return &core{
		store:    store,
		policy:   policyEngine,
		fetcher:  fetcher,
		limiter:  limiter,
		sessions: sessions,
		engine:   eng,
		logger:   logger,
	}, nil
}

// checkFetcher logs the backend version, warning when it cannot run.
func (c *core) checkFetcher(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	v, err := c.fetcher.Version(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("yt-dlp is not available, downloads will fail")
		return
	}
	c.logger.Info().Str("version", v).Msg("yt-dlp found")
}

// close stops running flows, then releases storage.
func (c *core) close(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := c.engine.Shutdown(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Flows did not stop in time")
	}
	c.sessions.Stop()
	if err := c.store.Close(); err != nil {
		c.logger.Error().Err(err).Msg("Failed to close storage")
	}
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "memory":
		return memory.New(cfg.HistoryLimit), nil
	case "redis":
		return redis.Open(cfg)
	case "sqlite":
		return sqlite.Open(cfg.Path, cfg.HistoryLimit)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
