// Package api exposes the download engine over HTTP. It is a thin
// transport: every request maps onto one engine operation and every
// failure is reported with the engine's error code.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goodtune/kfetch/internal/engine"
	"github.com/goodtune/kfetch/internal/media"
	"github.com/goodtune/kfetch/internal/progress"
	"github.com/rs/zerolog"
)

// Core is the part of the engine the API drives.
type Core interface {
	SubmitURL(ctx context.Context, user media.UserID, url string) (*engine.Prompt, error)
	SubmitChoice(ctx context.Context, user media.UserID, token string) (*engine.Ticket, error)
	CancelCurrent(user media.UserID) error
	GetProgressStream(user media.UserID) *progress.Stream
	Stats(ctx context.Context, user media.UserID) (*engine.Stats, error)
	AdminStats(ctx context.Context, user media.UserID) (*engine.AdminStats, error)
}

// Config holds the API server settings.
type Config struct {
	Addr      string
	RateLimit int // requests per minute per client IP, 0 disables
}

// Server is the API HTTP server
type Server struct {
	config   Config
	core     Core
	router   chi.Router
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger
}

// NewServer creates a new API server
func NewServer(cfg Config, core Core, logger zerolog.Logger) *Server {
	s := &Server{
		config: cfg,
		core:   core,
		router: chi.NewRouter(),
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(s.logger))
	if s.config.RateLimit > 0 {
		r.Use(RateLimit(s.config.RateLimit, time.Minute))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1/users/{user}", func(r chi.Router) {
		r.Post("/urls", s.handleSubmitURL)
		r.Post("/choices", s.handleSubmitChoice)
		r.Delete("/flow", s.handleCancel)
		r.Get("/progress", s.handleProgress)
		r.Get("/stats", s.handleStats)
		r.Get("/admin/stats", s.handleAdminStats)
	})
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.Addr).Msg("Starting API server")

	if s.listener == nil {
		ln, err := net.Listen("tcp", s.config.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
		}
		s.listener = ln
	} else {
		s.logger.Debug().Msg("Using systemd socket-activated API listener")
	}

	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully stops the API server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
