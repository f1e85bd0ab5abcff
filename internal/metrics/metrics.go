package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Admission metrics
	RateLimitDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kfetch_rate_limit_decisions_total",
			Help: "Rate limit admission decisions",
		},
		[]string{"result"},
	)

	RateLimitErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kfetch_rate_limit_errors_total",
			Help: "Window store failures during admission (admitted fail-open)",
		},
	)

	PolicyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kfetch_policy_decisions_total",
			Help: "Access policy decisions",
		},
		[]string{"result"},
	)

	// Session metrics
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kfetch_sessions_active",
			Help: "Number of live interactive sessions",
		},
	)

	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kfetch_session_transitions_total",
			Help: "Session state machine transitions",
		},
		[]string{"from", "to"},
	)

	// Download metrics
	DownloadSlotsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kfetch_download_slots_in_use",
			Help: "Global download slots currently held",
		},
	)

	DownloadSlotWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kfetch_download_slot_wait_seconds",
			Help:    "Time spent waiting for a global download slot",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)

	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kfetch_downloads_total",
			Help: "Finished downloads by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	DownloadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kfetch_download_duration_seconds",
			Help:    "Fetch duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"kind"},
	)

	BatchTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kfetch_batch_tasks_total",
			Help: "Playlist batch task outcomes",
		},
		[]string{"outcome"},
	)

	ProgressEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kfetch_progress_events_total",
			Help: "Progress events by throttle result",
		},
		[]string{"result"},
	)

	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kfetch_api_requests_total",
			Help: "API requests by route and status class",
		},
		[]string{"route", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		RateLimitDecisions,
		RateLimitErrors,
		PolicyDecisions,
		SessionsActive,
		SessionTransitions,
		DownloadSlotsInUse,
		DownloadSlotWait,
		DownloadsTotal,
		DownloadDuration,
		BatchTasksTotal,
		ProgressEvents,
		APIRequests,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
