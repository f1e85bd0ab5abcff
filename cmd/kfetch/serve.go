package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/kfetch/internal/api"
	"github.com/goodtune/kfetch/internal/config"
	"github.com/goodtune/kfetch/internal/engine"
	"github.com/goodtune/kfetch/internal/metrics"
	"github.com/goodtune/kfetch/internal/systemd"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the kfetch service",
	Long:    `Start the kfetch HTTP API and metrics endpoints.`,
	RunE:    runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting kfetch")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	c, err := buildCore(cfg, engine.DirDeliverer{Root: cfg.Downloads.Dir, Logger: logger}, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.checkFetcher(ctx)
	c.sessions.Start(parseDuration(cfg.Session.SweepInterval, time.Minute))
	go c.limiter.RunJanitor(ctx, 10*time.Minute)

	apiServer := api.NewServer(api.Config{
		Addr:      fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort),
		RateLimit: cfg.Server.APIRateLimit,
	}, c.engine, logger)
	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}
	if err := apiServer.Start(); err != nil {
		c.close(5 * time.Second)
		return fmt.Errorf("failed to start API Server: %w", err)
	}

	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)
		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			_ = apiServer.Stop()
			c.close(5 * time.Second)
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}
	}

	logger.Info().
		Int("api_port", cfg.Server.APIPort).
		Int("metrics_port", cfg.Server.MetricsPort).
		Int("max_concurrent", cfg.Downloads.MaxConcurrent).
		Msg("kfetch startup complete")

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}
	go func() {
		if err := systemd.RunWatchdog(ctx); err != nil {
			logger.Warn().Err(err).Msg("systemd watchdog stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
			break
		}

		logger.Info().Msg("SIGHUP received, reloading policy...")
		next, err := config.Load(configPath)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to reload configuration, keeping current policy")
			continue
		}
		if err := c.policy.Reload(next.Policy); err != nil {
			logger.Error().Err(err).Msg("Failed to reload policy")
			continue
		}
		logger.Info().Msg("Policy reloaded successfully")
		_ = systemd.NotifyStatus("policy reloaded")
	}
	signal.Stop(sigChan)

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API Server")
	}
	c.close(30 * time.Second)
	cancel()

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("kfetch stopped")
	return nil
}
