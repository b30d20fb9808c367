package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/goodtune/worksight/internal/api"
	"github.com/goodtune/worksight/internal/config"
	"github.com/goodtune/worksight/internal/metrics"
	"github.com/goodtune/worksight/internal/presence"
	"github.com/goodtune/worksight/internal/session"
	"github.com/goodtune/worksight/internal/storage"
	"github.com/goodtune/worksight/internal/storage/bolt"
	"github.com/goodtune/worksight/internal/storage/redis"
	"github.com/goodtune/worksight/internal/systemd"
	"github.com/goodtune/worksight/internal/transport/ws"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start Worksight server",
	Long:  `Start the Worksight server with the session API, the presence WebSocket endpoint, and metrics.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting Worksight")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	clock := clockwork.NewRealClock()

	// Initialize session lifecycle
	tracker := session.NewTracker(store.Sessions(), clock, logger)
	manager, err := session.NewManager(store.Sessions(), tracker, session.Config{
		Clock:        clock,
		AppCacheSize: cfg.Sessions.AppCacheSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Session Manager: %w", err)
	}

	ctx := context.Background()
	if _, err := manager.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore sessions: %w", err)
	}

	// Initialize presence
	registry := presence.NewRegistry(clock, logger)
	coordinator := presence.NewCoordinator(registry, manager, logger)

	sweeper := presence.NewSweeper(
		registry,
		manager,
		parseDuration(cfg.Sessions.SweepInterval, time.Minute),
		parseDuration(cfg.Sessions.DisconnectGrace, 5*time.Minute),
		clock,
		logger,
	)

	wsOptions := ws.OptionsFromConfig(cfg.Presence)
	wsOptions.Clock = clock
	wsHandler := ws.NewHandler(registry, coordinator, wsOptions, logger)

	// Initialize API Server
	apiConfig := api.Config{
		ListenAddr:      net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.APIPort)),
		AllowedOrigins:  cfg.Presence.AllowedOrigins,
		ShutdownTimeout: parseDuration(cfg.Server.ShutdownTimeout, 15*time.Second),
	}
	apiServer := api.NewServer(apiConfig, manager, registry, coordinator, wsHandler, logger)

	// Use systemd socket-activated listener if available
	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}

	// Initialize Metrics Server
	metricsAddr := net.JoinHostPort(cfg.Server.BindAddress, strconv.Itoa(cfg.Server.MetricsPort))
	metricsServer := metrics.NewServer(metricsAddr, store.Ping, logger)

	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(apiServer.Serve)
	g.Go(func() error {
		systemd.RunWatchdog(gctx, store.Ping, logger)
		return nil
	})

	sweeper.Start()

	logger.Info().Msg("Worksight startup complete")
	logger.Info().Msgf("API: http://%s", apiConfig.ListenAddr)
	logger.Info().Msgf("Presence: ws://%s/ws", apiConfig.ListenAddr)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	// Wait for signals (shutdown or sweep)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

wait:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				logger.Info().Msg("SIGHUP received, sweeping orphaned sessions...")
				ended, err := sweeper.Sweep(ctx)
				if err != nil {
					logger.Error().Err(err).Msg("Sweep failed")
				} else {
					logger.Info().Int("ended", ended).Msg("Sweep complete")
				}
				continue
			}
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			break wait

		case <-gctx.Done():
			logger.Error().Msg("Server exited unexpectedly, stopping...")
			break wait
		}
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API Server")
	}

	// Presence events stop before connections drop, so a shutdown does not
	// end the sessions of employees who are about to reconnect.
	registry.Close()
	wsHandler.Close()

	sweeper.Stop()

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	cancel()
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Server error")
		return err
	}

	logger.Info().Msg("Worksight stopped")

	return nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "redis":
		return redis.Open(cfg.Redis)
	case "bolt":
		return bolt.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (must be 'redis' or 'bolt')", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
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
