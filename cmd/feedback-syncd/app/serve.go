package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/pulsedesk/feedback-sync-server/internal/api"
	"github.com/pulsedesk/feedback-sync-server/internal/config"
	"github.com/pulsedesk/feedback-sync-server/internal/logger"
	"github.com/pulsedesk/feedback-sync-server/internal/refresh/coordinator"
	"github.com/pulsedesk/feedback-sync-server/internal/service"
	"github.com/pulsedesk/feedback-sync-server/internal/telemetry"
	"github.com/pulsedesk/feedback-sync-server/internal/versions"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the feedback cache server",
	Long: `Start the feedback cache server.

The server requires a configuration file (--config) that specifies:
- The remote feedback source endpoint and credential environment variable
- The local cache database path
- The refresh schedule (full-refresh window, business hours, time zone)

The background coordinator keeps the cache fresh per the configured schedule;
the REST API serves cached records, status, and manual refresh triggers.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second // enough to finish in-flight requests
	serverRequestTimeout   = 10 * time.Second // read API should respond quickly
	serverReadTimeout      = 10 * time.Second // enough for headers and small requests
	serverWriteTimeout     = 15 * time.Second // must be > serverRequestTimeout to let middleware handle timeout
	serverIdleTimeout      = 60 * time.Second // keep connections alive for reuse
)

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address"))
	if err != nil {
		logger.Fatalf("Failed to bind address flag: %v", err)
	}
	err = viper.BindPFlag("config", serveCmd.Flags().Lookup("config"))
	if err != nil {
		logger.Fatalf("Failed to bind config flag: %v", err)
	}

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		logger.Fatalf("Failed to mark config flag as required: %v", err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()
	logger.Initialize(viper.GetBool("debug"))

	address := viper.GetString("address")
	logger.Infof("Starting feedback cache server on %s", address)

	configPath := viper.GetString("config")
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Infof("Loaded configuration from %s (source: %s, store: %s)",
		configPath, cfg.Source.Endpoint, cfg.Store.Path)

	// Telemetry is optional; a disabled config yields a no-op provider.
	var metricsCfg *config.MetricsConfig
	if cfg.Telemetry != nil {
		metricsCfg = cfg.Telemetry.Metrics
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx,
		telemetry.WithMeterServiceName(telemetry.DefaultServiceName),
		telemetry.WithMeterServiceVersion(versions.GetVersionInfo().Version),
		telemetry.WithMetricsConfig(metricsCfg),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	defer func() {
		if sdkProvider, ok := meterProvider.(*sdkmetric.MeterProvider); ok {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := sdkProvider.Shutdown(shutdownCtx); err != nil {
				logger.Errorf("Failed to shut down meter provider: %v", err)
			}
		}
	}()

	st, engine, err := buildEngine(ctx, cfg, meterProvider)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Errorf("Failed to close store: %v", err)
		}
	}()

	// Build and start the background refresh coordinator
	schedule, err := coordinator.NewSchedule(&cfg.Schedule)
	if err != nil {
		return fmt.Errorf("failed to build refresh schedule: %w", err)
	}
	refreshCoordinator := coordinator.New(engine, st, schedule)

	coordCtx, coordCancel := context.WithCancel(context.Background())
	defer coordCancel()
	go func() {
		if err := refreshCoordinator.Start(coordCtx); err != nil {
			logger.Errorf("Refresh coordinator failed: %v", err)
		}
	}()

	// Create the read facade and the HTTP server with middleware
	svc := service.NewService(st, engine)
	router := api.NewServer(svc, engine,
		api.WithMiddlewares(
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(serverRequestTimeout),
			api.LoggingMiddleware,
		),
	)

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		logger.Infof("Server listening on %s", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	if err := refreshCoordinator.Stop(); err != nil {
		logger.Errorf("Failed to stop refresh coordinator: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
		return err
	}

	logger.Info("Server shutdown complete")
	return nil
}
