package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/metric"

	"github.com/pulsedesk/feedback-sync-server/internal/config"
	"github.com/pulsedesk/feedback-sync-server/internal/fetch"
	"github.com/pulsedesk/feedback-sync-server/internal/logger"
	"github.com/pulsedesk/feedback-sync-server/internal/refresh"
	"github.com/pulsedesk/feedback-sync-server/internal/store"
	"github.com/pulsedesk/feedback-sync-server/internal/telemetry"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Run a single cache refresh and exit",
	Long: `Run a single full or incremental cache refresh and exit.

Intended for cron or one-off operational use; the serve command runs the same
refreshes on its own schedule.`,
	RunE: runRefresh,
}

func init() {
	refreshCmd.Flags().String("mode", refresh.ModeIncremental, "Refresh mode (full or incremental)")
	refreshCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := refreshCmd.MarkFlagRequired("config"); err != nil {
		logger.Fatalf("Failed to mark config flag as required: %v", err)
	}
}

func runRefresh(cmd *cobra.Command, _ []string) error {
	ctx := context.Background()
	logger.Initialize(viper.GetBool("debug"))

	mode, err := cmd.Flags().GetString("mode")
	if err != nil {
		return fmt.Errorf("failed to read mode flag: %w", err)
	}
	if mode != refresh.ModeFull && mode != refresh.ModeIncremental {
		return fmt.Errorf("invalid mode %q: must be %q or %q", mode, refresh.ModeFull, refresh.ModeIncremental)
	}

	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to read config flag: %w", err)
	}
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	st, engine, err := buildEngine(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Errorf("Failed to close store: %v", err)
		}
	}()

	var result *refresh.Result
	if mode == refresh.ModeFull {
		result, err = engine.RefreshFull(ctx)
	} else {
		result, err = engine.RefreshIncremental(ctx)
	}
	if err != nil {
		return fmt.Errorf("%s refresh failed: %w", mode, err)
	}

	logger.Infof("Refresh (%s) finished: %d records fetched, %d cached, took %s",
		result.Mode, result.RecordsFetched, result.RecordCount, result.Duration)
	return nil
}

// buildEngine opens the store, initializes the schema, and wires the fetch
// client and refresh engine. Schema initialization failure is fatal: the
// process must not serve reads against a nonexistent schema.
func buildEngine(
	ctx context.Context,
	cfg *config.Config,
	meterProvider metric.MeterProvider,
) (*store.Store, *refresh.Engine, error) {
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := st.InitSchema(initCtx); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}

	token, err := cfg.Source.GetToken()
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}

	loc, err := cfg.Schedule.GetLocation()
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("failed to load schedule time zone: %w", err)
	}

	fetcher := fetch.NewHTTPClient(cfg.Source.Endpoint, token,
		fetch.WithPageSize(cfg.Source.PageSize),
		fetch.WithWindowYear(cfg.Source.GetWindowYear(loc)),
		fetch.WithRequestTimeout(cfg.Source.GetRequestTimeout()),
		fetch.WithRequestsPerSecond(cfg.Source.RequestsPerSecond),
	)

	refreshMetrics, err := telemetry.NewRefreshMetrics(meterProvider)
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("failed to create refresh metrics: %w", err)
	}
	cacheMetrics, err := telemetry.NewCacheMetrics(meterProvider)
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("failed to create cache metrics: %w", err)
	}

	engine := refresh.NewEngine(fetcher, st,
		refresh.WithMetrics(refreshMetrics, cacheMetrics),
	)
	return st, engine, nil
}
