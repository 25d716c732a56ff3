// Package config provides configuration loading and management for the feedback sync server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultTokenEnv is the environment variable consulted for the source API token
	DefaultTokenEnv = "FEEDBACK_SOURCE_TOKEN"

	// DefaultPageSize is the page size requested from the remote source
	DefaultPageSize = 100

	// DefaultRequestsPerSecond matches the published rate ceiling of the remote source
	DefaultRequestsPerSecond = 5

	// DefaultRequestTimeout bounds each remote call
	DefaultRequestTimeout = 30 * time.Second

	// DefaultTimezone is the reference zone for all schedule configuration
	DefaultTimezone = "America/New_York"

	// DefaultPollingInterval is how often the coordinator re-evaluates the schedule
	DefaultPollingInterval = 2 * time.Minute

	// DefaultIncrementalInterval is the minimum spacing between incremental refreshes
	DefaultIncrementalInterval = time.Hour

	// DefaultFullRefreshGrace is how long past its start a full-refresh window stays open
	DefaultFullRefreshGrace = time.Hour
)

// Option defines the interface for configuration loader options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// Source configures the remote feedback source API
	Source SourceConfig `yaml:"source"`

	// Store configures the local durable cache
	Store StoreConfig `yaml:"store"`

	// Schedule configures when full and incremental refreshes run
	Schedule ScheduleConfig `yaml:"schedule"`

	// Telemetry configures metrics export (optional)
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// SourceConfig defines the remote feedback source settings
type SourceConfig struct {
	// Endpoint is the full table URL of the remote source API
	Endpoint string `yaml:"endpoint"`

	// TokenEnv is the environment variable holding the static API credential.
	// Defaults to FEEDBACK_SOURCE_TOKEN.
	TokenEnv string `yaml:"tokenEnv,omitempty"`

	// PageSize is the number of records requested per page (default 100)
	PageSize int `yaml:"pageSize,omitempty"`

	// WindowYear restricts synchronized records to a calendar year.
	// Zero means the current year in the schedule's reference zone.
	WindowYear int `yaml:"windowYear,omitempty"`

	// RequestTimeout bounds each remote call (e.g., "30s")
	RequestTimeout string `yaml:"requestTimeout,omitempty"`

	// RequestsPerSecond caps the outbound request rate (default 5)
	RequestsPerSecond float64 `yaml:"requestsPerSecond,omitempty"`
}

// StoreConfig defines the local cache database settings
type StoreConfig struct {
	// Path is the SQLite database file path. Must be deployment-stable so the
	// cache survives restarts and redeployments.
	Path string `yaml:"path"`
}

// ScheduleConfig defines the refresh schedule in a fixed reference time zone
type ScheduleConfig struct {
	// Timezone is the IANA reference zone all schedule fields are interpreted in
	Timezone string `yaml:"timezone,omitempty"`

	// FullRefresh is the weekly full-refresh window
	FullRefresh FullRefreshConfig `yaml:"fullRefresh"`

	// BusinessHours is the window during which incremental refreshes run
	BusinessHours BusinessHoursConfig `yaml:"businessHours"`

	// PollingInterval is how often the schedule is re-evaluated (e.g., "2m")
	PollingInterval string `yaml:"pollingInterval,omitempty"`

	// IncrementalInterval is the minimum spacing between incremental refreshes (e.g., "1h")
	IncrementalInterval string `yaml:"incrementalInterval,omitempty"`
}

// FullRefreshConfig defines the weekly full-refresh window
type FullRefreshConfig struct {
	// Weekday is the day the full refresh runs (e.g., "Sunday")
	Weekday string `yaml:"weekday"`

	// Hour and Minute locate the window start within the weekday
	Hour   int `yaml:"hour"`
	Minute int `yaml:"minute"`

	// Grace is how long past the window start the refresh may still trigger
	// if the exact instant was missed (e.g., "1h")
	Grace string `yaml:"grace,omitempty"`
}

// BusinessHoursConfig defines the weekday/hour range for incremental refreshes.
// EndHour is deliberately configuration, not a constant: source requirements
// disagree on where business hours end.
type BusinessHoursConfig struct {
	StartWeekday string `yaml:"startWeekday"`
	EndWeekday   string `yaml:"endWeekday"`

	// StartHour is inclusive, EndHour is exclusive (24h clock)
	StartHour int `yaml:"startHour"`
	EndHour   int `yaml:"endHour"`
}

// TelemetryConfig defines telemetry settings
type TelemetryConfig struct {
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig defines metrics export settings
type MetricsConfig struct {
	// Enabled turns on OTLP metrics export
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (host:port)
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure disables TLS for the exporter connection
	Insecure bool `yaml:"insecure,omitempty"`
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// applyDefaults fills in defaults for optional fields
func (c *Config) applyDefaults() {
	if c.Source.TokenEnv == "" {
		c.Source.TokenEnv = DefaultTokenEnv
	}
	if c.Source.PageSize == 0 {
		c.Source.PageSize = DefaultPageSize
	}
	if c.Source.RequestsPerSecond == 0 {
		c.Source.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = DefaultTimezone
	}
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if c.Source.Endpoint == "" {
		return fmt.Errorf("source.endpoint is required")
	}
	if c.Source.PageSize < 0 {
		return fmt.Errorf("source.pageSize must be positive")
	}
	if c.Source.RequestTimeout != "" {
		if _, err := time.ParseDuration(c.Source.RequestTimeout); err != nil {
			return fmt.Errorf("source.requestTimeout must be a valid duration (e.g., '30s'): %w", err)
		}
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}

	return c.validateSchedule()
}

func (c *Config) validateSchedule() error {
	s := &c.Schedule

	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone is not a valid IANA zone: %w", err)
	}

	if _, err := ParseWeekday(s.FullRefresh.Weekday); err != nil {
		return fmt.Errorf("schedule.fullRefresh.weekday: %w", err)
	}
	if s.FullRefresh.Hour < 0 || s.FullRefresh.Hour > 23 {
		return fmt.Errorf("schedule.fullRefresh.hour must be in [0,23]")
	}
	if s.FullRefresh.Minute < 0 || s.FullRefresh.Minute > 59 {
		return fmt.Errorf("schedule.fullRefresh.minute must be in [0,59]")
	}
	if s.FullRefresh.Grace != "" {
		if _, err := time.ParseDuration(s.FullRefresh.Grace); err != nil {
			return fmt.Errorf("schedule.fullRefresh.grace must be a valid duration: %w", err)
		}
	}

	start, err := ParseWeekday(s.BusinessHours.StartWeekday)
	if err != nil {
		return fmt.Errorf("schedule.businessHours.startWeekday: %w", err)
	}
	end, err := ParseWeekday(s.BusinessHours.EndWeekday)
	if err != nil {
		return fmt.Errorf("schedule.businessHours.endWeekday: %w", err)
	}
	if start > end {
		return fmt.Errorf("schedule.businessHours: startWeekday must not be after endWeekday")
	}
	if s.BusinessHours.StartHour < 0 || s.BusinessHours.StartHour > 23 {
		return fmt.Errorf("schedule.businessHours.startHour must be in [0,23]")
	}
	if s.BusinessHours.EndHour < 1 || s.BusinessHours.EndHour > 24 {
		return fmt.Errorf("schedule.businessHours.endHour must be in [1,24]")
	}
	if s.BusinessHours.StartHour >= s.BusinessHours.EndHour {
		return fmt.Errorf("schedule.businessHours: startHour must be before endHour")
	}

	for field, val := range map[string]string{
		"schedule.pollingInterval":     s.PollingInterval,
		"schedule.incrementalInterval": s.IncrementalInterval,
	} {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("%s must be a valid duration: %w", field, err)
		}
	}

	return nil
}

// GetToken returns the source API credential from the configured environment variable
func (s *SourceConfig) GetToken() (string, error) {
	token := os.Getenv(s.TokenEnv)
	if token == "" {
		return "", fmt.Errorf("no source API token configured: set the %s environment variable", s.TokenEnv)
	}
	return token, nil
}

// GetRequestTimeout returns the per-request timeout, falling back to the default
func (s *SourceConfig) GetRequestTimeout() time.Duration {
	return parseDurationOr(s.RequestTimeout, DefaultRequestTimeout)
}

// GetWindowYear returns the relevant-window year, defaulting to the current
// year in the given reference zone when unset
func (s *SourceConfig) GetWindowYear(loc *time.Location) int {
	if s.WindowYear != 0 {
		return s.WindowYear
	}
	return time.Now().In(loc).Year()
}

// GetLocation returns the parsed reference time zone
func (s *ScheduleConfig) GetLocation() (*time.Location, error) {
	tz := s.Timezone
	if tz == "" {
		tz = DefaultTimezone
	}
	return time.LoadLocation(tz)
}

// GetPollingInterval returns the coordinator polling interval, falling back to the default
func (s *ScheduleConfig) GetPollingInterval() time.Duration {
	return parseDurationOr(s.PollingInterval, DefaultPollingInterval)
}

// GetIncrementalInterval returns the incremental refresh spacing, falling back to the default
func (s *ScheduleConfig) GetIncrementalInterval() time.Duration {
	return parseDurationOr(s.IncrementalInterval, DefaultIncrementalInterval)
}

// GetGrace returns the full-refresh grace window, falling back to the default
func (f *FullRefreshConfig) GetGrace() time.Duration {
	return parseDurationOr(f.Grace, DefaultFullRefreshGrace)
}

// ParseWeekday parses a weekday name (e.g., "Sunday") case-insensitively
func ParseWeekday(name string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(name, d.String()) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", name)
}

func parseDurationOr(val string, fallback time.Duration) time.Duration {
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}
