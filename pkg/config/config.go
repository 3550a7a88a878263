package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":4000"

	// DefaultSnapshotExpires is the default snapshot TTL in seconds (90 days).
	DefaultSnapshotExpires = 90 * 24 * 3600

	// DefaultDataRetention is the default metrics retention window in
	// seconds (30 days). Dashboards without an explicit retention use it.
	DefaultDataRetention = 30 * 24 * 3600

	// DefaultMinTestRunDuration is the minimum duration in seconds for a
	// test run to be considered meaningful.
	DefaultMinTestRunDuration = 60

	// DefaultVisibilityTimeout is how long a dequeued snapshot job stays
	// invisible before it is considered abandoned and redelivered.
	DefaultVisibilityTimeout = time.Hour

	// DefaultMaintenanceInterval is the tick interval of the background
	// maintenance loops (expiry sweep, queue janitor).
	DefaultMaintenanceInterval = time.Minute
)

// Config is the root configuration for perflens.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Defaults DefaultsConfig `yaml:"defaults" mapstructure:"defaults"`
	Grafana  GrafanaConfig  `yaml:"grafana" mapstructure:"grafana"`
	Analysis AnalysisConfig `yaml:"analysis,omitempty" mapstructure:"analysis"`
	Queue    QueueConfig    `yaml:"queue,omitempty" mapstructure:"queue"`
	SeedFile string         `yaml:"seed_file,omitempty" mapstructure:"seed_file"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting on webhook endpoints.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// DefaultsConfig holds the process-wide defaults applied to newly seen
// workloads and to snapshot production. It is injected into components at
// construction and never mutated afterwards.
type DefaultsConfig struct {
	AutoCompareTestRuns    bool `yaml:"auto_compare_test_runs" mapstructure:"auto_compare_test_runs"`
	AutoCreateSnapshots    bool `yaml:"auto_create_snapshots" mapstructure:"auto_create_snapshots"`
	EnableAdapt            bool `yaml:"enable_adapt" mapstructure:"enable_adapt"`
	RunAdapt               bool `yaml:"run_adapt" mapstructure:"run_adapt"`
	AutoSetBaselineTestRun bool `yaml:"auto_set_baseline_test_run" mapstructure:"auto_set_baseline_test_run"`

	// SnapshotExpires is the snapshot TTL in seconds for non-baseline runs.
	SnapshotExpires int64 `yaml:"snapshot_expires,omitempty" mapstructure:"snapshot_expires"`

	// DataRetention is the fallback metrics retention window in seconds.
	DataRetention int64 `yaml:"data_retention,omitempty" mapstructure:"data_retention"`

	// MinTestRunDuration is the minimum test run duration in seconds below
	// which a completed run is marked invalid.
	MinTestRunDuration int64 `yaml:"min_test_run_duration,omitempty" mapstructure:"min_test_run_duration"`
}

// GrafanaConfig contains settings for the external dashboard product.
type GrafanaConfig struct {
	URL             string `yaml:"url" mapstructure:"url"`
	LoginURL        string `yaml:"login_url,omitempty" mapstructure:"login_url"`
	APIToken        string `yaml:"api_token,omitempty" mapstructure:"api_token"`
	Label           string `yaml:"label,omitempty" mapstructure:"label"`
	SnapshotTimeout int    `yaml:"snapshot_timeout,omitempty" mapstructure:"snapshot_timeout"`
}

// AnalysisConfig configures the fire-and-forget analysis call made when a
// test run completes.
type AnalysisConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	URL     string `yaml:"url,omitempty" mapstructure:"url"`
}

// QueueConfig contains durable queue settings.
type QueueConfig struct {
	VisibilityTimeout   string `yaml:"visibility_timeout,omitempty" mapstructure:"visibility_timeout"`
	MaintenanceInterval string `yaml:"maintenance_interval,omitempty" mapstructure:"maintenance_interval"`
}

// Load reads the configuration file at path, applies PERFLENS_* environment
// overrides, and fills in defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PERFLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Defaults.SnapshotExpires == 0 {
		c.Defaults.SnapshotExpires = DefaultSnapshotExpires
	}

	if c.Defaults.DataRetention == 0 {
		c.Defaults.DataRetention = DefaultDataRetention
	}

	if c.Defaults.MinTestRunDuration == 0 {
		c.Defaults.MinTestRunDuration = DefaultMinTestRunDuration
	}

	if c.Grafana.LoginURL == "" {
		c.Grafana.LoginURL = c.Grafana.URL
	}

	if c.Grafana.Label == "" {
		c.Grafana.Label = "Default"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	if c.Analysis.Enabled && c.Analysis.URL == "" {
		return fmt.Errorf("analysis.url is required when analysis is enabled")
	}

	if _, err := c.VisibilityTimeout(); err != nil {
		return err
	}

	if _, err := c.MaintenanceInterval(); err != nil {
		return err
	}

	return nil
}

// VisibilityTimeout returns the parsed queue visibility timeout.
func (c *Config) VisibilityTimeout() (time.Duration, error) {
	if c.Queue.VisibilityTimeout == "" {
		return DefaultVisibilityTimeout, nil
	}

	d, err := time.ParseDuration(c.Queue.VisibilityTimeout)
	if err != nil {
		return 0, fmt.Errorf("parsing queue.visibility_timeout: %w", err)
	}

	return d, nil
}

// MaintenanceInterval returns the parsed maintenance tick interval.
func (c *Config) MaintenanceInterval() (time.Duration, error) {
	if c.Queue.MaintenanceInterval == "" {
		return DefaultMaintenanceInterval, nil
	}

	d, err := time.ParseDuration(c.Queue.MaintenanceInterval)
	if err != nil {
		return 0, fmt.Errorf("parsing queue.maintenance_interval: %w", err)
	}

	return d, nil
}
