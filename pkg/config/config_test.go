package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perflens/perflens/pkg/config"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
database:
  driver: sqlite
  sqlite:
    path: perflens.db
grafana:
  url: http://grafana.local
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Global.LogLevel)
	assert.Equal(t, ":4000", cfg.Server.Listen)
	assert.Equal(t, int64(config.DefaultSnapshotExpires),
		cfg.Defaults.SnapshotExpires)
	assert.Equal(t, int64(config.DefaultDataRetention),
		cfg.Defaults.DataRetention)
	assert.Equal(t, int64(config.DefaultMinTestRunDuration),
		cfg.Defaults.MinTestRunDuration)

	// The login URL falls back to the base URL, the label to Default.
	assert.Equal(t, "http://grafana.local", cfg.Grafana.LoginURL)
	assert.Equal(t, "Default", cfg.Grafana.Label)

	timeout, err := cfg.VisibilityTimeout()
	require.NoError(t, err)
	assert.Equal(t, config.DefaultVisibilityTimeout, timeout)

	interval, err := cfg.MaintenanceInterval()
	require.NoError(t, err)
	assert.Equal(t, config.DefaultMaintenanceInterval, interval)
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeFile(t, "config.yaml", `
global:
  log_level: debug
server:
  listen: ":9000"
  rate_limit:
    enabled: true
    requests_per_minute: 120
database:
  driver: postgres
  postgres:
    host: db.local
    port: 5432
    user: perflens
    password: secret
    database: perflens
    ssl_mode: disable
defaults:
  auto_compare_test_runs: true
  auto_create_snapshots: true
  min_test_run_duration: 90
grafana:
  url: http://grafana.local
  login_url: http://grafana.local/login
  label: Main
  snapshot_timeout: 8
analysis:
  enabled: true
  url: http://analysis.local/trigger
queue:
  visibility_timeout: 30m
  maintenance_interval: 5m
seed_file: seed.yaml
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Global.LogLevel)
	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.True(t, cfg.Server.RateLimit.Enabled)
	assert.Equal(t, 120, cfg.Server.RateLimit.RequestsPerMinute)
	assert.Equal(t, "db.local", cfg.Database.Postgres.Host)
	assert.True(t, cfg.Defaults.AutoCompareTestRuns)
	assert.Equal(t, int64(90), cfg.Defaults.MinTestRunDuration)
	assert.Equal(t, "Main", cfg.Grafana.Label)
	assert.Equal(t, "seed.yaml", cfg.SeedFile)

	timeout, err := cfg.VisibilityTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, timeout)

	interval, err := cfg.MaintenanceInterval()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, interval)
}

func TestValidate_Errors(t *testing.T) {
	path := writeFile(t, "config.yaml", `
database:
  driver: mysql
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "unsupported database driver")

	path = writeFile(t, "config.yaml", `
database:
  driver: sqlite
`)

	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "sqlite.path is required")

	path = writeFile(t, "config.yaml", `
database:
  driver: sqlite
  sqlite:
    path: perflens.db
analysis:
  enabled: true
`)

	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "analysis.url is required")

	path = writeFile(t, "config.yaml", `
database:
  driver: sqlite
  sqlite:
    path: perflens.db
queue:
  visibility_timeout: soon
`)

	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "visibility_timeout")
}

func TestLoadSeed(t *testing.T) {
	path := writeFile(t, "seed.yaml", `
abort_rules:
  - application: MyApp
    test_type: loadTest
    test_environment: acc
    alert_source: kapacitor
    tag_key: severity
    tag_value: critical
omit_tag_rules:
  - alert_source: kapacitor
    tag_key: host
alert_mapping:
  - application: MyApp
    label: namespace
    value: "{{testEnvironment}}-.*"
dashboards:
  - application: MyApp
    test_environment: acc
    dashboard_uid: uid-1
    dashboard_label: JVM
    retention: 3600
benchmarks:
  - application: MyApp
    test_type: loadTest
    test_environment: acc
    dashboard_uid: uid-1
    panel: cpu
`)

	seed, err := config.LoadSeed(path)
	require.NoError(t, err)

	require.Len(t, seed.AbortRules, 1)
	assert.Equal(t, "severity", seed.AbortRules[0].TagKey)
	require.Len(t, seed.OmitTagRules, 1)
	require.Len(t, seed.AlertMapping, 1)
	assert.Equal(t, "{{testEnvironment}}-.*", seed.AlertMapping[0].Value)
	require.Len(t, seed.Dashboards, 1)
	assert.Equal(t, int64(3600), seed.Dashboards[0].Retention)
	require.Len(t, seed.Benchmarks, 1)
	assert.Equal(t, "cpu", seed.Benchmarks[0].Panel)

	_, err = config.LoadSeed(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
