package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alejandrodnm/bracketbot/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, 0.02, cfg.RiskLimits.DailyLossPct)
	assert.Equal(t, 0.05, cfg.RiskLimits.WeeklyLossPct)
	assert.Equal(t, 0.08, cfg.RiskLimits.MonthlyLossPct)
	assert.Equal(t, 5, cfg.RiskLimits.MaxOpenOrders)
	assert.Equal(t, 0.8, cfg.Execution.MaxCapitalUtilization)
	assert.Equal(t, 0.4, cfg.Execution.MinFillProbability)
	assert.Equal(t, "LMT", cfg.OrderDefaults.OrderType)
	assert.Equal(t, "CORE", cfg.OrderDefaults.Strategy)
	assert.Equal(t, 100_000.0, cfg.Simulation.DefaultEquity)
	assert.Equal(t, 30*time.Second, cfg.MonitorInterval())
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval())
	assert.Equal(t, 30, cfg.Prioritization.WatchdogSeconds)
	assert.True(t, cfg.Prioritization.TwoLayer())

	sum := cfg.Prioritization.WeightPriority + cfg.Prioritization.WeightEfficiency +
		cfg.Prioritization.WeightRiskReward + cfg.Prioritization.WeightTimeframe +
		cfg.Prioritization.WeightSetupBias
	assert.InDelta(t, 1.0, sum, 0.001)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
risk_limits:
  daily_loss_pct: 0.01
  max_open_orders: 3
execution:
  min_fill_probability: 0.5
monitoring:
  interval_seconds: 10
plan:
  path: plan.csv
log:
  level: debug
  format: json
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.01, cfg.RiskLimits.DailyLossPct)
	assert.Equal(t, 3, cfg.RiskLimits.MaxOpenOrders)
	assert.Equal(t, 0.5, cfg.Execution.MinFillProbability)
	assert.Equal(t, 10*time.Second, cfg.MonitorInterval())
	assert.Equal(t, "plan.csv", cfg.Plan.Path)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Unset keys still take defaults.
	assert.Equal(t, 0.05, cfg.RiskLimits.WeeklyLossPct)
	assert.Equal(t, "bracketbot.db", cfg.Storage.DSN)
}

func TestLoad_TwoLayerToggle(t *testing.T) {
	// Absent key keeps two-layer scoring on.
	cfg, err := config.Load(writeConfig(t, "log:\n  level: info\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Prioritization.TwoLayer())

	// An explicit false selects the legacy composite scorer.
	cfg, err = config.Load(writeConfig(t, "prioritization:\n  two_layer_enabled: false\n"))
	require.NoError(t, err)
	assert.False(t, cfg.Prioritization.TwoLayer())
}

func TestLoad_WeightsMustSumToOne(t *testing.T) {
	path := writeConfig(t, `
prioritization:
  weight_priority: 0.5
  weight_efficiency: 0.5
  weight_risk_reward: 0.5
  weight_timeframe: 0.1
  weight_setup_bias: 0.1
`)
	_, err := config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights")
}

func TestLoad_RiskPerTradeCeiling(t *testing.T) {
	path := writeConfig(t, `
risk_limits:
  max_risk_per_trade: 0.05
`)
	_, err := config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_risk_per_trade")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BRACKETBOT_DSN", "/tmp/override.db")
	t.Setenv("LOG_LEVEL", "warn")

	path := writeConfig(t, `
storage:
  dsn: from-yaml.db
log:
  level: info
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.db", cfg.Storage.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
