package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	RiskLimits     RiskLimitsConfig     `yaml:"risk_limits"`
	Execution      ExecutionConfig      `yaml:"execution"`
	OrderDefaults  OrderDefaultsConfig  `yaml:"order_defaults"`
	Simulation     SimulationConfig     `yaml:"simulation"`
	Monitoring     MonitoringConfig     `yaml:"monitoring"`
	EndOfDay       EndOfDayConfig       `yaml:"end_of_day"`
	Prioritization PrioritizationConfig `yaml:"prioritization"`
	Reconcile      ReconcileConfig      `yaml:"reconcile"`
	Plan           PlanConfig           `yaml:"plan"`
	Storage        StorageConfig        `yaml:"storage"`
	Log            LogConfig            `yaml:"log"`
}

// RiskLimitsConfig sets the hard risk envelope.
type RiskLimitsConfig struct {
	DailyLossPct    float64 `yaml:"daily_loss_pct"`
	WeeklyLossPct   float64 `yaml:"weekly_loss_pct"`
	MonthlyLossPct  float64 `yaml:"monthly_loss_pct"`
	MaxOpenOrders   int     `yaml:"max_open_orders"`
	MaxRiskPerTrade float64 `yaml:"max_risk_per_trade"`
}

// ExecutionConfig tunes the execution orchestrator.
type ExecutionConfig struct {
	FillProbabilityThreshold float64 `yaml:"fill_probability_threshold"` // legacy single-layer gate
	MinFillProbability       float64 `yaml:"min_fill_probability"`
	MaxCapitalUtilization    float64 `yaml:"max_capital_utilization"`
	BrokerRatePerSecond      float64 `yaml:"broker_rate_per_second"` // bracket submissions per second
}

// OrderDefaultsConfig fills in optional plan columns.
type OrderDefaultsConfig struct {
	RiskPerTrade    float64 `yaml:"risk_per_trade"`
	RiskRewardRatio float64 `yaml:"risk_reward_ratio"`
	Priority        int     `yaml:"priority"`
	OrderType       string  `yaml:"order_type"`
	Strategy        string  `yaml:"strategy"`
}

// SimulationConfig applies when no broker is connected.
type SimulationConfig struct {
	DefaultEquity float64 `yaml:"default_equity"`
}

// MonitoringConfig drives the fixed-cadence pump.
type MonitoringConfig struct {
	IntervalSeconds      int `yaml:"interval_seconds"`
	MaxErrors            int `yaml:"max_errors"`
	ErrorBackoffBase     int `yaml:"error_backoff_base"` // seconds, multiplied by consecutive errors
	MaxBackoffSeconds    int `yaml:"max_backoff_seconds"`
	LabelIntervalMinutes int `yaml:"label_interval_minutes"`
}

// EndOfDayConfig controls the timed closure policy.
type EndOfDayConfig struct {
	Enabled               bool `yaml:"enabled"`
	CloseBufferMinutes    int  `yaml:"close_buffer_minutes"`
	PreMarketStartMinutes int  `yaml:"pre_market_start_minutes"`
	PostMarketEndMinutes  int  `yaml:"post_market_end_minutes"`
	MaxCloseAttempts      int  `yaml:"max_close_attempts"`
	CloseDayPositions     bool `yaml:"close_day_positions"`
	CloseExpiredHybrid    bool `yaml:"close_expired_hybrid"`
	ExpirePlannedOrders   bool `yaml:"expire_planned_orders"`
	LeaveCorePositions    bool `yaml:"leave_core_positions"`
}

// PrioritizationConfig holds the two-layer scoring weights and toggles.
// Weights must sum to 1.0.
type PrioritizationConfig struct {
	TwoLayerEnabled    *bool   `yaml:"two_layer_enabled"`
	AdvancedFeatures   bool    `yaml:"advanced_features"` // timeframe match + setup bias
	WatchdogSeconds    int     `yaml:"watchdog_seconds"`
	WeightPriority     float64 `yaml:"weight_priority"`
	WeightEfficiency   float64 `yaml:"weight_efficiency"`
	WeightRiskReward   float64 `yaml:"weight_risk_reward"`
	WeightTimeframe    float64 `yaml:"weight_timeframe"`
	WeightSetupBias    float64 `yaml:"weight_setup_bias"`
	SetupMinTrades     int     `yaml:"setup_min_trades"`
	SetupMinWinRate    float64 `yaml:"setup_min_win_rate"`
	SetupMinProfitFact float64 `yaml:"setup_min_profit_factor"`
}

// TwoLayer reports whether two-layer prioritization is on. An absent
// two_layer_enabled key means on; only an explicit false selects the
// legacy composite scorer.
func (c PrioritizationConfig) TwoLayer() bool {
	return c.TwoLayerEnabled == nil || *c.TwoLayerEnabled
}

// ReconcileConfig drives the broker-state convergence loop.
type ReconcileConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	MaxFailures     int `yaml:"max_failures"`
}

// PlanConfig locates the spreadsheet plan.
type PlanConfig struct {
	Path string `yaml:"path"` // empty disables the spreadsheet source
}

// StorageConfig controls persistence.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // SQLite file path, or ":memory:"
}

// LogConfig controls the format and level of logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file and the .env file if present. Env values override
// YAML for the keys they cover.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied, for use when
// no config file is given.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// MonitorInterval returns the pump cadence.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Monitoring.IntervalSeconds) * time.Second
}

// ReconcileInterval returns the reconciliation cadence.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalSeconds) * time.Second
}

func (c *Config) validate() error {
	sum := c.Prioritization.WeightPriority + c.Prioritization.WeightEfficiency +
		c.Prioritization.WeightRiskReward + c.Prioritization.WeightTimeframe +
		c.Prioritization.WeightSetupBias
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("prioritization weights sum to %.3f, want 1.0", sum)
	}
	if c.RiskLimits.MaxRiskPerTrade <= 0 || c.RiskLimits.MaxRiskPerTrade > 0.02 {
		return fmt.Errorf("max_risk_per_trade %.4f outside (0, 0.02]", c.RiskLimits.MaxRiskPerTrade)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("BRACKETBOT_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("BRACKETBOT_PLAN"); v != "" {
		cfg.Plan.Path = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.RiskLimits.DailyLossPct <= 0 {
		cfg.RiskLimits.DailyLossPct = 0.02
	}
	if cfg.RiskLimits.WeeklyLossPct <= 0 {
		cfg.RiskLimits.WeeklyLossPct = 0.05
	}
	if cfg.RiskLimits.MonthlyLossPct <= 0 {
		cfg.RiskLimits.MonthlyLossPct = 0.08
	}
	if cfg.RiskLimits.MaxOpenOrders <= 0 {
		cfg.RiskLimits.MaxOpenOrders = 5
	}
	if cfg.RiskLimits.MaxRiskPerTrade <= 0 {
		cfg.RiskLimits.MaxRiskPerTrade = 0.02
	}
	if cfg.Execution.FillProbabilityThreshold <= 0 {
		cfg.Execution.FillProbabilityThreshold = 0.7
	}
	if cfg.Execution.MinFillProbability <= 0 {
		cfg.Execution.MinFillProbability = 0.4
	}
	if cfg.Execution.MaxCapitalUtilization <= 0 {
		cfg.Execution.MaxCapitalUtilization = 0.8
	}
	if cfg.Execution.BrokerRatePerSecond <= 0 {
		cfg.Execution.BrokerRatePerSecond = 2
	}
	if cfg.OrderDefaults.RiskPerTrade <= 0 {
		cfg.OrderDefaults.RiskPerTrade = 0.005
	}
	if cfg.OrderDefaults.RiskRewardRatio <= 0 {
		cfg.OrderDefaults.RiskRewardRatio = 2.0
	}
	if cfg.OrderDefaults.Priority <= 0 {
		cfg.OrderDefaults.Priority = 3
	}
	if cfg.OrderDefaults.OrderType == "" {
		cfg.OrderDefaults.OrderType = "LMT"
	}
	if cfg.OrderDefaults.Strategy == "" {
		cfg.OrderDefaults.Strategy = "CORE"
	}
	if cfg.Simulation.DefaultEquity <= 0 {
		cfg.Simulation.DefaultEquity = 100_000
	}
	if cfg.Monitoring.IntervalSeconds <= 0 {
		cfg.Monitoring.IntervalSeconds = 30
	}
	if cfg.Monitoring.MaxErrors <= 0 {
		cfg.Monitoring.MaxErrors = 5
	}
	if cfg.Monitoring.ErrorBackoffBase <= 0 {
		cfg.Monitoring.ErrorBackoffBase = 60
	}
	if cfg.Monitoring.MaxBackoffSeconds <= 0 {
		cfg.Monitoring.MaxBackoffSeconds = 300
	}
	if cfg.Monitoring.LabelIntervalMinutes <= 0 {
		cfg.Monitoring.LabelIntervalMinutes = 10
	}
	if cfg.EndOfDay.CloseBufferMinutes <= 0 {
		cfg.EndOfDay.CloseBufferMinutes = 20
	}
	if cfg.EndOfDay.PreMarketStartMinutes <= 0 {
		cfg.EndOfDay.PreMarketStartMinutes = 30
	}
	if cfg.EndOfDay.PostMarketEndMinutes <= 0 {
		cfg.EndOfDay.PostMarketEndMinutes = 30
	}
	if cfg.EndOfDay.MaxCloseAttempts <= 0 {
		cfg.EndOfDay.MaxCloseAttempts = 3
	}
	if cfg.Prioritization.TwoLayerEnabled == nil {
		on := true
		cfg.Prioritization.TwoLayerEnabled = &on
	}
	if cfg.Prioritization.WatchdogSeconds <= 0 {
		cfg.Prioritization.WatchdogSeconds = 30
	}
	weightsZero := cfg.Prioritization.WeightPriority == 0 &&
		cfg.Prioritization.WeightEfficiency == 0 &&
		cfg.Prioritization.WeightRiskReward == 0 &&
		cfg.Prioritization.WeightTimeframe == 0 &&
		cfg.Prioritization.WeightSetupBias == 0
	if weightsZero {
		cfg.Prioritization.WeightPriority = 0.30
		cfg.Prioritization.WeightEfficiency = 0.25
		cfg.Prioritization.WeightRiskReward = 0.25
		cfg.Prioritization.WeightTimeframe = 0.10
		cfg.Prioritization.WeightSetupBias = 0.10
	}
	if cfg.Prioritization.SetupMinTrades <= 0 {
		cfg.Prioritization.SetupMinTrades = 10
	}
	if cfg.Prioritization.SetupMinWinRate <= 0 {
		cfg.Prioritization.SetupMinWinRate = 0.35
	}
	if cfg.Prioritization.SetupMinProfitFact <= 0 {
		cfg.Prioritization.SetupMinProfitFact = 1.0
	}
	if cfg.Reconcile.IntervalSeconds <= 0 {
		cfg.Reconcile.IntervalSeconds = 30
	}
	if cfg.Reconcile.MaxFailures <= 0 {
		cfg.Reconcile.MaxFailures = 5
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "bracketbot.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
