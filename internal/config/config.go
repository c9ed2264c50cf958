// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig         `yaml:"app"`
	Broker      BrokerConfig      `yaml:"broker"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	System      SystemConfig      `yaml:"system"`
	Timing      TimingConfig      `yaml:"timing"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Alerts      AlertsConfig      `yaml:"alerts"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	StrategyName string `yaml:"strategy_name"`
	DatabasePath string `yaml:"database_path"`
	ListenAddr   string `yaml:"listen_addr"` // HTTP ingestion/webhook server
}

// BrokerConfig contains the brokerage adapter settings
type BrokerConfig struct {
	Name          string  `yaml:"name"`
	BaseURL       string  `yaml:"base_url"`
	StreamURL     string  `yaml:"stream_url"`
	APIKey        Secret  `yaml:"api_key"`
	SecretKey     Secret  `yaml:"secret_key"`
	TimeoutSec    int     `yaml:"timeout_sec"`
	RatePerSecond float64 `yaml:"rate_per_second"` // order submission rate limit
	RateBurst     int     `yaml:"rate_burst"`
}

// StrategyConfig contains position sizing and risk limits
type StrategyConfig struct {
	BasePositionSizePct    float64 `yaml:"base_position_size_pct"`
	MaxPositionSizePct     float64 `yaml:"max_position_size_pct"`
	MaxSingleTradePct      float64 `yaml:"max_single_trade_pct"`
	MaxDailyTrades         int     `yaml:"max_daily_trades"`
	MaxPortfolioPositions  int     `yaml:"max_portfolio_positions"`
	MinConfidenceThreshold float64 `yaml:"min_confidence_threshold"`
	ConfidenceMultiplier   float64 `yaml:"confidence_multiplier"`
	BaseConfidence         float64 `yaml:"base_confidence"`
	InitialCash            float64 `yaml:"initial_cash"`
	LedgerTolerance        float64 `yaml:"ledger_tolerance"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TimingConfig contains timing-related settings (seconds unless noted)
type TimingConfig struct {
	StuckOrderTimeoutSec    int `yaml:"stuck_order_timeout_sec"`
	SweepIntervalSec        int `yaml:"sweep_interval_sec"`
	SignalTTLSec            int `yaml:"signal_ttl_sec"`
	SignalSweepIntervalSec  int `yaml:"signal_sweep_interval_sec"`
	ShutdownGraceSec        int `yaml:"shutdown_grace_sec"`
	WebsocketReconnectDelay int `yaml:"websocket_reconnect_delay"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	ReconcileWorkers   int `yaml:"reconcile_workers"`
	ReconcileQueueSize int `yaml:"reconcile_queue_size"`
	ConflictMaxRetries int `yaml:"conflict_max_retries"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertsConfig contains operator alert channel settings
type AlertsConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// LoadConfig reads, expands, parses, and validates a YAML config file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.StrategyName == "" {
		c.App.StrategyName = "default"
	}
	if c.App.DatabasePath == "" {
		c.App.DatabasePath = "signal_trader.db"
	}
	if c.App.ListenAddr == "" {
		c.App.ListenAddr = ":8080"
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Broker.TimeoutSec == 0 {
		c.Broker.TimeoutSec = 10
	}
	if c.Broker.RatePerSecond == 0 {
		c.Broker.RatePerSecond = 5
	}
	if c.Broker.RateBurst == 0 {
		c.Broker.RateBurst = 10
	}
	if c.Timing.StuckOrderTimeoutSec == 0 {
		c.Timing.StuckOrderTimeoutSec = 120
	}
	if c.Timing.SweepIntervalSec == 0 {
		c.Timing.SweepIntervalSec = 60
	}
	if c.Timing.SignalTTLSec == 0 {
		c.Timing.SignalTTLSec = 24 * 3600
	}
	if c.Timing.SignalSweepIntervalSec == 0 {
		c.Timing.SignalSweepIntervalSec = 300
	}
	if c.Timing.ShutdownGraceSec == 0 {
		c.Timing.ShutdownGraceSec = 15
	}
	if c.Timing.WebsocketReconnectDelay == 0 {
		c.Timing.WebsocketReconnectDelay = 5
	}
	if c.Concurrency.ReconcileWorkers == 0 {
		c.Concurrency.ReconcileWorkers = 4
	}
	if c.Concurrency.ReconcileQueueSize == 0 {
		c.Concurrency.ReconcileQueueSize = 256
	}
	if c.Concurrency.ConflictMaxRetries == 0 {
		c.Concurrency.ConflictMaxRetries = 5
	}
	if c.Strategy.ConfidenceMultiplier == 0 {
		c.Strategy.ConfidenceMultiplier = 0.5
	}
	if c.Strategy.BaseConfidence == 0 {
		c.Strategy.BaseConfidence = 0.5
	}
	if c.Strategy.LedgerTolerance == 0 {
		c.Strategy.LedgerTolerance = 0.01
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateBroker(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateStrategy(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateBroker() error {
	if c.Broker.BaseURL == "" {
		return fmt.Errorf("broker.base_url is required")
	}
	if c.Broker.TimeoutSec < 1 || c.Broker.TimeoutSec > 120 {
		return fmt.Errorf("broker.timeout_sec must be in [1, 120]")
	}
	if c.Broker.RatePerSecond <= 0 {
		return fmt.Errorf("broker.rate_per_second must be positive")
	}
	return nil
}

func (c *Config) validateStrategy() error {
	s := c.Strategy
	if s.BasePositionSizePct <= 0 || s.BasePositionSizePct > 1 {
		return fmt.Errorf("strategy.base_position_size_pct must be in (0, 1]")
	}
	if s.MaxSingleTradePct <= 0 || s.MaxSingleTradePct > 1 {
		return fmt.Errorf("strategy.max_single_trade_pct must be in (0, 1]")
	}
	if s.MaxPositionSizePct <= 0 || s.MaxPositionSizePct > 1 {
		return fmt.Errorf("strategy.max_position_size_pct must be in (0, 1]")
	}
	if s.MinConfidenceThreshold < 0 || s.MinConfidenceThreshold > 1 {
		return fmt.Errorf("strategy.min_confidence_threshold must be in [0, 1]")
	}
	if s.BaseConfidence < 0 || s.BaseConfidence > 1 {
		return fmt.Errorf("strategy.base_confidence must be in [0, 1]")
	}
	if s.MaxDailyTrades < 1 {
		return fmt.Errorf("strategy.max_daily_trades must be at least 1")
	}
	if s.MaxPortfolioPositions < 1 {
		return fmt.Errorf("strategy.max_portfolio_positions must be at least 1")
	}
	if s.InitialCash <= 0 {
		return fmt.Errorf("strategy.initial_cash must be positive")
	}
	return nil
}

func (c *Config) validateSystem() error {
	switch strings.ToUpper(c.System.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
		return nil
	}
	return fmt.Errorf("system.log_level must be one of DEBUG INFO WARN ERROR FATAL")
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}
