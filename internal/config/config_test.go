package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_key: ${API_KEY}\nsecret: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "api_key: key_value\nsecret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
		{
			name:  "mixed static and env vars",
			input: "static_value: 123\napi_key: ${TEST_KEY}",
			envVars: map[string]string{
				"TEST_KEY": "dynamic_key",
			},
			expected: "static_value: 123\napi_key: dynamic_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

const validConfigYAML = `app:
  strategy_name: "congress-follow"
  database_path: "trader.db"

broker:
  name: "alpaca"
  base_url: "https://paper-api.alpaca.markets"
  stream_url: "wss://paper-api.alpaca.markets/stream"
  api_key: "${TEST_BROKER_API_KEY}"
  secret_key: "${TEST_BROKER_SECRET_KEY}"
  timeout_sec: 10

strategy:
  base_position_size_pct: 0.05
  max_position_size_pct: 0.10
  max_single_trade_pct: 0.08
  max_daily_trades: 10
  max_portfolio_positions: 20
  min_confidence_threshold: 0.6
  initial_cash: 100000

system:
  log_level: "INFO"
`

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	_, err = tmpFile.Write([]byte(validConfigYAML))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_BROKER_API_KEY", "test_api_key_from_env")
	os.Setenv("TEST_BROKER_SECRET_KEY", "test_secret_key_from_env")
	defer os.Unsetenv("TEST_BROKER_API_KEY")
	defer os.Unsetenv("TEST_BROKER_SECRET_KEY")

	cfg, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, Secret("test_api_key_from_env"), cfg.Broker.APIKey)
	assert.Equal(t, Secret("test_secret_key_from_env"), cfg.Broker.SecretKey)
	assert.Equal(t, "congress-follow", cfg.App.StrategyName)
}

func TestLoadConfigDefaults(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	_, err = tmpFile.Write([]byte(validConfigYAML))
	require.NoError(t, err)
	tmpFile.Close()

	cfg, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.App.ListenAddr)
	assert.Equal(t, 120, cfg.Timing.StuckOrderTimeoutSec)
	assert.Equal(t, 60, cfg.Timing.SweepIntervalSec)
	assert.Equal(t, 5, cfg.Timing.WebsocketReconnectDelay)
	assert.Equal(t, 4, cfg.Concurrency.ReconcileWorkers)
	assert.Equal(t, 5, cfg.Concurrency.ConflictMaxRetries)
	assert.Equal(t, 0.5, cfg.Strategy.ConfidenceMultiplier)
	assert.Equal(t, 0.5, cfg.Strategy.BaseConfidence)
	assert.Equal(t, 9090, cfg.Telemetry.MetricsPort)
	assert.InDelta(t, 5.0, cfg.Broker.RatePerSecond, 1e-9)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Broker: BrokerConfig{
				BaseURL:       "https://paper-api.alpaca.markets",
				TimeoutSec:    10,
				RatePerSecond: 5,
			},
			Strategy: StrategyConfig{
				BasePositionSizePct:    0.05,
				MaxPositionSizePct:     0.10,
				MaxSingleTradePct:      0.08,
				MaxDailyTrades:         10,
				MaxPortfolioPositions:  20,
				MinConfidenceThreshold: 0.6,
				ConfidenceMultiplier:   0.5,
				BaseConfidence:         0.5,
				InitialCash:            100000,
				LedgerTolerance:        0.01,
			},
			System: SystemConfig{LogLevel: "INFO"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing broker url", func(c *Config) { c.Broker.BaseURL = "" }, "broker.base_url"},
		{"timeout out of range", func(c *Config) { c.Broker.TimeoutSec = 300 }, "timeout_sec"},
		{"zero base position size", func(c *Config) { c.Strategy.BasePositionSizePct = 0 }, "base_position_size_pct"},
		{"trade cap above one", func(c *Config) { c.Strategy.MaxSingleTradePct = 1.5 }, "max_single_trade_pct"},
		{"confidence above one", func(c *Config) { c.Strategy.MinConfidenceThreshold = 1.2 }, "min_confidence_threshold"},
		{"no daily trades", func(c *Config) { c.Strategy.MaxDailyTrades = 0 }, "max_daily_trades"},
		{"negative initial cash", func(c *Config) { c.Strategy.InitialCash = -1 }, "initial_cash"},
		{"bad log level", func(c *Config) { c.System.LogLevel = "verbose" }, "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
