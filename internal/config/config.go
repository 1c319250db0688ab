package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	yaml "gopkg.in/yaml.v3"
)

// Config holds all configuration for the daemon, loaded from YAML.
type Config struct {
	Bitfinex    BitfinexConfig     `yaml:"bitfinex"`
	Telegram    TelegramConfig     `yaml:"telegram"`
	Monitor     MonitorConfig      `yaml:"monitor"`
	Thresholds  ThresholdsConfig   `yaml:"thresholds"`
	RiskWeights map[string]float64 `yaml:"risk_weights"`
	// Lower priority is closed first when collateral runs short.
	// The "default" entry covers unlisted symbols.
	PositionPriority map[string]int    `yaml:"position_priority"`
	Liquidation      LiquidationConfig `yaml:"liquidation"`
	Database         DatabaseConfig    `yaml:"database"`
	Logging          LoggingConfig     `yaml:"logging"`
}

// BitfinexConfig holds API credentials and endpoints.
type BitfinexConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	WSURL     string `yaml:"ws_url"`
}

// TelegramConfig holds notification settings.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
	Enabled  bool   `yaml:"enabled"`
}

// MonitorConfig holds scheduling and volatility settings.
type MonitorConfig struct {
	PollIntervalSec        int `yaml:"poll_interval_sec"`
	VolatilityUpdateHours  int `yaml:"volatility_update_hours"`
	VolatilityLookbackDays int `yaml:"volatility_lookback_days"`
	// Cache window while a price spike is active.
	SpikeWindowMinutes   int `yaml:"spike_window_minutes"`
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`
}

// ThresholdsConfig holds the trigger thresholds for the control loop.
type ThresholdsConfig struct {
	MinAdjustmentUSDT        decimal.Decimal `yaml:"min_adjustment_usdt"`
	MinDeviationPct          decimal.Decimal `yaml:"min_deviation_pct"`
	EmergencyMarginRate      decimal.Decimal `yaml:"emergency_margin_rate"`
	PriceSpikePct            decimal.Decimal `yaml:"price_spike_pct"`
	AccountMarginRateWarning decimal.Decimal `yaml:"account_margin_rate_warning"`
}

// LiquidationConfig holds the partial-close settings.
type LiquidationConfig struct {
	Enabled                bool            `yaml:"enabled"`
	DryRun                 bool            `yaml:"dry_run"`
	MaxSingleClosePct      decimal.Decimal `yaml:"max_single_close_pct"`
	CooldownSeconds        int             `yaml:"cooldown_seconds"`
	SafetyMarginMultiplier decimal.Decimal `yaml:"safety_margin_multiplier"`
	// Exchange maintenance margin rate, carried as config because the
	// documented value can vary by instrument.
	MaintenanceMarginRate decimal.Decimal `yaml:"maintenance_margin_rate"`
}

// DatabaseConfig holds the history store location. A postgres:// URL
// selects PostgreSQL, anything else is treated as a SQLite file path.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// PollInterval returns the tick interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Monitor.PollIntervalSec) * time.Second
}

// Cooldown returns the liquidation cooldown as a duration.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Liquidation.CooldownSeconds) * time.Second
}

// RiskWeight returns the pinned weight for a symbol, if configured.
func (c *Config) RiskWeight(symbol string) (float64, bool) {
	w, ok := c.RiskWeights[symbol]
	return w, ok
}

// Priority returns the liquidation priority for a symbol, falling back
// to the "default" entry (or 50 when no default is configured).
func (c *Config) Priority(symbol string) int {
	if p, ok := c.PositionPriority[symbol]; ok {
		return p
	}
	if p, ok := c.PositionPriority["default"]; ok {
		return p
	}
	return 50
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} references with environment values and
// reports the names of references that have no value set.
func expandEnv(raw []byte) ([]byte, []string) {
	var missing []string
	expanded := envVarPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		if value, ok := os.LookupEnv(name); ok {
			return []byte(value)
		}
		missing = append(missing, name)
		return match
	})
	return expanded, missing
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Fail before parsing so an unset variable surfaces by name
	// instead of as a YAML type error on the literal ${...}.
	expanded, missing := expandEnv(raw)
	if len(missing) > 0 {
		return nil, fmt.Errorf("unset environment variables referenced in config: %s", strings.Join(missing, ", "))
	}

	cfg := defaults()
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Bitfinex: BitfinexConfig{
			BaseURL: "https://api.bitfinex.com",
			WSURL:   "wss://api.bitfinex.com/ws/2",
		},
		Telegram: TelegramConfig{Enabled: true},
		Monitor: MonitorConfig{
			PollIntervalSec:        60,
			VolatilityUpdateHours:  1,
			VolatilityLookbackDays: 7,
			SpikeWindowMinutes:     10,
			HeartbeatIntervalSec:   300,
		},
		Thresholds: ThresholdsConfig{
			MinAdjustmentUSDT:        decimal.NewFromInt(50),
			MinDeviationPct:          decimal.NewFromInt(5),
			EmergencyMarginRate:      decimal.NewFromInt(2),
			PriceSpikePct:            decimal.NewFromInt(3),
			AccountMarginRateWarning: decimal.NewFromInt(3),
		},
		Liquidation: LiquidationConfig{
			Enabled:                true,
			DryRun:                 true,
			MaxSingleClosePct:      decimal.NewFromInt(25),
			CooldownSeconds:        30,
			SafetyMarginMultiplier: decimal.NewFromInt(3),
			MaintenanceMarginRate:  decimal.NewFromFloat(0.005),
		},
		Database: DatabaseConfig{Path: "data/marginbot.db"},
		Logging:  LoggingConfig{Level: "info", File: "logs/marginbot.log"},
	}
}

func (c *Config) validate() error {
	if c.Bitfinex.APIKey == "" || c.Bitfinex.APISecret == "" {
		return fmt.Errorf("bitfinex.api_key and bitfinex.api_secret are required")
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
	}
	if c.Monitor.PollIntervalSec <= 0 {
		return fmt.Errorf("monitor.poll_interval_sec must be positive")
	}
	if c.Liquidation.MaxSingleClosePct.IsNegative() ||
		c.Liquidation.MaxSingleClosePct.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("liquidation.max_single_close_pct must be between 0 and 100")
	}
	return nil
}
