// Package config defines all configuration for the market-making engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MM_* environment variables. Every field
// has a built-in default so the engine can start with no file at all.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	ShadowMode bool          `mapstructure:"shadow_mode"`
	Assets     []string      `mapstructure:"assets"`
	Engine     EngineConfig  `mapstructure:"engine"`
	Regime     RegimeConfig  `mapstructure:"regime"`
	Risk       RiskConfig    `mapstructure:"risk"`
	Feed       FeedConfig    `mapstructure:"feed"`
	Wallet     WalletConfig  `mapstructure:"wallet"`
	Redis      RedisConfig   `mapstructure:"redis"`
	Store      StoreConfig   `mapstructure:"store"`
	Logging    LoggingConfig `mapstructure:"logging"`
}

// EngineConfig tunes the control loop and the quoting grid.
//
//   - TickInterval: fixed quoting period (100ms by default).
//   - MaxTiers: how many grid tiers to quote per side (1..3).
//   - FillProbThreshold: shadow-mode fill probability at which a resting
//     level is considered filled. A policy constant, not a law of nature;
//     validate per venue.
//   - MakerRebateRate: rebate accrued per filled USD (0.0001 = 1bp).
//   - SessionResetHourUTC: daily boundary at which SessionStats and the
//     drawdown anchor reset.
type EngineConfig struct {
	TickInterval        time.Duration `mapstructure:"tick_interval"`
	MaxTiers            int           `mapstructure:"max_tiers"`
	FillProbThreshold   float64       `mapstructure:"fill_prob_threshold"`
	MakerRebateRate     float64       `mapstructure:"maker_rebate_rate"`
	SessionResetHourUTC int           `mapstructure:"session_reset_hour_utc"`
	TelemetryInterval   time.Duration `mapstructure:"telemetry_interval"`
}

// RegimeConfig holds the classifier thresholds. All independently tunable
// per deployment.
type RegimeConfig struct {
	CalmVolThreshold  float64       `mapstructure:"calm_vol_threshold"`
	ChaosVolThreshold float64       `mapstructure:"chaos_vol_threshold"`
	MaxMultiplier     float64       `mapstructure:"max_multiplier"`
	FundingHaltAbs    float64       `mapstructure:"funding_halt_abs"`
	LatencyWarn       time.Duration `mapstructure:"latency_warn"`
	LatencyCritical   time.Duration `mapstructure:"latency_critical"`
}

// RiskConfig sets the circuit breakers.
//
//   - MaxDrawdownFrac: daily PnL ≤ −(starting capital × this) halts quoting.
//   - MaxCancelFillRatio: above this the regime classifier widens spreads;
//     this guard never halts.
//   - StallTimeout: no feed event for this long (while connected) triggers a
//     cancel-all and the dark state.
//   - OFI*: order-flow-imbalance suppression parameters.
type RiskConfig struct {
	StartingCapitalUSD    float64       `mapstructure:"starting_capital_usd"`
	MaxDrawdownFrac       float64       `mapstructure:"max_drawdown_frac"`
	DrawdownCheckInterval time.Duration `mapstructure:"drawdown_check_interval"`
	MaxCancelFillRatio    float64       `mapstructure:"max_cancel_fill_ratio"`
	StallTimeout          time.Duration `mapstructure:"stall_timeout"`
	OFIThreshold          float64       `mapstructure:"ofi_threshold"`
	OFIWindow             int           `mapstructure:"ofi_window"`
	OFIMinTrades          int           `mapstructure:"ofi_min_trades"`
	OFIMinNotionalUSD     float64       `mapstructure:"ofi_min_notional_usd"`
	ReconTimeout          time.Duration `mapstructure:"recon_timeout"`
	ReconMaxBackoff       time.Duration `mapstructure:"recon_max_backoff"`
}

// FeedConfig holds venue endpoints.
type FeedConfig struct {
	WSURL   string `mapstructure:"ws_url"`
	RESTURL string `mapstructure:"rest_url"`
}

// WalletConfig holds the key used for signing live order actions.
// Ignored entirely in shadow mode.
type WalletConfig struct {
	PrivateKey string `mapstructure:"private_key"`
	Address    string `mapstructure:"address"`
}

// RedisConfig points at the screener bridge. When disabled or unreachable
// the engine runs on built-in per-asset defaults.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// StoreConfig sets where engine state is persisted (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns a fully-populated config with built-in defaults.
func Default() *Config {
	return &Config{
		ShadowMode: true,
		Assets:     []string{"BTC", "ETH", "SOL"},
		Engine: EngineConfig{
			TickInterval:        100 * time.Millisecond,
			MaxTiers:            3,
			FillProbThreshold:   0.70,
			MakerRebateRate:     0.0001,
			SessionResetHourUTC: 0,
			TelemetryInterval:   60 * time.Second,
		},
		Regime: RegimeConfig{
			CalmVolThreshold:  0.0015,
			ChaosVolThreshold: 0.005,
			MaxMultiplier:     4.0,
			FundingHaltAbs:    0.003,
			LatencyWarn:       50 * time.Millisecond,
			LatencyCritical:   100 * time.Millisecond,
		},
		Risk: RiskConfig{
			StartingCapitalUSD:    5000,
			MaxDrawdownFrac:       0.05,
			DrawdownCheckInterval: 60 * time.Second,
			MaxCancelFillRatio:    50,
			StallTimeout:          30 * time.Second,
			OFIThreshold:          0.70,
			OFIWindow:             200,
			OFIMinTrades:          20,
			OFIMinNotionalUSD:     5000,
			ReconTimeout:          10 * time.Second,
			ReconMaxBackoff:       32 * time.Second,
		},
		Feed: FeedConfig{
			WSURL:   "wss://api.hyperliquid.xyz/ws",
			RESTURL: "https://api.hyperliquid.xyz",
		},
		Redis: RedisConfig{
			Enabled: true,
			URL:     "redis://127.0.0.1:6380",
		},
		Store: StoreConfig{
			DataDir: "data",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads config from a YAML file with env var overrides. A missing file
// is not an error: the engine falls back to Default() so it never blocks
// startup on configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides handles the sensitive fields that must never live in YAML.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("MM_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if addr := os.Getenv("MM_ADDRESS"); addr != "" {
		cfg.Wallet.Address = addr
	}
	if url := os.Getenv("MM_REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	switch os.Getenv("MM_SHADOW_MODE") {
	case "true", "1":
		cfg.ShadowMode = true
	case "false", "0":
		cfg.ShadowMode = false
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Assets) == 0 {
		return fmt.Errorf("assets list is empty")
	}
	if c.Engine.TickInterval <= 0 {
		return fmt.Errorf("engine.tick_interval must be > 0")
	}
	if c.Engine.MaxTiers < 1 || c.Engine.MaxTiers > 3 {
		return fmt.Errorf("engine.max_tiers must be 1..3")
	}
	if c.Engine.FillProbThreshold <= 0 || c.Engine.FillProbThreshold > 1 {
		return fmt.Errorf("engine.fill_prob_threshold must be in (0, 1]")
	}
	if c.Regime.CalmVolThreshold >= c.Regime.ChaosVolThreshold {
		return fmt.Errorf("regime.calm_vol_threshold must be below chaos_vol_threshold")
	}
	if c.Regime.MaxMultiplier < 1 {
		return fmt.Errorf("regime.max_multiplier must be >= 1")
	}
	if c.Risk.StartingCapitalUSD <= 0 {
		return fmt.Errorf("risk.starting_capital_usd must be > 0")
	}
	if c.Risk.MaxDrawdownFrac <= 0 || c.Risk.MaxDrawdownFrac >= 1 {
		return fmt.Errorf("risk.max_drawdown_frac must be in (0, 1)")
	}
	if c.Risk.StallTimeout <= 0 {
		return fmt.Errorf("risk.stall_timeout must be > 0")
	}
	if c.Risk.OFIThreshold <= 0 || c.Risk.OFIThreshold > 1 {
		return fmt.Errorf("risk.ofi_threshold must be in (0, 1]")
	}
	if !c.ShadowMode && c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required in live mode (set MM_PRIVATE_KEY)")
	}
	if c.Feed.WSURL == "" || c.Feed.RESTURL == "" {
		return fmt.Errorf("feed.ws_url and feed.rest_url are required")
	}
	return nil
}
