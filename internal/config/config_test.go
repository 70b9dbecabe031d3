package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	t.Parallel()
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() does not validate: %v", err)
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load with missing file: %v", err)
	}
	if !cfg.ShadowMode {
		t.Error("fallback config is not shadow mode")
	}
	if cfg.Engine.TickInterval != 100*time.Millisecond {
		t.Errorf("tick interval = %v, want default 100ms", cfg.Engine.TickInterval)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
shadow_mode: true
assets: ["DOGE"]
engine:
  tick_interval: 250ms
  max_tiers: 2
risk:
  starting_capital_usd: 10000
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Assets) != 1 || cfg.Assets[0] != "DOGE" {
		t.Errorf("assets = %v, want [DOGE]", cfg.Assets)
	}
	if cfg.Engine.TickInterval != 250*time.Millisecond {
		t.Errorf("tick interval = %v, want 250ms", cfg.Engine.TickInterval)
	}
	if cfg.Engine.MaxTiers != 2 {
		t.Errorf("max tiers = %d, want 2", cfg.Engine.MaxTiers)
	}
	if cfg.Risk.StartingCapitalUSD != 10000 {
		t.Errorf("capital = %v, want 10000", cfg.Risk.StartingCapitalUSD)
	}
	// Untouched sections keep their defaults.
	if cfg.Risk.StallTimeout != 30*time.Second {
		t.Errorf("stall timeout = %v, want default 30s", cfg.Risk.StallTimeout)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("engine: [not a map"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted malformed YAML")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MM_PRIVATE_KEY", "deadbeef")
	t.Setenv("MM_REDIS_URL", "redis://elsewhere:6379")
	t.Setenv("MM_SHADOW_MODE", "false")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Wallet.PrivateKey != "deadbeef" {
		t.Error("MM_PRIVATE_KEY not applied")
	}
	if cfg.Redis.URL != "redis://elsewhere:6379" {
		t.Error("MM_REDIS_URL not applied")
	}
	if cfg.ShadowMode {
		t.Error("MM_SHADOW_MODE=false not applied")
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no assets", func(c *Config) { c.Assets = nil }, "assets"},
		{"zero tick", func(c *Config) { c.Engine.TickInterval = 0 }, "tick_interval"},
		{"too many tiers", func(c *Config) { c.Engine.MaxTiers = 4 }, "max_tiers"},
		{"fill prob over 1", func(c *Config) { c.Engine.FillProbThreshold = 1.5 }, "fill_prob_threshold"},
		{"inverted vol thresholds", func(c *Config) { c.Regime.CalmVolThreshold = 0.01 }, "calm_vol_threshold"},
		{"multiplier below 1", func(c *Config) { c.Regime.MaxMultiplier = 0.5 }, "max_multiplier"},
		{"no capital", func(c *Config) { c.Risk.StartingCapitalUSD = 0 }, "starting_capital_usd"},
		{"drawdown frac of 1", func(c *Config) { c.Risk.MaxDrawdownFrac = 1 }, "max_drawdown_frac"},
		{"zero stall timeout", func(c *Config) { c.Risk.StallTimeout = 0 }, "stall_timeout"},
		{"ofi threshold zero", func(c *Config) { c.Risk.OFIThreshold = 0 }, "ofi_threshold"},
		{"live without key", func(c *Config) { c.ShadowMode = false }, "private_key"},
		{"missing ws url", func(c *Config) { c.Feed.WSURL = "" }, "ws_url"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted an invalid config")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidateLiveWithKey(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.ShadowMode = false
	cfg.Wallet.PrivateKey = "ab"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("live config with key rejected: %v", err)
	}
}
