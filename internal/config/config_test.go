package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStrategyDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if cfg.Strategy.DepositDecimals != 6 || cfg.Strategy.SecondaryDecimals != 18 || cfg.Strategy.MarketDecimals != 18 {
		t.Fatalf("unexpected decimals %d/%d/%d", cfg.Strategy.DepositDecimals, cfg.Strategy.SecondaryDecimals, cfg.Strategy.MarketDecimals)
	}
	if cfg.Strategy.HealthTargetBps != 15000 {
		t.Fatalf("expected target health 15000, got %d", cfg.Strategy.HealthTargetBps)
	}
	if cfg.Strategy.SwapFeeTier != 500 {
		t.Fatalf("expected swap fee tier 500, got %d", cfg.Strategy.SwapFeeTier)
	}
	if cfg.Strategy.ModeTimeout <= 0 || cfg.Strategy.HarvestInterval <= 0 {
		t.Fatalf("expected mode timeout and harvest interval defaults")
	}
	if err := validate(cfg); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestTargetHealthDerivedFromBand(t *testing.T) {
	cfg := &Config{Strategy: StrategyConfig{HealthLowBps: 11000, HealthHighBps: 13000}}
	applyDefaults(cfg)
	if cfg.Strategy.HealthTargetBps != 12000 {
		t.Fatalf("expected derived target 12000, got %d", cfg.Strategy.HealthTargetBps)
	}
}

func TestMetricsDefaults(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if !cfg.Metrics.EnabledValue() {
		t.Fatalf("expected metrics enabled default")
	}
	if cfg.Metrics.Listen != "127.0.0.1:9102" {
		t.Fatalf("expected metrics listen default, got %q", cfg.Metrics.Listen)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Fatalf("expected metrics path default, got %q", cfg.Metrics.Path)
	}
}

func TestKeeperExecuteOrdersFalseRespected(t *testing.T) {
	execute := false
	cfg := &Config{Keeper: KeeperConfig{ExecuteOrders: &execute}}
	applyDefaults(cfg)
	if cfg.Keeper.ExecuteOrdersValue() {
		t.Fatalf("expected execute_orders=false to be preserved")
	}
	if cfg.Keeper.Interval != time.Minute {
		t.Fatalf("expected keeper interval default, got %v", cfg.Keeper.Interval)
	}
}

func TestValidateRejectsInvertedHealthBand(t *testing.T) {
	cfg := &Config{Strategy: StrategyConfig{HealthLowBps: 15000, HealthHighBps: 12000, HealthTargetBps: 13000}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for inverted health band")
	}
}

func TestValidateRejectsTargetOutsideBand(t *testing.T) {
	cfg := &Config{Strategy: StrategyConfig{HealthLowBps: 12000, HealthHighBps: 18000, HealthTargetBps: 19000}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for target outside band")
	}
}

func TestValidateRejectsSameCurrencies(t *testing.T) {
	cfg := &Config{Strategy: StrategyConfig{DepositSymbol: "USDC", SecondarySymbol: "USDC"}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for identical currencies")
	}
}

func TestValidateRejectsMetricsPathWithoutSlash(t *testing.T) {
	cfg := &Config{Metrics: MetricsConfig{Path: "metrics"}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for metrics path without leading slash")
	}
}

func TestValidateRequiresFeedController(t *testing.T) {
	cfg := &Config{Feed: FeedConfig{Enabled: true, URL: "ws://localhost/feed"}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing feed controller")
	}
}

func TestValidateRejectsTelegramEnabledWithoutConfig(t *testing.T) {
	t.Setenv(EnvTelegramToken, "")
	cfg := &Config{Telegram: TelegramConfig{Enabled: true}}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing telegram token/chat_id")
	}
}

func TestValidateRejectsOperatorWithoutTelegram(t *testing.T) {
	cfg := &Config{Telegram: TelegramConfig{OperatorEnabled: true}}
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for operator without telegram")
	}
}

func TestEnvOverridesConfig(t *testing.T) {
	t.Setenv(EnvTelegramToken, "env-token")
	t.Setenv(EnvFeedURL, "ws://env.example/feed")
	cfg := &Config{
		Telegram: TelegramConfig{Enabled: true, Token: "config-token", ChatID: "123"},
		Feed:     FeedConfig{URL: "ws://config.example/feed"},
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("expected env token override, got %q", cfg.Telegram.Token)
	}
	if cfg.Feed.URL != "ws://env.example/feed" {
		t.Fatalf("expected env feed url override, got %q", cfg.Feed.URL)
	}
	if err := validate(cfg); err != nil {
		t.Fatalf("expected valid config with env overrides, got %v", err)
	}
}

func TestLoadParsesYAML(t *testing.T) {
	t.Setenv(EnvTelegramToken, "")
	t.Setenv(EnvFeedURL, "")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "" +
		"strategy:\n" +
		"  health_low_bps: 13000\n" +
		"  health_high_bps: 17000\n" +
		"  execution_fee: \"0.001\"\n" +
		"  collateral_indices: [0, 1]\n" +
		"roles:\n" +
		"  admin: \"0x00000000000000000000000000000000000000aa\"\n" +
		"contracts:\n" +
		"  treasury: \"0x00000000000000000000000000000000000000bb\"\n" +
		"keeper:\n" +
		"  interval: 15s\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Strategy.HealthTargetBps != 15000 {
		t.Fatalf("expected derived target 15000, got %d", cfg.Strategy.HealthTargetBps)
	}
	if cfg.Strategy.ExecutionFee != "0.001" || len(cfg.Strategy.CollateralIndices) != 2 {
		t.Fatalf("unexpected strategy section %+v", cfg.Strategy)
	}
	if cfg.Contracts["treasury"] == "" || cfg.Roles.Admin == "" {
		t.Fatalf("expected roles and contracts to be parsed")
	}
	if cfg.Keeper.Interval != 15*time.Second {
		t.Fatalf("expected keeper interval 15s, got %v", cfg.Keeper.Interval)
	}
}

func TestLoadRequiresPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if cfg.Paper.StrategyNative == "" || cfg.State.SQLitePath == "" {
		t.Fatalf("expected paper and state defaults, got %+v", cfg)
	}
	if err := validate(cfg); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}
