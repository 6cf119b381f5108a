package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvTelegramToken = "TELEGRAM_TOKEN"
	EnvFeedURL       = "FEED_URL"
)

type Config struct {
	Log       LoggingConfig     `yaml:"log"`
	State     StateConfig       `yaml:"state"`
	Strategy  StrategyConfig    `yaml:"strategy"`
	Roles     RolesConfig       `yaml:"roles"`
	Contracts map[string]string `yaml:"contracts"`
	Keeper    KeeperConfig      `yaml:"keeper"`
	Metrics   MetricsConfig     `yaml:"metrics"`
	Timescale TimescaleConfig   `yaml:"timescale"`
	Telegram  TelegramConfig    `yaml:"telegram"`
	Feed      FeedConfig        `yaml:"feed"`
	Paper     PaperConfig       `yaml:"paper"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	// Encoding is json (default) or console.
	Encoding string `yaml:"encoding"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// StrategyConfig holds the allocation parameters. Thresholds and fees are in
// basis points; 15000 is a health factor of 1.5.
type StrategyConfig struct {
	DepositSymbol     string `yaml:"deposit_symbol"`
	SecondarySymbol   string `yaml:"secondary_symbol"`
	DepositDecimals   uint8  `yaml:"deposit_decimals"`
	SecondaryDecimals uint8  `yaml:"secondary_decimals"`
	MarketDecimals    uint8  `yaml:"market_decimals"`
	SwapFeeTier       uint32 `yaml:"swap_fee_tier"`

	HealthLowBps      uint64 `yaml:"health_low_bps"`
	HealthHighBps     uint64 `yaml:"health_high_bps"`
	HealthTargetBps   uint64 `yaml:"health_target_bps"`
	ImbalanceBps      uint64 `yaml:"imbalance_bps"`
	SlippageBps       uint64 `yaml:"slippage_bps"`
	PerformanceFeeBps uint64 `yaml:"performance_fee_bps"`

	// ExecutionFee is in whole wrapped-native units, e.g. "0.001".
	ExecutionFee      string        `yaml:"execution_fee"`
	ModeTimeout       time.Duration `yaml:"mode_timeout"`
	HarvestInterval   time.Duration `yaml:"harvest_interval"`
	SwapDeadline      time.Duration `yaml:"swap_deadline"`
	CollateralIndices []uint16      `yaml:"collateral_indices"`
}

// RolesConfig holds hex addresses. Empty values fall back to the paper world.
type RolesConfig struct {
	Keeper string `yaml:"keeper"`
	Admin  string `yaml:"admin"`
}

type KeeperConfig struct {
	Interval time.Duration `yaml:"interval"`
	// ExecuteOrders fills queued venue orders on every tick in paper mode.
	ExecuteOrders *bool `yaml:"execute_orders"`
}

func (k KeeperConfig) ExecuteOrdersValue() bool {
	if k.ExecuteOrders == nil {
		return true
	}
	return *k.ExecuteOrders
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

// FeedConfig points at the signed venue execution report stream.
type FeedConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url"`
	Controller     string        `yaml:"controller"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	PingInterval   time.Duration `yaml:"ping_interval"`
}

// PaperConfig sizes the simulated collaborators. Amounts are whole token units.
type PaperConfig struct {
	DepositPriceUSD         string `yaml:"deposit_price_usd"`
	SecondaryPriceUSD       string `yaml:"secondary_price_usd"`
	MarketLong              string `yaml:"market_long"`
	MarketShort             string `yaml:"market_short"`
	PoolLiquidity           string `yaml:"pool_liquidity"`
	PoolDepositLiquidity    string `yaml:"pool_deposit_liquidity"`
	LiquidationThresholdBps uint64 `yaml:"liquidation_threshold_bps"`
	FlashPremiumBps         uint64 `yaml:"flash_premium_bps"`
	VenueFeeBps             uint64 `yaml:"venue_fee_bps"`
	// StrategyNative funds venue execution fees when strategy.execution_fee is set.
	StrategyNative string        `yaml:"strategy_native"`
	PriceSourceURL string        `yaml:"price_source_url"`
	PriceInterval  time.Duration `yaml:"price_interval"`
	PriceTimeout   time.Duration `yaml:"price_timeout"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

// Default returns a config with every default applied and no file or env input.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if token := strings.TrimSpace(os.Getenv(EnvTelegramToken)); token != "" {
		cfg.Telegram.Token = token
	}
	if url := strings.TrimSpace(os.Getenv(EnvFeedURL)); url != "" {
		cfg.Feed.URL = url
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/dn-yield-strategy.db"
	}
	s := &cfg.Strategy
	if s.DepositSymbol == "" {
		s.DepositSymbol = "USDC"
	}
	if s.SecondarySymbol == "" {
		s.SecondarySymbol = "WETH"
	}
	if s.DepositDecimals == 0 {
		s.DepositDecimals = 6
	}
	if s.SecondaryDecimals == 0 {
		s.SecondaryDecimals = 18
	}
	if s.MarketDecimals == 0 {
		s.MarketDecimals = 18
	}
	if s.SwapFeeTier == 0 {
		s.SwapFeeTier = 500
	}
	if s.HealthLowBps == 0 {
		s.HealthLowBps = 12000
	}
	if s.HealthHighBps == 0 {
		s.HealthHighBps = 18000
	}
	if s.HealthTargetBps == 0 {
		s.HealthTargetBps = (s.HealthLowBps + s.HealthHighBps) / 2
	}
	if s.ImbalanceBps == 0 {
		s.ImbalanceBps = 500
	}
	if s.ModeTimeout == 0 {
		s.ModeTimeout = 5 * time.Minute
	}
	if s.HarvestInterval == 0 {
		s.HarvestInterval = 7 * 24 * time.Hour
	}
	if cfg.Keeper.Interval == 0 {
		cfg.Keeper.Interval = time.Minute
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = "127.0.0.1:9102"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Feed.ReconnectDelay == 0 {
		cfg.Feed.ReconnectDelay = 3 * time.Second
	}
	if cfg.Feed.PingInterval == 0 {
		cfg.Feed.PingInterval = 30 * time.Second
	}
	p := &cfg.Paper
	if p.DepositPriceUSD == "" {
		p.DepositPriceUSD = "1"
	}
	if p.SecondaryPriceUSD == "" {
		p.SecondaryPriceUSD = "2000"
	}
	if p.MarketLong == "" {
		p.MarketLong = "1000"
	}
	if p.MarketShort == "" {
		p.MarketShort = "2000000"
	}
	if p.PoolLiquidity == "" {
		p.PoolLiquidity = "100000"
	}
	if p.PoolDepositLiquidity == "" {
		p.PoolDepositLiquidity = "100000000"
	}
	if p.LiquidationThresholdBps == 0 {
		p.LiquidationThresholdBps = 8000
	}
	if p.FlashPremiumBps == 0 {
		p.FlashPremiumBps = 5
	}
	if p.StrategyNative == "" {
		p.StrategyNative = "10"
	}
	if p.PriceInterval == 0 {
		p.PriceInterval = 30 * time.Second
	}
	if p.PriceTimeout == 0 {
		p.PriceTimeout = 10 * time.Second
	}
}

func validate(cfg *Config) error {
	s := cfg.Strategy
	if s.DepositSymbol == s.SecondarySymbol {
		return errors.New("strategy.deposit_symbol and strategy.secondary_symbol must differ")
	}
	if s.HealthHighBps <= s.HealthLowBps {
		return errors.New("strategy.health_high_bps must exceed strategy.health_low_bps")
	}
	if s.HealthTargetBps < s.HealthLowBps || s.HealthTargetBps > s.HealthHighBps {
		return fmt.Errorf("strategy.health_target_bps %d outside [%d, %d]", s.HealthTargetBps, s.HealthLowBps, s.HealthHighBps)
	}
	if s.SlippageBps >= 10000 {
		return errors.New("strategy.slippage_bps must be < 10000")
	}
	if s.PerformanceFeeBps > 10000 {
		return errors.New("strategy.performance_fee_bps must be <= 10000")
	}
	if cfg.Paper.LiquidationThresholdBps >= 10000 {
		return errors.New("paper.liquidation_threshold_bps must be < 10000")
	}
	if cfg.Keeper.Interval < 0 {
		return errors.New("keeper.interval must be >= 0")
	}
	if cfg.Feed.Enabled {
		if strings.TrimSpace(cfg.Feed.URL) == "" {
			return errors.New("feed.url is required when the feed is enabled")
		}
		if strings.TrimSpace(cfg.Feed.Controller) == "" {
			return errors.New("feed.controller is required when the feed is enabled")
		}
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return fmt.Errorf("telegram.token (or %s) and telegram.chat_id are required when telegram is enabled", EnvTelegramToken)
	}
	if cfg.Telegram.OperatorEnabled && !cfg.Telegram.Enabled {
		return errors.New("telegram.operator_enabled requires telegram.enabled")
	}
	return nil
}
