// Package config defines all configuration for the trading core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via KRAKEN_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"krakenbot/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun         bool                 `mapstructure:"dry_run"`
	API            APIConfig            `mapstructure:"api"`
	Trading        TradingConfig        `mapstructure:"trading"`
	Risk           RiskConfig           `mapstructure:"risk"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	WebSocket      WebSocketConfig      `mapstructure:"websocket"`
	Store          StoreConfig          `mapstructure:"store"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
}

// APIConfig holds the Kraken API key pair and account tier.
// If ApiKey/Secret are empty, the process cannot authenticate and Validate
// fails fast.
type APIConfig struct {
	BaseURL    string    `mapstructure:"base_url"`
	WSPublic   string    `mapstructure:"ws_public_url"`
	WSPrivate  string    `mapstructure:"ws_private_url"`
	ApiKey     string    `mapstructure:"api_key"`
	ApiSecret  string    `mapstructure:"api_secret"`
	Tier       types.Tier `mapstructure:"tier"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// TradingConfig tunes the orchestrator's iteration loop.
//
//   - TradePairs: the static set of symbols quoted/traded, e.g. ["BTC/USDT"].
//   - PositionSizeUSDT: target notional per accepted signal.
//   - MaxPositionPct: position size as a fraction of account equity; Validate
//     requires it in (0, 1], and the risk policy does not consult it.
//   - TakeProfitPct / StopLossPct: exit thresholds consulted by the strategy's
//     external signal, not re-derived here.
//   - MinConfidence: signals below this confidence are discarded (0-1 scale;
//     values > 1 are treated as a 0-100 scale and normalized).
//   - CycleMs: iteration period of the orchestrator loop.
//   - DedupWindow: cooldown window within which duplicate symbol+side
//     signals are discarded.
type TradingConfig struct {
	TradePairs       []string      `mapstructure:"trade_pairs"`
	PositionSizeUSDT float64       `mapstructure:"position_size_usdt"`
	MaxPositionPct   float64       `mapstructure:"max_position_pct"`
	TakeProfitPct    float64       `mapstructure:"take_profit_pct"`
	StopLossPct      float64       `mapstructure:"stop_loss_pct"`
	MinConfidence    float64       `mapstructure:"min_confidence"`
	CycleMs          int           `mapstructure:"cycle_ms"`
	DedupWindow      time.Duration `mapstructure:"dedup_window"`
}

// CyclePeriod returns the orchestrator's configured iteration period.
func (t TradingConfig) CyclePeriod() time.Duration {
	if t.CycleMs <= 0 {
		return time.Second
	}
	return time.Duration(t.CycleMs) * time.Millisecond
}

// RiskConfig sets hard limits consulted before order submission.
//
//   - MaxPositionUSDPerSymbol: max USD exposure in any single symbol.
//   - MaxGlobalExposureUSD: max USD exposure across all symbols combined.
//   - MaxDailyLossUSD: max realized loss (summed across positions) before the
//     kill switch trips; unrealized P&L is not counted.
//   - KillSwitchDropPct / KillSwitchWindowSec: rapid price movement trip.
//   - CooldownAfterKill: how long the kill switch stays engaged after firing.
type RiskConfig struct {
	MaxPositionUSDPerSymbol float64       `mapstructure:"max_position_usd_per_symbol"`
	MaxGlobalExposureUSD    float64       `mapstructure:"max_global_exposure_usd"`
	KillSwitchDropPct       float64       `mapstructure:"kill_switch_drop_pct"`
	KillSwitchWindowSec     int           `mapstructure:"kill_switch_window_sec"`
	MaxDailyLossUSD         float64       `mapstructure:"max_daily_loss_usd"`
	CooldownAfterKill       time.Duration `mapstructure:"cooldown_after_kill"`
}

// BreakerResourceConfig configures a single named circuit breaker resource.
type BreakerResourceConfig struct {
	Threshold  int           `mapstructure:"threshold"`
	CooldownMs int           `mapstructure:"cooldown_ms"`
}

// Cooldown returns the resource's cooldown as a Duration.
func (b BreakerResourceConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownMs) * time.Millisecond
}

// CircuitBreakerConfig holds per-resource breaker tuning. Resources are
// named by the protected operation, e.g. "orders", "rate_limit".
type CircuitBreakerConfig struct {
	Resources map[string]BreakerResourceConfig `mapstructure:"resources"`
}

// ForResource returns the configured tuning for a resource, or a package
// default when unconfigured: threshold 3 with a 30s cooldown, except
// "rate_limit_breaker" which defaults to a longer 45s cooldown since
// rate-limit trips need more time for the exchange's own counters to decay.
func (c CircuitBreakerConfig) ForResource(name string) BreakerResourceConfig {
	if r, ok := c.Resources[name]; ok {
		return r
	}
	if name == "rate_limit_breaker" {
		return BreakerResourceConfig{Threshold: 3, CooldownMs: 45_000}
	}
	return BreakerResourceConfig{Threshold: 3, CooldownMs: 30_000}
}

// WebSocketConfig holds the websocket.enabled setting. cmd/bot starts both
// WS sessions regardless of its value.
type WebSocketConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// StoreConfig sets where nonce/position/minimum-size data is persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig toggles the Prometheus scrape endpoint. This is a plain
// counters/gauges exporter for operators, not a UI dashboard.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: KRAKEN_API_KEY, KRAKEN_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KRAKEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("KRAKEN_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("KRAKEN_API_SECRET"); secret != "" {
		cfg.API.ApiSecret = secret
	}
	if os.Getenv("KRAKEN_DRY_RUN") == "true" || os.Getenv("KRAKEN_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "https://api.kraken.com"
	}
	if cfg.API.WSPublic == "" {
		cfg.API.WSPublic = "wss://ws.kraken.com/v2"
	}
	if cfg.API.WSPrivate == "" {
		cfg.API.WSPrivate = "wss://ws-auth.kraken.com/v2"
	}
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = 30 * time.Second
	}
	if cfg.API.Tier == "" {
		cfg.API.Tier = types.TierStarter
	}
	if cfg.Trading.CycleMs == 0 {
		cfg.Trading.CycleMs = 1000
	}
	if cfg.Trading.DedupWindow == 0 {
		cfg.Trading.DedupWindow = 30 * time.Second
	}
	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = "data"
	}
	if cfg.Risk.CooldownAfterKill == 0 {
		cfg.Risk.CooldownAfterKill = 5 * time.Minute
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.ApiKey == "" {
		return fmt.Errorf("api.api_key is required (set KRAKEN_API_KEY)")
	}
	if c.API.ApiSecret == "" {
		return fmt.Errorf("api.api_secret is required (set KRAKEN_API_SECRET)")
	}
	switch c.API.Tier {
	case types.TierStarter, types.TierIntermediate, types.TierPro:
	default:
		return fmt.Errorf("api.tier must be one of: starter, intermediate, pro")
	}
	if len(c.Trading.TradePairs) == 0 {
		return fmt.Errorf("trading.trade_pairs must list at least one symbol")
	}
	if c.Trading.PositionSizeUSDT <= 0 {
		return fmt.Errorf("trading.position_size_usdt must be > 0")
	}
	if c.Trading.MaxPositionPct <= 0 || c.Trading.MaxPositionPct > 1 {
		return fmt.Errorf("trading.max_position_pct must be in (0, 1]")
	}
	if c.Risk.MaxPositionUSDPerSymbol <= 0 {
		return fmt.Errorf("risk.max_position_usd_per_symbol must be > 0")
	}
	if c.Risk.MaxGlobalExposureUSD <= 0 {
		return fmt.Errorf("risk.max_global_exposure_usd must be > 0")
	}
	return nil
}

// NormalizedMinConfidence returns MinConfidence on a 0-1 scale, treating
// values > 1 as a 0-100 scale input.
func (t TradingConfig) NormalizedMinConfidence() float64 {
	if t.MinConfidence > 1 {
		return t.MinConfidence / 100
	}
	return t.MinConfidence
}
