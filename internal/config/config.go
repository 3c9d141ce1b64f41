// Package config defines all configuration for the arbitrage engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables.
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
	Exchanges []ExchangeConfig `mapstructure:"exchanges"`
	Pairs     []PairConfig     `mapstructure:"pairs"`
	Detector  DetectorConfig   `mapstructure:"detector"`
	Executor  ExecutorConfig   `mapstructure:"executor"`
	Strategy  StrategyConfig   `mapstructure:"strategy"`
	Stats     StatsConfig      `mapstructure:"stats"`
	Rebalance RebalanceConfig  `mapstructure:"rebalance"`
	Safety    SafetyConfig     `mapstructure:"safety"`
	State     StateConfig      `mapstructure:"state"`
	Server    ServerConfig     `mapstructure:"server"`
	Notify    NotifyConfig     `mapstructure:"notify"`
	Sandbox   SandboxConfig    `mapstructure:"sandbox"`
	Logging   LoggingConfig    `mapstructure:"logging"`
}

// ExchangeConfig describes one venue adapter. Kind selects the book source:
// "ws" runs a streaming feed against WSURL, "poll" polls the REST book
// endpoint every PollInterval.
type ExchangeConfig struct {
	Name         string        `mapstructure:"name"`
	Kind         string        `mapstructure:"kind"`
	RESTBaseURL  string        `mapstructure:"rest_base_url"`
	WSURL        string        `mapstructure:"ws_url"`
	APIKey       string        `mapstructure:"api_key"`
	APISecret    string        `mapstructure:"api_secret"`
	MakerFeePct  float64       `mapstructure:"maker_fee_pct"`
	TakerFeePct  float64       `mapstructure:"taker_fee_pct"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BookDepth    int           `mapstructure:"book_depth"`
}

// PairConfig declares one traded pair plus optional per-venue symbol
// renderings, e.g. symbols: {binance: BTCUSDT}.
type PairConfig struct {
	Base    string            `mapstructure:"base"`
	Quote   string            `mapstructure:"quote"`
	Symbols map[string]string `mapstructure:"symbols"`
}

// DetectorConfig tunes opportunity detection.
//
//   - StaleAfter: snapshots older than this are skipped (and trades aborted).
//   - MinProfitPct: initial profit threshold in percent; the live value is
//     owned by AppState and the strategy controller afterwards.
//   - MinNotionalUSD: opportunities below this notional are not traded
//     outside sandbox mode.
//   - EventSpreadMinPct/MaxPct: heatmap noise clamp; only events inside
//     (min, max] are recorded.
//   - PassiveFloorPct: minimum net profit for the passive rebalance queue.
//   - RecentLimit: size cap of the deduplicated recent-opportunity list.
type DetectorConfig struct {
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	MinProfitPct      float64       `mapstructure:"min_profit_pct"`
	MinNotionalUSD    float64       `mapstructure:"min_notional_usd"`
	EventSpreadMinPct float64       `mapstructure:"event_spread_min_pct"`
	EventSpreadMaxPct float64       `mapstructure:"event_spread_max_pct"`
	PassiveFloorPct   float64       `mapstructure:"passive_floor_pct"`
	RecentLimit       int           `mapstructure:"recent_limit"`
}

// ExecutorConfig selects how trades are executed.
//
//   - Strategy: "sequential" (leg2 sized by leg1's fill) or "concurrent"
//     (both legs in parallel).
//   - RemainderPolicy: what to do with the unhedged remainder when leg1
//     partially fills: "discard" keeps it as inventory, "recover" sells it
//     back on the buy exchange.
//   - MaxPerSymbol: in-flight execution cap per symbol.
type ExecutorConfig struct {
	Strategy        string `mapstructure:"strategy"`
	RemainderPolicy string `mapstructure:"remainder_policy"`
	MaxPerSymbol    int    `mapstructure:"max_per_symbol"`
}

// StrategyConfig drives the smart-threshold controller. CronSpec is a
// six-field cron expression (seconds included).
type StrategyConfig struct {
	CronSpec string `mapstructure:"cron_spec"`
}

// StatsConfig sets the SQLite store location and maintenance policy.
type StatsConfig struct {
	DBPath         string `mapstructure:"db_path"`
	RetentionDays  int    `mapstructure:"retention_days"`
	RetentionCron  string `mapstructure:"retention_cron"`
	BootstrapBatch int    `mapstructure:"bootstrap_batch"`
	SaveBatch      int    `mapstructure:"save_batch"`
}

// RebalanceConfig controls inventory tracking across venues. SkewThreshold
// is the fractional deviation above which transfer proposals are emitted; it
// seeds AppState on first run. WithdrawFees holds flat per-asset network
// fees in asset units; assets without an entry fall back to WithdrawFeePct
// of the moved amount. MaxCostPct is the cost ceiling below which a
// proposal is marked viable.
type RebalanceConfig struct {
	PollInterval   time.Duration      `mapstructure:"poll_interval"`
	SkewThreshold  float64            `mapstructure:"skew_threshold"`
	WithdrawFees   map[string]float64 `mapstructure:"withdraw_fees"`
	WithdrawFeePct float64            `mapstructure:"withdraw_fee_pct"`
	MaxCostPct     float64            `mapstructure:"max_cost_pct"`
}

// SafetyConfig seeds the kill-switch limits persisted in AppState.
type SafetyConfig struct {
	CheckInterval        time.Duration `mapstructure:"check_interval"`
	MaxDrawdownUSD       float64       `mapstructure:"max_drawdown_usd"`
	MaxConsecutiveLosses int           `mapstructure:"max_consecutive_losses"`
}

// StateConfig sets where the durable AppState JSON document lives.
type StateConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig controls the HTTP/WebSocket dashboard server.
type ServerConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Port              int           `mapstructure:"port"`
	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	PricePushInterval time.Duration `mapstructure:"price_push_interval"`
}

// NotifyConfig enables the optional Redis publisher when RedisURL is set.
type NotifyConfig struct {
	RedisURL         string `mapstructure:"redis_url"`
	ExecutionChannel string `mapstructure:"execution_channel"`
	RebalanceChannel string `mapstructure:"rebalance_channel"`
}

// SandboxConfig holds the starter inventory the simulated exchange resets to.
// Initial sandbox/live mode is part of AppState, not config.
type SandboxConfig struct {
	StarterBalances map[string]float64 `mapstructure:"starter_balances"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ARB_<EXCHANGE>_API_KEY,
// ARB_<EXCHANGE>_API_SECRET, ARB_REDIS_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	for i := range cfg.Exchanges {
		name := strings.ToUpper(cfg.Exchanges[i].Name)
		if key := os.Getenv("ARB_" + name + "_API_KEY"); key != "" {
			cfg.Exchanges[i].APIKey = key
		}
		if secret := os.Getenv("ARB_" + name + "_API_SECRET"); secret != "" {
			cfg.Exchanges[i].APISecret = secret
		}
	}
	if url := os.Getenv("ARB_REDIS_URL"); url != "" {
		cfg.Notify.RedisURL = url
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("detector.stale_after", 500*time.Millisecond)
	v.SetDefault("detector.min_profit_pct", 0.10)
	v.SetDefault("detector.min_notional_usd", 10.0)
	v.SetDefault("detector.event_spread_min_pct", -0.5)
	v.SetDefault("detector.event_spread_max_pct", 10.0)
	v.SetDefault("detector.passive_floor_pct", 0.01)
	v.SetDefault("detector.recent_limit", 100)

	v.SetDefault("executor.strategy", "sequential")
	v.SetDefault("executor.remainder_policy", "discard")
	v.SetDefault("executor.max_per_symbol", 1)

	v.SetDefault("strategy.cron_spec", "0 */15 * * * *")

	v.SetDefault("stats.db_path", "data/crossarb.db")
	v.SetDefault("stats.retention_days", 90)
	v.SetDefault("stats.retention_cron", "0 0 4 * * *")
	v.SetDefault("stats.bootstrap_batch", 5000)
	v.SetDefault("stats.save_batch", 500)

	v.SetDefault("rebalance.poll_interval", time.Minute)
	v.SetDefault("rebalance.skew_threshold", 0.10)
	v.SetDefault("rebalance.withdraw_fee_pct", 0.1)
	v.SetDefault("rebalance.max_cost_pct", 0.5)

	v.SetDefault("safety.check_interval", 30*time.Second)
	v.SetDefault("safety.max_drawdown_usd", 500.0)
	v.SetDefault("safety.max_consecutive_losses", 5)

	v.SetDefault("state.path", "appstate.json")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.price_push_interval", 5*time.Second)

	v.SetDefault("notify.execution_channel", "arb:executions")
	v.SetDefault("notify.rebalance_channel", "arb:rebalances")

	v.SetDefault("sandbox.starter_balances", map[string]float64{
		"USD": 100000,
		"BTC": 10,
		"ETH": 100,
	})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Exchanges) < 2 {
		return fmt.Errorf("at least two exchanges are required, got %d", len(c.Exchanges))
	}
	seen := make(map[string]bool, len(c.Exchanges))
	for _, ex := range c.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("exchange name must not be empty")
		}
		if seen[ex.Name] {
			return fmt.Errorf("duplicate exchange name %q", ex.Name)
		}
		seen[ex.Name] = true
		switch ex.Kind {
		case "ws", "poll":
		default:
			return fmt.Errorf("exchange %s: kind must be \"ws\" or \"poll\", got %q", ex.Name, ex.Kind)
		}
		if ex.RESTBaseURL == "" {
			return fmt.Errorf("exchange %s: rest_base_url is required", ex.Name)
		}
		if ex.Kind == "ws" && ex.WSURL == "" {
			return fmt.Errorf("exchange %s: ws_url is required for kind \"ws\"", ex.Name)
		}
		if ex.Kind == "poll" && ex.PollInterval <= 0 {
			return fmt.Errorf("exchange %s: poll_interval must be > 0 for kind \"poll\"", ex.Name)
		}
	}
	if len(c.Pairs) == 0 {
		return fmt.Errorf("at least one trading pair is required")
	}
	for _, p := range c.Pairs {
		if p.Base == "" || p.Quote == "" {
			return fmt.Errorf("pair base and quote must not be empty")
		}
	}
	if c.Detector.StaleAfter <= 0 {
		return fmt.Errorf("detector.stale_after must be > 0")
	}
	if c.Detector.MinProfitPct < 0 {
		return fmt.Errorf("detector.min_profit_pct must be >= 0")
	}
	if c.Detector.EventSpreadMaxPct <= c.Detector.EventSpreadMinPct {
		return fmt.Errorf("detector.event_spread_max_pct must exceed event_spread_min_pct")
	}
	switch c.Executor.Strategy {
	case "sequential", "concurrent":
	default:
		return fmt.Errorf("executor.strategy must be \"sequential\" or \"concurrent\", got %q", c.Executor.Strategy)
	}
	switch c.Executor.RemainderPolicy {
	case "discard", "recover":
	default:
		return fmt.Errorf("executor.remainder_policy must be \"discard\" or \"recover\", got %q", c.Executor.RemainderPolicy)
	}
	if c.Executor.MaxPerSymbol < 1 {
		return fmt.Errorf("executor.max_per_symbol must be >= 1")
	}
	if c.Stats.DBPath == "" {
		return fmt.Errorf("stats.db_path is required")
	}
	if c.Stats.BootstrapBatch <= 0 || c.Stats.SaveBatch <= 0 {
		return fmt.Errorf("stats batch sizes must be > 0")
	}
	if c.Rebalance.PollInterval <= 0 {
		return fmt.Errorf("rebalance.poll_interval must be > 0")
	}
	if c.Safety.MaxConsecutiveLosses < 1 {
		return fmt.Errorf("safety.max_consecutive_losses must be >= 1")
	}
	if c.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	return nil
}
