// Package config defines the top-level configuration for marketbot and
// provides validation helpers.
package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARKETBOT_* environment variables.
type Config struct {
	Kalshi     KalshiConfig              `toml:"kalshi"`
	Polymarket PolymarketConfig          `toml:"polymarket"`
	Wallet     WalletConfig              `toml:"wallet"`
	Cache      CacheConfig               `toml:"cache"`
	Data       DataConfig                `toml:"data"`
	Runner     RunnerConfig              `toml:"runner"`
	Strategies map[string]StrategyConfig `toml:"strategies"`
	Redis      RedisConfig               `toml:"redis"`
	Postgres   PostgresConfig            `toml:"postgres"`
	S3         S3Config                  `toml:"s3"`
	Server     ServerConfig              `toml:"server"`
	Notify     NotifyConfig              `toml:"notify"`
	Mode       string                    `toml:"mode"`
	LogLevel   string                    `toml:"log_level"`
}

// KalshiConfig holds Kalshi exchange API credentials.
type KalshiConfig struct {
	BaseURL           string  `toml:"base_url"`
	ApiKey            string  `toml:"api_key"`
	RsaPrivateKeyPath string  `toml:"rsa_private_key_path"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// PolymarketConfig holds Polymarket API endpoints and chain parameters.
// The api_* credentials are optional; when empty they are derived from the
// wallet key on startup in live mode.
type PolymarketConfig struct {
	GammaHost         string  `toml:"gamma_host"`
	ClobHost          string  `toml:"clob_host"`
	ChainID           int     `toml:"chain_id"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	ApiKey            string  `toml:"api_key"`
	ApiSecret         string  `toml:"api_secret"`
	ApiPassphrase     string  `toml:"api_passphrase"`
}

// WalletConfig holds the Ethereum key used to sign Polymarket orders.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// CacheConfig configures the two-tier market cache.
type CacheConfig struct {
	Path             string   `toml:"path"`
	MarketsTTL       duration `toml:"markets_ttl"`
	MarketTTL        duration `toml:"market_ttl"`
	OrderbookTTL     duration `toml:"orderbook_ttl"`
	PriceTTL         duration `toml:"price_ttl"`
	TradesTTL        duration `toml:"trades_ttl"`
	PriceHistoryTTL  duration `toml:"price_history_ttl"`
	DefaultTTL       duration `toml:"default_ttl"`
	HistoryRetention duration `toml:"history_retention"`
	SweepCron        string   `toml:"sweep_cron"`
}

// DataConfig configures market refresh and cross-venue matching.
type DataConfig struct {
	RefreshInterval   duration `toml:"refresh_interval"`
	ListLimit         int      `toml:"list_limit"`
	Workers           int      `toml:"workers"`
	DateToleranceDays int      `toml:"date_tolerance_days"`
	PriceEpsilon      float64  `toml:"price_epsilon"`
	// Embedding selects the semantic scorer: "none" or "hashed".
	Embedding string `toml:"embedding"`
}

// RunnerConfig holds the strategy runner's risk limits and history sizes.
type RunnerConfig struct {
	PaperTrading       bool     `toml:"paper_trading"`
	Interval           duration `toml:"interval"`
	MaxDailyTrades     int      `toml:"max_daily_trades"`
	MaxPositionSize    float64  `toml:"max_position_size"`
	MinProfitThreshold float64  `toml:"min_profit_threshold"`
	LogDir             string   `toml:"log_dir"`
	SignalHistory      int      `toml:"signal_history"`
	TradeHistory       int      `toml:"trade_history"`
	RunHistory         int      `toml:"run_history"`
	ArchiveCron        string   `toml:"archive_cron"`
}

// StrategyConfig configures one signal generator inside the runner.
type StrategyConfig struct {
	Enabled          bool           `toml:"enabled"`
	Weight           float64        `toml:"weight"`
	MaxSignalsPerRun int            `toml:"max_signals_per_run"`
	Params           map[string]any `toml:"params"`
}

// RedisConfig holds Redis connection parameters for the event bus.
type RedisConfig struct {
	Enabled      bool   `toml:"enabled"`
	Addr         string `toml:"addr"`
	Password     string `toml:"password"`
	DB           int    `toml:"db"`
	PoolSize     int    `toml:"pool_size"`
	MaxRetries   int    `toml:"max_retries"`
	TLSEnabled   bool   `toml:"tls_enabled"`
	StreamMaxLen int64  `toml:"stream_max_len"`
}

// PostgresConfig holds connection parameters for the reporting database.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled        bool     `toml:"enabled"`
	Port           int      `toml:"port"`
	CORSOrigins    []string `toml:"cors_origins"`
	ApiKey         string   `toml:"api_key"`
	RateLimitRPS   float64  `toml:"rate_limit_rps"`
	RateLimitBurst int      `toml:"rate_limit_burst"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Strategy names understood by the runner.
const (
	StrategyLeadLag          = "lead_lag"
	StrategyVolumeSpike      = "volume_spike"
	StrategyPriceAlerts      = "price_alerts"
	StrategyPriceConvergence = "price_convergence"
	StrategyMomentum         = "momentum"
	StrategyArbitrage        = "arbitrage"
)

// StrategyOrder is the order in which default strategies are added to the
// runner. Strategies not listed here run after these, sorted by name.
var StrategyOrder = []string{
	StrategyLeadLag,
	StrategyVolumeSpike,
	StrategyPriceAlerts,
	StrategyPriceConvergence,
	StrategyMomentum,
	StrategyArbitrage,
}

// DefaultStrategies returns the strategy table of the default runner.
func DefaultStrategies() map[string]StrategyConfig {
	return map[string]StrategyConfig{
		StrategyLeadLag: {
			Enabled: true, Weight: 1.0, MaxSignalsPerRun: 5,
			Params: map[string]any{"min_move": 0.02, "max_lag_seconds": 300},
		},
		StrategyVolumeSpike: {
			Enabled: true, Weight: 0.8, MaxSignalsPerRun: 5,
			Params: map[string]any{"spike_threshold": 2.0, "lookback_minutes": 60},
		},
		StrategyPriceAlerts: {
			Enabled: true, Weight: 0.6, MaxSignalsPerRun: 5,
			Params: map[string]any{"auto_detect": true},
		},
		StrategyPriceConvergence: {
			Enabled: true, Weight: 1.2, MaxSignalsPerRun: 5,
			Params: map[string]any{"min_divergence": 0.05},
		},
		StrategyMomentum: {
			Enabled: true, Weight: 0.7, MaxSignalsPerRun: 5,
			Params: map[string]any{"lookback_minutes": 15, "min_momentum": 0.03},
		},
		StrategyArbitrage: {
			Enabled: true, Weight: 1.5, MaxSignalsPerRun: 5,
			Params: map[string]any{"min_net_profit": 0.01, "kalshi_fee_rate": 0.10, "polymarket_gas_cost": 0.02},
		},
	}
}

// OrderedStrategies returns the configured strategy names in runner order.
func (c *Config) OrderedStrategies() []string {
	out := make([]string, 0, len(c.Strategies))
	for _, name := range StrategyOrder {
		if _, ok := c.Strategies[name]; ok {
			out = append(out, name)
		}
	}
	var rest []string
	for name := range c.Strategies {
		if !slices.Contains(StrategyOrder, name) {
			rest = append(rest, name)
		}
	}
	slices.Sort(rest)
	return append(out, rest...)
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Kalshi: KalshiConfig{
			BaseURL:           "https://api.elections.kalshi.com/trade-api/v2",
			RequestsPerSecond: 10,
		},
		Polymarket: PolymarketConfig{
			GammaHost:         "https://gamma-api.polymarket.com",
			ClobHost:          "https://clob.polymarket.com",
			ChainID:           137,
			RequestsPerSecond: 10,
		},
		Cache: CacheConfig{
			Path:             "data/cache/market_cache.db",
			MarketsTTL:       duration{60 * time.Second},
			MarketTTL:        duration{60 * time.Second},
			OrderbookTTL:     duration{5 * time.Second},
			PriceTTL:         duration{2 * time.Second},
			TradesTTL:        duration{30 * time.Second},
			PriceHistoryTTL:  duration{300 * time.Second},
			DefaultTTL:       duration{60 * time.Second},
			HistoryRetention: duration{7 * 24 * time.Hour},
			SweepCron:        "*/15 * * * *",
		},
		Data: DataConfig{
			RefreshInterval:   duration{10 * time.Second},
			ListLimit:         200,
			Workers:           4,
			DateToleranceDays: 7,
			PriceEpsilon:      0.001,
			Embedding:         "none",
		},
		Runner: RunnerConfig{
			PaperTrading:       true,
			Interval:           duration{30 * time.Second},
			MaxDailyTrades:     50,
			MaxPositionSize:    100.0,
			MinProfitThreshold: 0.05,
			LogDir:             "data/logs/runner",
			SignalHistory:      1000,
			TradeHistory:       1000,
			RunHistory:         100,
			ArchiveCron:        "30 0 * * *",
		},
		Strategies: DefaultStrategies(),
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketbot-data",
			ForcePathStyle: true,
			Prefix:         "marketbot",
		},
		Server: ServerConfig{
			Enabled:        true,
			Port:           8000,
			CORSOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		Notify: NotifyConfig{
			Events: []string{"arbitrage_trade", "strategy_error", "daily_cap", "live_failure"},
		},
		Mode:     "run",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"run":     true,
	"once":    true,
	"monitor": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validEmbeddings = map[string]bool{
	"none":   true,
	"hashed": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: run, once, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Venues
	if c.Kalshi.BaseURL == "" {
		errs = append(errs, "kalshi: base_url must not be empty")
	}
	if c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty")
	}
	if c.Kalshi.RequestsPerSecond <= 0 {
		errs = append(errs, "kalshi: requests_per_second must be > 0")
	}
	if c.Polymarket.RequestsPerSecond <= 0 {
		errs = append(errs, "polymarket: requests_per_second must be > 0")
	}
	if !c.Runner.PaperTrading {
		if c.Kalshi.ApiKey == "" || c.Kalshi.RsaPrivateKeyPath == "" {
			errs = append(errs, "kalshi: api_key and rsa_private_key_path are required when runner.paper_trading is false")
		}
		if c.Polymarket.ChainID <= 0 {
			errs = append(errs, "polymarket: chain_id must be positive")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	// Cache
	if c.Cache.Path == "" {
		errs = append(errs, "cache: path must not be empty")
	}
	for name, d := range map[string]duration{
		"markets_ttl":       c.Cache.MarketsTTL,
		"market_ttl":        c.Cache.MarketTTL,
		"orderbook_ttl":     c.Cache.OrderbookTTL,
		"price_ttl":         c.Cache.PriceTTL,
		"trades_ttl":        c.Cache.TradesTTL,
		"price_history_ttl": c.Cache.PriceHistoryTTL,
		"default_ttl":       c.Cache.DefaultTTL,
		"history_retention": c.Cache.HistoryRetention,
	} {
		if d.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("cache: %s must be > 0", name))
		}
	}

	if _, err := cron.ParseStandard(c.Cache.SweepCron); err != nil {
		errs = append(errs, fmt.Sprintf("cache: sweep_cron %q: %v", c.Cache.SweepCron, err))
	}

	// Data
	if c.Data.RefreshInterval.Duration <= 0 {
		errs = append(errs, "data: refresh_interval must be > 0")
	}
	if c.Data.ListLimit < 1 {
		errs = append(errs, "data: list_limit must be >= 1")
	}
	if c.Data.Workers < 1 {
		errs = append(errs, "data: workers must be >= 1")
	}
	if c.Data.DateToleranceDays < 0 {
		errs = append(errs, "data: date_tolerance_days must be >= 0")
	}
	if !validEmbeddings[strings.ToLower(c.Data.Embedding)] {
		errs = append(errs, fmt.Sprintf("data: unknown embedding %q (valid: none, hashed)", c.Data.Embedding))
	}

	// Runner
	if c.Runner.Interval.Duration <= 0 {
		errs = append(errs, "runner: interval must be > 0")
	}
	if c.Runner.MaxPositionSize <= 0 {
		errs = append(errs, "runner: max_position_size must be > 0")
	}
	if c.S3.Enabled {
		if _, err := cron.ParseStandard(c.Runner.ArchiveCron); err != nil {
			errs = append(errs, fmt.Sprintf("runner: archive_cron %q: %v", c.Runner.ArchiveCron, err))
		}
	}
	if c.Runner.SignalHistory < 1 || c.Runner.TradeHistory < 1 || c.Runner.RunHistory < 1 {
		errs = append(errs, "runner: signal_history, trade_history and run_history must be >= 1")
	}

	// Strategies
	anyEnabled := false
	for _, name := range c.OrderedStrategies() {
		sc := c.Strategies[name]
		if !slices.Contains(StrategyOrder, name) {
			errs = append(errs, fmt.Sprintf("strategies: unknown strategy %q (valid: %s)", name, strings.Join(StrategyOrder, ", ")))
			continue
		}
		if sc.Weight < 0 {
			errs = append(errs, fmt.Sprintf("strategies.%s: weight must be >= 0", name))
		}
		if sc.MaxSignalsPerRun < 1 {
			errs = append(errs, fmt.Sprintf("strategies.%s: max_signals_per_run must be >= 1", name))
		}
		anyEnabled = anyEnabled || sc.Enabled
	}
	if anyEnabled && c.Runner.MaxDailyTrades <= 0 {
		errs = append(errs, "runner: max_daily_trades must be > 0 while any strategy is enabled")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		slices.Sort(errs)
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// CloneStrategies returns a deep copy of the strategy table.
func (c *Config) CloneStrategies() map[string]StrategyConfig {
	out := make(map[string]StrategyConfig, len(c.Strategies))
	for name, sc := range c.Strategies {
		sc.Params = maps.Clone(sc.Params)
		out[name] = sc
	}
	return out
}
