package config

import (
	"maps"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies MARKETBOT_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, err
		}
		fillStrategyDefaults(&cfg, md)
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// fillStrategyDefaults restores default values for strategy keys the file
// left out. The TOML decoder starts every map entry it touches from the zero
// value, so a table that only sets enabled would otherwise lose its weight.
func fillStrategyDefaults(cfg *Config, md toml.MetaData) {
	defaults := DefaultStrategies()
	for name, sc := range cfg.Strategies {
		def, known := defaults[name]
		if !known {
			def = StrategyConfig{Enabled: true, Weight: 1.0, MaxSignalsPerRun: 5}
		}
		if !md.IsDefined("strategies", name, "enabled") {
			sc.Enabled = def.Enabled
		}
		if !md.IsDefined("strategies", name, "weight") {
			sc.Weight = def.Weight
		}
		if !md.IsDefined("strategies", name, "max_signals_per_run") {
			sc.MaxSignalsPerRun = def.MaxSignalsPerRun
		}
		params := maps.Clone(def.Params)
		if params == nil {
			params = map[string]any{}
		}
		maps.Copy(params, sc.Params)
		sc.Params = params
		cfg.Strategies[name] = sc
	}
}

// applyEnvOverrides reads well-known MARKETBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Kalshi ──
	setStr(&cfg.Kalshi.BaseURL, "MARKETBOT_KALSHI_BASE_URL")
	setStr(&cfg.Kalshi.ApiKey, "MARKETBOT_KALSHI_API_KEY")
	setStr(&cfg.Kalshi.RsaPrivateKeyPath, "MARKETBOT_KALSHI_RSA_PRIVATE_KEY_PATH")
	setFloat64(&cfg.Kalshi.RequestsPerSecond, "MARKETBOT_KALSHI_REQUESTS_PER_SECOND")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.GammaHost, "MARKETBOT_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.ClobHost, "MARKETBOT_POLYMARKET_CLOB_HOST")
	setInt(&cfg.Polymarket.ChainID, "MARKETBOT_POLYMARKET_CHAIN_ID")
	setFloat64(&cfg.Polymarket.RequestsPerSecond, "MARKETBOT_POLYMARKET_REQUESTS_PER_SECOND")
	setStr(&cfg.Polymarket.ApiKey, "MARKETBOT_POLYMARKET_API_KEY")
	setStr(&cfg.Polymarket.ApiSecret, "MARKETBOT_POLYMARKET_API_SECRET")
	setStr(&cfg.Polymarket.ApiPassphrase, "MARKETBOT_POLYMARKET_API_PASSPHRASE")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "MARKETBOT_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "MARKETBOT_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "MARKETBOT_WALLET_KEY_PASSWORD")

	// ── Cache ──
	setStr(&cfg.Cache.Path, "MARKETBOT_CACHE_PATH")
	setDuration(&cfg.Cache.HistoryRetention, "MARKETBOT_CACHE_HISTORY_RETENTION")
	setStr(&cfg.Cache.SweepCron, "MARKETBOT_CACHE_SWEEP_CRON")

	// ── Data ──
	setDuration(&cfg.Data.RefreshInterval, "MARKETBOT_DATA_REFRESH_INTERVAL")
	setInt(&cfg.Data.ListLimit, "MARKETBOT_DATA_LIST_LIMIT")
	setInt(&cfg.Data.Workers, "MARKETBOT_DATA_WORKERS")
	setStr(&cfg.Data.Embedding, "MARKETBOT_DATA_EMBEDDING")

	// ── Runner ──
	setBool(&cfg.Runner.PaperTrading, "MARKETBOT_RUNNER_PAPER_TRADING")
	setDuration(&cfg.Runner.Interval, "MARKETBOT_RUNNER_INTERVAL")
	setInt(&cfg.Runner.MaxDailyTrades, "MARKETBOT_RUNNER_MAX_DAILY_TRADES")
	setFloat64(&cfg.Runner.MaxPositionSize, "MARKETBOT_RUNNER_MAX_POSITION_SIZE")
	setFloat64(&cfg.Runner.MinProfitThreshold, "MARKETBOT_RUNNER_MIN_PROFIT_THRESHOLD")
	setStr(&cfg.Runner.LogDir, "MARKETBOT_RUNNER_LOG_DIR")
	setStr(&cfg.Runner.ArchiveCron, "MARKETBOT_RUNNER_ARCHIVE_CRON")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "MARKETBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "MARKETBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARKETBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARKETBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MARKETBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MARKETBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MARKETBOT_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "MARKETBOT_REDIS_STREAM_MAX_LEN")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "MARKETBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "MARKETBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "MARKETBOT_DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "MARKETBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "MARKETBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "MARKETBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "MARKETBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "MARKETBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "MARKETBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "MARKETBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "MARKETBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "MARKETBOT_POSTGRES_RUN_MIGRATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "MARKETBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "MARKETBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MARKETBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "MARKETBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MARKETBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MARKETBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "MARKETBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "MARKETBOT_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "MARKETBOT_S3_PREFIX")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "MARKETBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "MARKETBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "MARKETBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.ApiKey, "MARKETBOT_SERVER_API_KEY")
	setFloat64(&cfg.Server.RateLimitRPS, "MARKETBOT_SERVER_RATE_LIMIT_RPS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "MARKETBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "MARKETBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "MARKETBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "MARKETBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "MARKETBOT_MODE")
	setStr(&cfg.LogLevel, "MARKETBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
