package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	s3blob "github.com/infomarkets/marketbot/internal/blob/s3"
	"github.com/infomarkets/marketbot/internal/bus"
	"github.com/infomarkets/marketbot/internal/cache"
	"github.com/infomarkets/marketbot/internal/cache/redis"
	"github.com/infomarkets/marketbot/internal/cache/sqlite"
	"github.com/infomarkets/marketbot/internal/config"
	"github.com/infomarkets/marketbot/internal/crypto"
	"github.com/infomarkets/marketbot/internal/domain"
	"github.com/infomarkets/marketbot/internal/executor"
	"github.com/infomarkets/marketbot/internal/market"
	"github.com/infomarkets/marketbot/internal/notify"
	"github.com/infomarkets/marketbot/internal/platform/kalshi"
	"github.com/infomarkets/marketbot/internal/platform/polymarket"
	"github.com/infomarkets/marketbot/internal/runner"
	"github.com/infomarkets/marketbot/internal/store/postgres"
)

// Dependencies bundles everything the operating modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Cache    *cache.Cache
	Markets  *market.Manager
	Executor *executor.Executor
	// Runner is nil in monitor mode.
	Runner *runner.Runner

	// Bus is Redis pub/sub when enabled, otherwise in-process.
	Bus domain.EventBus
	// Stream, Reports and Archiver are nil when their backend is disabled.
	// Reports is available in every mode; Stream and Archiver only with a
	// runner.
	Stream   domain.EventLog
	Reports  domain.ReportStore
	Archiver *s3blob.Archiver

	Notifier  *notify.Notifier
	StartedAt time.Time
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{StartedAt: time.Now().UTC()}
	mode := strings.ToLower(cfg.Mode)

	// --- Event bus: Redis when enabled, otherwise in-process ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		eb := redis.NewEventBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.Bus = eb
		deps.Stream = eb
	} else {
		mem := bus.NewMemory(logger)
		closers = append(closers, func() { _ = mem.Close() })
		deps.Bus = mem
	}

	// --- Market cache ---
	store, err := sqlite.Open(cfg.Cache.Path)
	if err != nil {
		return fail(fmt.Errorf("wire: cache store: %w", err))
	}
	closers = append(closers, func() { _ = store.Close() })

	deps.Cache = cache.New(store, cache.Options{
		TTLs: map[domain.DataKind]time.Duration{
			domain.KindMarkets:      cfg.Cache.MarketsTTL.Duration,
			domain.KindMarket:       cfg.Cache.MarketTTL.Duration,
			domain.KindOrderbook:    cfg.Cache.OrderbookTTL.Duration,
			domain.KindPrice:        cfg.Cache.PriceTTL.Duration,
			domain.KindTrades:       cfg.Cache.TradesTTL.Duration,
			domain.KindPriceHistory: cfg.Cache.PriceHistoryTTL.Duration,
		},
		DefaultTTL: cfg.Cache.DefaultTTL.Duration,
	}, logger)

	// --- Venues ---
	kalshiClient := kalshi.NewClient(cfg.Kalshi.BaseURL, cfg.Kalshi.ApiKey, cfg.Kalshi.RequestsPerSecond)
	if cfg.Kalshi.RsaPrivateKeyPath != "" {
		if err := kalshiClient.LoadRSAPrivateKey(cfg.Kalshi.RsaPrivateKeyPath); err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
	}

	var signer *crypto.Signer
	if !cfg.Runner.PaperTrading {
		signer = buildSigner(ctx, cfg, logger)
	}
	var hmacAuth *crypto.HMACAuth
	if cfg.Polymarket.ApiKey != "" {
		hmacAuth = &crypto.HMACAuth{
			Key:        cfg.Polymarket.ApiKey,
			Secret:     cfg.Polymarket.ApiSecret,
			Passphrase: cfg.Polymarket.ApiPassphrase,
		}
	}
	gamma := polymarket.NewGammaClient(cfg.Polymarket.GammaHost, cfg.Polymarket.RequestsPerSecond)
	clob := polymarket.NewClobClient(cfg.Polymarket.ClobHost, cfg.Polymarket.RequestsPerSecond, signer, hmacAuth)

	deps.Markets = market.NewManager(deps.Cache,
		[]market.VenueClient{kalshiClient, polymarket.NewVenue(gamma, clob)},
		market.Options{
			ListLimit:         cfg.Data.ListLimit,
			Workers:           cfg.Data.Workers,
			PriceEpsilon:      cfg.Data.PriceEpsilon,
			DateToleranceDays: cfg.Data.DateToleranceDays,
			Embedder:          market.NewEmbedder(cfg.Data.Embedding),
			Bus:               deps.Bus,
		}, logger)
	deps.Markets.OnPriceUpdate(priceBridge(deps.Bus, logger))

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- PostgreSQL reports (optional) ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.FromConfig(cfg.Postgres))
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)
		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.Reports = postgres.NewReportStore(pgClient.Pool())
	}

	if mode == "monitor" {
		return deps, cleanup, nil
	}

	// --- S3 archive of finished audit logs (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.FromConfig(cfg.S3))
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client), cfg.S3.Prefix, logger)
	}

	// --- Execution ---
	var (
		kalshiPlacer executor.KalshiPlacer
		polyPlacer   executor.PolymarketPlacer
	)
	if !cfg.Runner.PaperTrading {
		if kalshiClient.CanTrade() {
			kalshiPlacer = kalshiClient
		}
		if clob.CanTrade() {
			polyPlacer = clob
		}
	}
	deps.Executor = executor.New(executor.Options{
		PaperTrading:    cfg.Runner.PaperTrading,
		MaxPositionSize: cfg.Runner.MaxPositionSize,
	}, kalshiPlacer, polyPlacer, deps.Markets, logger)

	// --- Strategy runner ---
	opts := runner.Options{
		MaxDailyTrades: cfg.Runner.MaxDailyTrades,
		LogDir:         cfg.Runner.LogDir,
		SignalHistory:  cfg.Runner.SignalHistory,
		TradeHistory:   cfg.Runner.TradeHistory,
		RunHistory:     cfg.Runner.RunHistory,
		Bus:            deps.Bus,
		Notifier:       deps.Notifier,
	}
	if deps.Stream != nil {
		opts.Stream = deps.Stream
	}
	if deps.Reports != nil {
		opts.Reports = deps.Reports
	}
	deps.Runner = runner.New(deps.Markets, deps.Executor, deps.Markets, opts, logger)
	for _, name := range cfg.OrderedStrategies() {
		if err := deps.Runner.AddStrategy(name, cfg.Strategies[name]); err != nil {
			return fail(fmt.Errorf("wire: %w", err))
		}
	}

	return deps, cleanup, nil
}

// buildSigner resolves the wallet key for live Polymarket orders. Without a
// usable key Polymarket trades fail individually instead of blocking startup.
func buildSigner(ctx context.Context, cfg *config.Config, logger *slog.Logger) *crypto.Signer {
	key, err := crypto.KeySource{
		RawKey:   cfg.Wallet.PrivateKey,
		FilePath: cfg.Wallet.EncryptedKeyPath,
		Password: cfg.Wallet.KeyPassword,
	}.Resolve()
	if err != nil {
		logger.WarnContext(ctx, "wire: polymarket live trading disabled", slog.String("error", err.Error()))
		return nil
	}
	signer, err := crypto.NewSigner(key, cfg.Polymarket.ChainID)
	if err != nil {
		logger.WarnContext(ctx, "wire: polymarket live trading disabled", slog.String("error", err.Error()))
		return nil
	}
	logger.InfoContext(ctx, "wire: polymarket signer ready", slog.String("address", signer.Address().Hex()))
	return signer
}

type priceChange struct {
	Venue    domain.Venue `json:"venue"`
	MarketID string       `json:"market_id"`
	OldPrice float64      `json:"old_price"`
	NewPrice float64      `json:"new_price"`
}

// priceBridge republishes cached price moves on the prices channel.
func priceBridge(b domain.EventBus, logger *slog.Logger) market.PriceCallback {
	return func(venue domain.Venue, marketID string, oldPrice, newPrice float64) {
		ev, err := domain.NewEvent("price", priceChange{Venue: venue, MarketID: marketID, OldPrice: oldPrice, NewPrice: newPrice})
		if err != nil {
			return
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.Publish(ctx, domain.ChannelPrices, raw); err != nil {
			logger.Debug("wire: publish price failed", slog.String("error", err.Error()))
		}
	}
}
