// Package runner drives the signal generators on a fixed interval, turns
// their signals into trades and keeps the bookkeeping around them: the
// daily trade cap, bounded histories, the audit log and the performance
// summary.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/infomarkets/marketbot/internal/config"
	"github.com/infomarkets/marketbot/internal/domain"
	"github.com/infomarkets/marketbot/internal/strategy"
)

// Executor sizes and executes trades.
type Executor interface {
	SizeTrade(sig domain.Signal, weight float64) domain.Trade
	Execute(ctx context.Context, t domain.Trade) domain.TradeResult
	PaperTrading() bool
}

// Refresher keeps the market data current. The market manager satisfies it.
type Refresher interface {
	Run(ctx context.Context, interval time.Duration) error
}

// Notifier receives operator alerts.
type Notifier interface {
	TradeExecuted(ctx context.Context, res domain.TradeResult, paper bool) error
	StrategyFailed(ctx context.Context, strategy string, err error) error
	DailyCapReached(ctx context.Context, trades, limit int) error
}

// Options configures a Runner. Zero history sizes fall back to 1000 signals,
// 1000 trades and 100 cycles.
type Options struct {
	MaxDailyTrades int
	LogDir         string
	SignalHistory  int
	TradeHistory   int
	RunHistory     int
	Now            func() time.Time

	// Optional side outputs. Failures are logged and otherwise ignored.
	Bus      domain.EventBus
	Stream   domain.EventLog
	Reports  domain.ReportStore
	Notifier Notifier
}

const cycleStream = "marketbot:stream:cycles"

type entry struct {
	gen strategy.Generator
	cfg config.StrategyConfig
}

// Runner executes registered strategies in insertion order.
type Runner struct {
	view   strategy.MarketView
	exec   Executor
	data   Refresher
	opts   Options
	audit  *AuditLog
	logger *slog.Logger

	cycleMu sync.Mutex // serializes RunCycle

	mu          sync.Mutex
	strategies  []entry
	signals     []domain.Signal
	trades      []domain.TradeResult
	runs        []domain.CycleStats
	tradesToday int
	day         string

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Runner. data may be nil when the caller refreshes market
// data itself.
func New(view strategy.MarketView, exec Executor, data Refresher, opts Options, logger *slog.Logger) *Runner {
	if opts.SignalHistory <= 0 {
		opts.SignalHistory = 1000
	}
	if opts.TradeHistory <= 0 {
		opts.TradeHistory = 1000
	}
	if opts.RunHistory <= 0 {
		opts.RunHistory = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Runner{
		view:   view,
		exec:   exec,
		data:   data,
		opts:   opts,
		logger: logger.With(slog.String("component", "runner")),
	}
	if opts.LogDir != "" {
		r.audit = NewAuditLog(opts.LogDir)
	}
	return r
}

// AuditLog returns the audit log, or nil when no log directory is set.
func (r *Runner) AuditLog() *AuditLog { return r.audit }

// AddStrategy constructs the named generator and appends it to the run
// order.
func (r *Runner) AddStrategy(name string, cfg config.StrategyConfig) error {
	gen, err := strategy.New(name, r.view, strategy.Params(cfg.Params), r.logger)
	if err != nil {
		return fmt.Errorf("runner: add strategy: %w", err)
	}
	return r.add(gen, cfg)
}

func (r *Runner) add(gen strategy.Generator, cfg config.StrategyConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.strategies {
		if e.gen.Name() == gen.Name() {
			return fmt.Errorf("runner: strategy %q already added", gen.Name())
		}
	}
	r.strategies = append(r.strategies, entry{gen: gen, cfg: cfg})
	r.logger.Info("runner: strategy added",
		slog.String("strategy", gen.Name()),
		slog.Bool("enabled", cfg.Enabled),
		slog.Float64("weight", cfg.Weight),
		slog.Int("max_signals", cfg.MaxSignalsPerRun),
	)
	return nil
}

// Strategies returns the registered strategy names in run order.
func (r *Runner) Strategies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.strategies))
	for i, e := range r.strategies {
		out[i] = e.gen.Name()
	}
	return out
}

// RunCycle runs every enabled strategy once and executes the resulting
// signals until the daily cap is reached.
func (r *Runner) RunCycle(ctx context.Context) domain.CycleStats {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	start := r.opts.Now()
	stats := domain.CycleStats{
		Timestamp:  start,
		ByStrategy: make(map[string]domain.StrategyCycleStats),
		PaperMode:  r.exec.PaperTrading(),
	}

	r.mu.Lock()
	if day := start.Format("2006-01-02"); day != r.day {
		if r.day != "" {
			r.logger.InfoContext(ctx, "runner: daily trade counter reset", slog.String("day", day))
		}
		r.day, r.tradesToday = day, 0
	}
	capped := r.tradesToday >= r.opts.MaxDailyTrades
	strategies := append([]entry(nil), r.strategies...)
	r.mu.Unlock()

	var results []domain.TradeResult
	if capped {
		r.logger.WarnContext(ctx, "runner: daily trade cap reached, skipping cycle",
			slog.Int("max_daily_trades", r.opts.MaxDailyTrades),
		)
	} else {
		results = r.runStrategies(ctx, strategies, &stats)
	}

	stats.DurationMs = float64(r.opts.Now().Sub(start).Microseconds()) / 1000

	r.mu.Lock()
	r.runs = appendBounded(r.runs, stats, r.opts.RunHistory)
	r.mu.Unlock()

	if r.audit != nil {
		if err := r.audit.Append(stats); err != nil {
			r.logger.WarnContext(ctx, "runner: audit write failed", slog.String("error", err.Error()))
		}
	}
	r.recordCycle(ctx, stats, results)

	r.logger.InfoContext(ctx, "runner: cycle complete",
		slog.Int("signals", stats.SignalCount),
		slog.Int("trades", stats.TradeCount),
		slog.Int("successful", stats.SuccessCount),
		slog.Float64("duration_ms", stats.DurationMs),
	)
	return stats
}

func (r *Runner) runStrategies(ctx context.Context, strategies []entry, stats *domain.CycleStats) []domain.TradeResult {
	var results []domain.TradeResult
	for _, e := range strategies {
		if !e.cfg.Enabled {
			continue
		}
		name := e.gen.Name()
		st := domain.StrategyCycleStats{}

		signals, err := analyze(ctx, e.gen)
		if err != nil {
			st.Error = err.Error()
			stats.ByStrategy[name] = st
			r.logger.ErrorContext(ctx, "runner: strategy failed",
				slog.String("strategy", name),
				slog.String("error", err.Error()),
			)
			if r.opts.Notifier != nil {
				if nerr := r.opts.Notifier.StrategyFailed(ctx, name, err); nerr != nil {
					r.logger.WarnContext(ctx, "runner: notify failed", slog.String("error", nerr.Error()))
				}
			}
			continue
		}
		if limit := e.cfg.MaxSignalsPerRun; limit > 0 && len(signals) > limit {
			signals = signals[:limit]
		}
		st.Signals = len(signals)
		stats.SignalCount += len(signals)

		capHit := false
		for _, sig := range signals {
			r.recordSignal(ctx, sig)
			res := r.exec.Execute(ctx, r.exec.SizeTrade(sig, e.cfg.Weight))
			results = append(results, res)
			st.Trades++
			stats.TradeCount++

			r.mu.Lock()
			r.trades = appendBounded(r.trades, res, r.opts.TradeHistory)
			if res.Success {
				r.tradesToday++
			}
			today := r.tradesToday
			r.mu.Unlock()

			if res.Success {
				st.Successful++
				stats.SuccessCount++
			}
			r.recordTrade(ctx, res)

			if today >= r.opts.MaxDailyTrades {
				capHit = true
				r.logger.WarnContext(ctx, "runner: daily trade cap reached",
					slog.Int("trades_today", today),
				)
				if r.opts.Notifier != nil {
					if err := r.opts.Notifier.DailyCapReached(ctx, today, r.opts.MaxDailyTrades); err != nil {
						r.logger.WarnContext(ctx, "runner: notify failed", slog.String("error", err.Error()))
					}
				}
				break
			}
		}
		stats.ByStrategy[name] = st
		if capHit {
			break
		}
	}
	return results
}

// analyze calls Analyze and turns a panic into an error.
func analyze(ctx context.Context, gen strategy.Generator) (signals []domain.Signal, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("runner: %s panicked: %v", gen.Name(), p)
		}
	}()
	return gen.Analyze(ctx)
}

func (r *Runner) recordSignal(ctx context.Context, sig domain.Signal) {
	r.mu.Lock()
	r.signals = appendBounded(r.signals, sig, r.opts.SignalHistory)
	r.mu.Unlock()
	r.publish(ctx, domain.ChannelSignals, "signal", sig)
}

func (r *Runner) recordTrade(ctx context.Context, res domain.TradeResult) {
	r.publish(ctx, domain.ChannelTrades, "trade", res)
	if r.opts.Notifier != nil {
		if err := r.opts.Notifier.TradeExecuted(ctx, res, r.exec.PaperTrading()); err != nil {
			r.logger.WarnContext(ctx, "runner: notify failed", slog.String("error", err.Error()))
		}
	}
}

func (r *Runner) recordCycle(ctx context.Context, stats domain.CycleStats, results []domain.TradeResult) {
	r.publish(ctx, domain.ChannelCycles, "cycle", stats)
	if r.opts.Stream != nil {
		if raw, err := json.Marshal(stats); err == nil {
			if err := r.opts.Stream.StreamAppend(ctx, cycleStream, raw); err != nil {
				r.logger.WarnContext(ctx, "runner: stream append failed", slog.String("error", err.Error()))
			}
		}
	}
	if r.opts.Reports == nil {
		return
	}
	id, err := r.opts.Reports.SaveCycle(ctx, stats)
	if err != nil {
		r.logger.WarnContext(ctx, "runner: save cycle failed", slog.String("error", err.Error()))
		return
	}
	if len(results) == 0 {
		return
	}
	if err := r.opts.Reports.SaveTradeResults(ctx, id, results); err != nil {
		r.logger.WarnContext(ctx, "runner: save trades failed",
			slog.Int64("cycle_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Runner) publish(ctx context.Context, channel, typ string, payload any) {
	if r.opts.Bus == nil {
		return
	}
	ev, err := domain.NewEvent(typ, payload)
	if err != nil {
		r.logger.WarnContext(ctx, "runner: encode event failed", slog.String("error", err.Error()))
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.opts.Bus.Publish(ctx, channel, raw); err != nil {
		r.logger.WarnContext(ctx, "runner: publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

// PerformanceSummary aggregates the runner's history.
func (r *Runner) PerformanceSummary() domain.PerformanceSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := domain.PerformanceSummary{
		PaperTrading:   r.exec.PaperTrading(),
		TotalSignals:   len(r.signals),
		TotalTrades:    len(r.trades),
		TradesToday:    r.tradesToday,
		MaxDailyTrades: r.opts.MaxDailyTrades,
		RunCycles:      len(r.runs),
	}
	pnl := decimal.Zero
	for _, t := range r.trades {
		if !t.Success {
			continue
		}
		s.SuccessfulTrades++
		if s.PaperTrading {
			pnl = pnl.Add(legPnL(t))
			if c := t.Complementary; c != nil && c.Success {
				pnl = pnl.Add(legPnL(*c))
			}
		}
	}
	s.FailedTrades = s.TotalTrades - s.SuccessfulTrades
	if s.TotalTrades > 0 {
		s.SuccessRate = float64(s.SuccessfulTrades) / float64(s.TotalTrades)
	}
	s.PaperPnL = pnl.InexactFloat64()
	for _, e := range r.strategies {
		if e.cfg.Enabled {
			s.StrategiesEnabled++
		}
	}
	if len(r.runs) > 0 {
		var total float64
		for _, run := range r.runs {
			total += run.DurationMs
		}
		s.AvgCycleDurationMs = total / float64(len(r.runs))
	}
	return s
}

// legPnL is the cash flow of one filled leg: buys pay, sells receive.
func legPnL(t domain.TradeResult) decimal.Decimal {
	price := t.Trade.Price
	if t.FilledPrice != nil {
		price = *t.FilledPrice
	}
	qty := t.FilledQuantity
	if qty == 0 {
		qty = t.Trade.Quantity
	}
	v := decimal.NewFromFloat(price).Mul(decimal.NewFromInt(qty))
	if t.Trade.Action == domain.SignalSell {
		return v
	}
	return v.Neg()
}

// RecentSignals returns up to limit signals, newest first. A non-positive
// limit means 20.
func (r *Runner) RecentSignals(limit int) []domain.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return newestFirst(r.signals, limit, domain.Signal.Clone)
}

// RecentTrades returns up to limit trade results, newest first. A
// non-positive limit means 20.
func (r *Runner) RecentTrades(limit int) []domain.TradeResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return newestFirst(r.trades, limit, domain.TradeResult.Clone)
}

// RecentCycles returns up to limit cycle stats, newest first.
func (r *Runner) RecentCycles(limit int) []domain.CycleStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return newestFirst(r.runs, limit, domain.CycleStats.Clone)
}

func newestFirst[T any](s []T, limit int, clone func(T) T) []T {
	if limit <= 0 {
		limit = 20
	}
	limit = min(limit, len(s))
	out := make([]T, 0, limit)
	for i := len(s) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, clone(s[i]))
	}
	return out
}

func appendBounded[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if over := len(s) - limit; over > 0 {
		s = append(s[:0:0], s[over:]...)
	}
	return s
}

// Run executes a cycle immediately and then every interval until ctx is
// done. A cycle in progress is allowed to finish.
func (r *Runner) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("runner: interval must be positive, got %s", interval)
	}
	r.logger.InfoContext(ctx, "runner: started",
		slog.Duration("interval", interval),
		slog.Int("strategies", len(r.Strategies())),
	)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.RunCycle(context.WithoutCancel(ctx))
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "runner: stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Start runs the cycle loop in the background, with the market data
// refreshing every interval/3. It is a no-op when already started.
func (r *Runner) Start(interval time.Duration) {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel, r.done = cancel, done

	go func() {
		defer close(done)
		g, gctx := errgroup.WithContext(ctx)
		if r.data != nil {
			g.Go(func() error { return r.data.Run(gctx, max(interval/3, time.Second)) })
		}
		g.Go(func() error { return r.Run(gctx, interval) })
		if err := g.Wait(); err != nil {
			r.logger.Error("runner: loop failed", slog.String("error", err.Error()))
		}
	}()
}

// Stop ends the background loop and waits for the current cycle.
func (r *Runner) Stop() {
	r.loopMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
