package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/infomarkets/marketbot/internal/domain"
	"github.com/infomarkets/marketbot/internal/platform/kalshi"
	"github.com/infomarkets/marketbot/internal/platform/polymarket"
	"github.com/infomarkets/marketbot/internal/strategy"
)

// KalshiPlacer submits RSA-signed orders to Kalshi.
type KalshiPlacer interface {
	PlaceOrder(ctx context.Context, o kalshi.Order) (kalshi.OrderResponse, error)
}

// PolymarketPlacer submits EIP-712 signed orders to the Polymarket CLOB.
type PolymarketPlacer interface {
	PostOrder(ctx context.Context, req polymarket.OrderRequest) (polymarket.APIOrderResult, error)
}

// MarketLookup resolves a cached listing, used to find Polymarket token ids.
type MarketLookup interface {
	GetMarket(ctx context.Context, venue domain.Venue, id string) (domain.MarketRecord, bool)
}

// Options configures an Executor.
type Options struct {
	PaperTrading    bool
	MaxPositionSize float64
	// DedupTTL is how long an executed leg is remembered. Zero uses 10m.
	DedupTTL time.Duration
	Now      func() time.Time
}

// Executor sizes signals into trades and executes them on paper or against
// the venues. Execution failures never escape as errors; they become failed
// TradeResults.
type Executor struct {
	paper   bool
	maxPos  decimal.Decimal
	kalshi  KalshiPlacer
	poly    PolymarketPlacer
	markets MarketLookup
	dedup   *Dedup
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an Executor. The placers may be nil in paper mode; in live
// mode a nil placer makes that venue's trades fail with ErrLiveUnsupported.
func New(opts Options, k KalshiPlacer, p PolymarketPlacer, markets MarketLookup, logger *slog.Logger) *Executor {
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	dedup := NewDedup(opts.DedupTTL)
	dedup.now = opts.Now
	return &Executor{
		paper:   opts.PaperTrading,
		maxPos:  decimal.NewFromFloat(opts.MaxPositionSize),
		kalshi:  k,
		poly:    p,
		markets: markets,
		dedup:   dedup,
		now:     opts.Now,
		logger:  logger.With(slog.String("component", "executor")),
	}
}

// PaperTrading reports whether orders are simulated.
func (e *Executor) PaperTrading() bool { return e.paper }

// Dedup exposes the leg dedup table for housekeeping.
func (e *Executor) Dedup() *Dedup { return e.dedup }

// SizeTrade converts a signal into a trade. The position budget is
// MaxPositionSize times weight and the quantity is the whole number of
// contracts it buys at the signal's current price, at least one. Arbitrage
// primaries are limit orders; everything else is a market order.
func (e *Executor) SizeTrade(sig domain.Signal, weight float64) domain.Trade {
	t := domain.Trade{
		Signal:    sig,
		Venue:     sig.Venue,
		MarketID:  sig.MarketID,
		Side:      sig.Side,
		Action:    sig.Type,
		Price:     sig.CurrentPrice,
		OrderType: domain.OrderTypeMarket,
	}
	if sig.StrategyName == "arbitrage" {
		t.OrderType = domain.OrderTypeLimit
	}
	t.Quantity = 1
	if sig.CurrentPrice > 0 {
		budget := e.maxPos.Mul(decimal.NewFromFloat(weight))
		qty := budget.Div(decimal.NewFromFloat(sig.CurrentPrice)).Floor().IntPart()
		t.Quantity = max(1, qty)
	}
	return t
}

// Execute runs the trade and, for a successful dutch-book primary leg, its
// complementary leg on the paired venue. A failed complementary leg is
// recorded on the result without unwinding the primary.
func (e *Executor) Execute(ctx context.Context, t domain.Trade) domain.TradeResult {
	res := e.executeLeg(ctx, t, "primary")
	if !res.Success {
		return res
	}
	comp, ok := complementary(t)
	if !ok {
		return res
	}
	cr := e.executeLeg(ctx, comp, "complementary")
	res.Complementary = &cr
	if !cr.Success {
		e.logger.WarnContext(ctx, "executor: complementary leg failed",
			slog.String("signal_id", t.Signal.ID),
			slog.String("venue", string(comp.Venue)),
			slog.String("market", comp.MarketID),
			slog.String("error", cr.Error),
		)
	}
	return res
}

// complementary builds the second leg of a dutch book from signal metadata.
func complementary(t domain.Trade) (domain.Trade, bool) {
	sig := t.Signal
	if sig.MetaString("arb_type") != strategy.ArbDutchBook {
		return domain.Trade{}, false
	}
	venue := domain.Venue(sig.MetaString("complementary_venue"))
	if !venue.Valid() {
		return domain.Trade{}, false
	}
	id := sig.MetaString("complementary_market_id")
	if id == "" {
		id = t.MarketID
	}
	price, _ := sig.MetaFloat("complementary_price")
	return domain.Trade{
		Signal:    sig,
		Venue:     venue,
		MarketID:  id,
		Side:      sig.MetaString("complementary_side"),
		Action:    domain.SignalBuy,
		Quantity:  t.Quantity,
		Price:     price,
		OrderType: domain.OrderTypeLimit,
	}, true
}

func (e *Executor) executeLeg(ctx context.Context, t domain.Trade, leg string) (res domain.TradeResult) {
	log := e.logger.With(
		slog.String("signal_id", t.Signal.ID),
		slog.String("strategy", t.Signal.StrategyName),
		slog.String("venue", string(t.Venue)),
		slog.String("market", t.MarketID),
		slog.String("leg", leg),
	)
	now := e.now()

	if err := validate(t); err != nil {
		log.WarnContext(ctx, "executor: invalid trade", slog.String("error", err.Error()))
		return domain.Failed(t, err, now)
	}
	if t.Signal.ID != "" && e.dedup.IsDuplicate(t.Signal.ID+"/"+leg) {
		err := fmt.Errorf("executor: signal %s %s leg already executed: %w", t.Signal.ID, leg, domain.ErrInvalidTrade)
		log.WarnContext(ctx, "executor: duplicate leg skipped")
		return domain.Failed(t, err, now)
	}

	defer func() {
		if r := recover(); r != nil {
			log.ErrorContext(ctx, "executor: order placement panicked", slog.Any("panic", r))
			res = domain.Failed(t, fmt.Errorf("executor: order placement panicked: %v", r), e.now())
		}
	}()

	var err error
	if e.paper {
		res = e.paperFill(t, now)
	} else {
		res, err = e.live(ctx, t)
		if err != nil {
			log.ErrorContext(ctx, "executor: live order failed", slog.String("error", err.Error()))
			return domain.Failed(t, err, e.now())
		}
	}
	log.InfoContext(ctx, "executor: order placed",
		slog.String("order_id", res.OrderID),
		slog.String("side", t.Side),
		slog.String("action", string(t.Action)),
		slog.Int64("quantity", res.FilledQuantity),
		slog.Float64("price", t.Price),
		slog.Bool("paper", e.paper),
	)
	return res
}

func validate(t domain.Trade) error {
	if !t.Venue.Valid() {
		return fmt.Errorf("executor: venue %q: %w", t.Venue, domain.ErrUnknownVenue)
	}
	if t.Price <= 0 || t.Price >= 1 {
		return fmt.Errorf("executor: price %.4f outside (0, 1): %w", t.Price, domain.ErrInvalidTrade)
	}
	if t.Quantity < 1 {
		return fmt.Errorf("executor: quantity %d: %w", t.Quantity, domain.ErrInvalidTrade)
	}
	if t.Side != domain.SideYes && t.Side != domain.SideNo {
		return fmt.Errorf("executor: side %q: %w", t.Side, domain.ErrInvalidTrade)
	}
	return nil
}

func (e *Executor) paperFill(t domain.Trade, now time.Time) domain.TradeResult {
	price := t.Price
	return domain.TradeResult{
		Trade:          t,
		Success:        true,
		OrderID:        "PAPER-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		FilledPrice:    &price,
		FilledQuantity: t.Quantity,
		Timestamp:      now,
	}
}

func (e *Executor) live(ctx context.Context, t domain.Trade) (domain.TradeResult, error) {
	switch t.Venue {
	case domain.VenueKalshi:
		return e.liveKalshi(ctx, t)
	case domain.VenuePolymarket:
		return e.livePolymarket(ctx, t)
	}
	return domain.TradeResult{}, domain.ErrUnknownVenue
}

func (e *Executor) liveKalshi(ctx context.Context, t domain.Trade) (domain.TradeResult, error) {
	if e.kalshi == nil {
		return domain.TradeResult{}, fmt.Errorf("executor: kalshi: %w", domain.ErrLiveUnsupported)
	}
	cents := priceCents(t.Price)
	o := kalshi.Order{
		Ticker: t.MarketID,
		Action: string(t.Action),
		Side:   t.Side,
		Type:   string(t.OrderType),
		Count:  t.Quantity,
	}
	switch {
	case t.OrderType == domain.OrderTypeLimit && t.Side == domain.SideYes:
		o.YesPrice = &cents
	case t.OrderType == domain.OrderTypeLimit:
		o.NoPrice = &cents
	case t.Action == domain.SignalBuy:
		maxCost := cents * t.Quantity
		o.BuyMaxCost = &maxCost
	}
	resp, err := e.kalshi.PlaceOrder(ctx, o)
	if err != nil {
		return domain.TradeResult{}, err
	}
	res := domain.TradeResult{
		Trade:          t,
		Success:        true,
		OrderID:        resp.Order.OrderID,
		FilledQuantity: resp.FilledCount(),
		Timestamp:      e.now(),
	}
	if res.FilledQuantity > 0 {
		fill := float64(resp.Order.YesPrice) / 100
		if t.Side == domain.SideNo {
			fill = float64(resp.Order.NoPrice) / 100
		}
		if fill == 0 {
			fill = t.Price
		}
		res.FilledPrice = &fill
	}
	return res, nil
}

func (e *Executor) livePolymarket(ctx context.Context, t domain.Trade) (domain.TradeResult, error) {
	if e.poly == nil {
		return domain.TradeResult{}, fmt.Errorf("executor: polymarket: %w", domain.ErrLiveUnsupported)
	}
	if e.markets == nil {
		return domain.TradeResult{}, fmt.Errorf("executor: polymarket: no market lookup: %w", domain.ErrLiveUnsupported)
	}
	rec, ok := e.markets.GetMarket(ctx, domain.VenuePolymarket, t.MarketID)
	if !ok {
		return domain.TradeResult{}, fmt.Errorf("executor: polymarket market %s: %w", t.MarketID, domain.ErrNotFound)
	}
	token := rec.TokenIDs[0]
	if t.Side == domain.SideNo {
		token = rec.TokenIDs[1]
	}
	if token == "" {
		return domain.TradeResult{}, fmt.Errorf("executor: polymarket market %s %s token: %w", t.MarketID, t.Side, domain.ErrNotFound)
	}
	req := polymarket.OrderRequest{
		TokenID:   token,
		Side:      polymarket.SideBuy,
		Price:     decimal.NewFromFloat(t.Price).Round(2),
		Size:      decimal.NewFromInt(t.Quantity),
		OrderType: polymarket.OrderTypeGTC,
	}
	if t.Action == domain.SignalSell {
		req.Side = polymarket.SideSell
	}
	if t.OrderType == domain.OrderTypeMarket {
		req.OrderType = polymarket.OrderTypeFOK
	}
	out, err := e.poly.PostOrder(ctx, req)
	if err != nil {
		return domain.TradeResult{}, err
	}
	res := domain.TradeResult{
		Trade:     t,
		Success:   true,
		OrderID:   out.OrderID,
		Timestamp: e.now(),
	}
	if strings.EqualFold(out.Status, "matched") {
		price := t.Price
		res.FilledPrice = &price
		res.FilledQuantity = t.Quantity
	}
	return res, nil
}

// priceCents converts a 0-1 price into Kalshi cents, clamped to 1..99.
func priceCents(p float64) int64 {
	c := decimal.NewFromFloat(p).Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	return min(99, max(1, c))
}

