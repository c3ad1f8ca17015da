package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infomarkets/marketbot/internal/domain"
	"github.com/infomarkets/marketbot/internal/platform/kalshi"
	"github.com/infomarkets/marketbot/internal/platform/polymarket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeKalshi struct {
	orders []kalshi.Order
	err    error
}

func (f *fakeKalshi) PlaceOrder(_ context.Context, o kalshi.Order) (kalshi.OrderResponse, error) {
	f.orders = append(f.orders, o)
	if f.err != nil {
		return kalshi.OrderResponse{}, f.err
	}
	var resp kalshi.OrderResponse
	resp.Order.OrderID = "k-1"
	resp.Order.Status = "executed"
	resp.Order.TakerFillCount = o.Count
	if o.YesPrice != nil {
		resp.Order.YesPrice = *o.YesPrice
	}
	return resp, nil
}

type panickingKalshi struct{}

func (panickingKalshi) PlaceOrder(context.Context, kalshi.Order) (kalshi.OrderResponse, error) {
	panic("nil response body")
}

type fakePoly struct {
	reqs []polymarket.OrderRequest
	err  error
}

func (f *fakePoly) PostOrder(_ context.Context, req polymarket.OrderRequest) (polymarket.APIOrderResult, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return polymarket.APIOrderResult{}, f.err
	}
	return polymarket.APIOrderResult{Success: true, OrderID: "0xabc", Status: "matched"}, nil
}

type fakeMarkets map[string]domain.MarketRecord

func (f fakeMarkets) GetMarket(_ context.Context, venue domain.Venue, id string) (domain.MarketRecord, bool) {
	m, ok := f[domain.MarketKey(venue, id)]
	return m, ok
}

func dutchSignal() domain.Signal {
	return domain.Signal{
		ID:           "sig-1",
		StrategyName: "arbitrage",
		Type:         domain.SignalBuy,
		Venue:        domain.VenueKalshi,
		MarketID:     "K1",
		Side:         domain.SideYes,
		CurrentPrice: 0.30,
		Metadata: map[string]any{
			"arb_type":                "dutch_book",
			"complementary_venue":     "polymarket",
			"complementary_market_id": "P1",
			"complementary_side":      "no",
			"complementary_price":     0.50,
		},
	}
}

func TestSizeTrade(t *testing.T) {
	e := New(Options{PaperTrading: true, MaxPositionSize: 100}, nil, nil, nil, testLogger())

	tests := []struct {
		name     string
		price    float64
		weight   float64
		strategy string
		wantQty  int64
		wantType domain.OrderType
	}{
		{"weighted budget", 0.30, 1.5, "arbitrage", 500, domain.OrderTypeLimit},
		{"floors", 0.33, 1.0, "momentum", 303, domain.OrderTypeMarket},
		{"minimum one", 0.90, 0.005, "lead_lag", 1, domain.OrderTypeMarket},
		{"zero price", 0, 1.0, "lead_lag", 1, domain.OrderTypeMarket},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := e.SizeTrade(domain.Signal{StrategyName: tt.strategy, CurrentPrice: tt.price, Venue: domain.VenueKalshi}, tt.weight)
			assert.Equal(t, tt.wantQty, tr.Quantity)
			assert.Equal(t, tt.wantType, tr.OrderType)
			assert.Equal(t, tt.price, tr.Price)
		})
	}
}

func TestPaperDutchBookExecutesBothLegs(t *testing.T) {
	e := New(Options{PaperTrading: true, MaxPositionSize: 100}, nil, nil, nil, testLogger())
	tr := e.SizeTrade(dutchSignal(), 1.5)

	res := e.Execute(t.Context(), tr)
	require.True(t, res.Success)
	assert.True(t, strings.HasPrefix(res.OrderID, "PAPER-"))
	assert.Len(t, res.OrderID, len("PAPER-")+8)
	require.NotNil(t, res.FilledPrice)
	assert.Equal(t, 0.30, *res.FilledPrice)
	assert.Equal(t, int64(500), res.FilledQuantity)

	require.NotNil(t, res.Complementary)
	comp := res.Complementary
	assert.True(t, comp.Success)
	assert.Equal(t, domain.VenuePolymarket, comp.Trade.Venue)
	assert.Equal(t, "P1", comp.Trade.MarketID)
	assert.Equal(t, domain.SideNo, comp.Trade.Side)
	assert.Equal(t, domain.SignalBuy, comp.Trade.Action)
	assert.Equal(t, domain.OrderTypeLimit, comp.Trade.OrderType)
	assert.Equal(t, int64(500), comp.Trade.Quantity)
	assert.Equal(t, 0.50, comp.Trade.Price)
}

func TestPriceGapHasNoComplementaryLeg(t *testing.T) {
	e := New(Options{PaperTrading: true, MaxPositionSize: 100}, nil, nil, nil, testLogger())
	sig := dutchSignal()
	sig.Metadata["arb_type"] = "price_gap"

	res := e.Execute(t.Context(), e.SizeTrade(sig, 1))
	require.True(t, res.Success)
	assert.Nil(t, res.Complementary)
}

func TestMalformedPriceFails(t *testing.T) {
	e := New(Options{PaperTrading: true, MaxPositionSize: 100}, nil, nil, nil, testLogger())
	for _, price := range []float64{0, 1, 1.2, -0.1} {
		sig := domain.Signal{ID: "x", Venue: domain.VenueKalshi, MarketID: "K1", Side: domain.SideYes, Type: domain.SignalBuy, CurrentPrice: price}
		res := e.Execute(t.Context(), e.SizeTrade(sig, 1))
		assert.False(t, res.Success, "price %v", price)
		assert.Contains(t, res.Error, "invalid trade")
	}
}

func TestDuplicateLegRejected(t *testing.T) {
	e := New(Options{PaperTrading: true, MaxPositionSize: 10}, nil, nil, nil, testLogger())
	sig := domain.Signal{ID: "same", Venue: domain.VenueKalshi, MarketID: "K1", Side: domain.SideYes, Type: domain.SignalBuy, CurrentPrice: 0.5}

	first := e.Execute(t.Context(), e.SizeTrade(sig, 1))
	second := e.Execute(t.Context(), e.SizeTrade(sig, 1))
	assert.True(t, first.Success)
	assert.False(t, second.Success)
	assert.Equal(t, 1, e.Dedup().Len())
}

func TestLiveKalshiAndPolymarketLegs(t *testing.T) {
	k := &fakeKalshi{}
	p := &fakePoly{}
	markets := fakeMarkets{"polymarket:P1": {ID: "P1", Venue: domain.VenuePolymarket, TokenIDs: [2]string{"111", "222"}}}
	e := New(Options{MaxPositionSize: 100}, k, p, markets, testLogger())

	res := e.Execute(t.Context(), e.SizeTrade(dutchSignal(), 1.5))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "k-1", res.OrderID)
	require.NotNil(t, res.FilledPrice)
	assert.InDelta(t, 0.30, *res.FilledPrice, 1e-9)

	require.Len(t, k.orders, 1)
	o := k.orders[0]
	assert.Equal(t, "K1", o.Ticker)
	assert.Equal(t, "buy", o.Action)
	assert.Equal(t, "limit", o.Type)
	require.NotNil(t, o.YesPrice)
	assert.Equal(t, int64(30), *o.YesPrice)
	assert.Equal(t, int64(500), o.Count)

	require.NotNil(t, res.Complementary)
	assert.True(t, res.Complementary.Success, res.Complementary.Error)
	require.Len(t, p.reqs, 1)
	req := p.reqs[0]
	assert.Equal(t, "222", req.TokenID)
	assert.Equal(t, polymarket.SideBuy, req.Side)
	assert.Equal(t, polymarket.OrderTypeGTC, req.OrderType)
	assert.True(t, req.Price.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, req.Size.Equal(decimal.NewFromInt(500)))
}

func TestLiveFailuresBecomeFailedResults(t *testing.T) {
	k := &fakeKalshi{err: errors.New("kalshi: order immediately cancelled")}
	e := New(Options{MaxPositionSize: 100}, k, nil, nil, testLogger())

	res := e.Execute(t.Context(), e.SizeTrade(dutchSignal(), 1))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "cancelled")
	assert.Nil(t, res.Complementary)

	sig := domain.Signal{ID: "p", Venue: domain.VenuePolymarket, MarketID: "P1", Side: domain.SideYes, Type: domain.SignalBuy, CurrentPrice: 0.4}
	res = e.Execute(t.Context(), e.SizeTrade(sig, 1))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, domain.ErrLiveUnsupported.Error())
}

func TestPlacerPanicBecomesFailedResult(t *testing.T) {
	e := New(Options{MaxPositionSize: 100}, panickingKalshi{}, nil, nil, testLogger())

	var res domain.TradeResult
	require.NotPanics(t, func() {
		res = e.Execute(t.Context(), e.SizeTrade(dutchSignal(), 1))
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "panicked")
	assert.Contains(t, res.Error, "nil response body")
	assert.Nil(t, res.Complementary)
}

func TestComplementaryFailureKeepsPrimary(t *testing.T) {
	k := &fakeKalshi{}
	p := &fakePoly{err: errors.New("polymarket: order rejected")}
	markets := fakeMarkets{"polymarket:P1": {ID: "P1", TokenIDs: [2]string{"111", "222"}}}
	e := New(Options{MaxPositionSize: 100}, k, p, markets, testLogger())

	res := e.Execute(t.Context(), e.SizeTrade(dutchSignal(), 1))
	assert.True(t, res.Success)
	require.NotNil(t, res.Complementary)
	assert.False(t, res.Complementary.Success)
}

func TestDedupCleanup(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d := NewDedup(time.Minute)
	d.now = func() time.Time { return now }

	assert.False(t, d.IsDuplicate("a"))
	assert.True(t, d.IsDuplicate("a"))
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, d.Cleanup())
	assert.False(t, d.IsDuplicate("a"))
}

func TestPriceCents(t *testing.T) {
	assert.Equal(t, int64(30), priceCents(0.30))
	assert.Equal(t, int64(1), priceCents(0.001))
	assert.Equal(t, int64(99), priceCents(0.999))
}
