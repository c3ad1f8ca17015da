package strategy

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infomarkets/marketbot/internal/domain"
	"github.com/infomarkets/marketbot/internal/market"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeView struct {
	mu        sync.Mutex
	markets   map[domain.Venue][]domain.MarketRecord
	prices    map[string]float64
	history   map[string][]domain.PricePoint
	pairs     []domain.MatchedPair
	callbacks []market.PriceCallback
}

func newFakeView() *fakeView {
	return &fakeView{
		markets: make(map[domain.Venue][]domain.MarketRecord),
		prices:  make(map[string]float64),
		history: make(map[string][]domain.PricePoint),
	}
}

func (f *fakeView) GetAllMarkets(_ context.Context, venue domain.Venue) []domain.MarketRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.MarketRecord(nil), f.markets[venue]...)
}

func (f *fakeView) GetMarket(_ context.Context, venue domain.Venue, id string) (domain.MarketRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.markets[venue] {
		if m.ID == id {
			return m, true
		}
	}
	return domain.MarketRecord{}, false
}

func (f *fakeView) GetPrice(_ context.Context, venue domain.Venue, id string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[domain.MarketKey(venue, id)]
	return p, ok
}

func (f *fakeView) GetPriceHistory(_ context.Context, venue domain.Venue, id string, _ time.Duration) ([]domain.PricePoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history[domain.MarketKey(venue, id)], nil
}

func (f *fakeView) MatchedMarkets() []domain.MatchedPair {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.MatchedPair(nil), f.pairs...)
}

func (f *fakeView) OnPriceUpdate(cb market.PriceCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, cb)
}

func (f *fakeView) firePrice(venue domain.Venue, id string, oldPrice, newPrice float64) {
	for _, cb := range f.callbacks {
		cb(venue, id, oldPrice, newPrice)
	}
}

func kalshiRec(id string, yes float64) domain.MarketRecord {
	return domain.MarketRecord{ID: id, Venue: domain.VenueKalshi, Title: "Fed cut rates in December", YesPrice: yes}
}

func polyRec(id string, yes float64) domain.MarketRecord {
	return domain.MarketRecord{ID: id, Venue: domain.VenuePolymarket, Title: "Fed cut rates in December?", YesPrice: yes}
}

func pairOf(k, p domain.MarketRecord) domain.MatchedPair {
	return domain.MatchedPair{Kalshi: k, Polymarket: p, NormalizedTitle: "fed cut rates december", CombinedScore: 1}
}

type clock struct{ t time.Time }

func newClock() *clock { return &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestNewUnknownStrategy(t *testing.T) {
	_, err := New("martingale", newFakeView(), nil, testLogger())
	require.ErrorIs(t, err, domain.ErrUnknownStrategy)

	assert.Equal(t, []string{"arbitrage", "lead_lag", "momentum", "price_alerts", "price_convergence", "volume_spike"}, Names())
	for _, name := range Names() {
		g, err := New(name, newFakeView(), nil, testLogger())
		require.NoError(t, err)
		assert.Equal(t, name, g.Name())
		assert.NotEmpty(t, g.Description())
	}
}

func TestFactoriesAreNotShared(t *testing.T) {
	fs := factories()
	delete(fs, "momentum")
	fs["martingale"] = fs["arbitrage"]

	_, err := New("momentum", newFakeView(), nil, testLogger())
	require.NoError(t, err)
	_, err = New("martingale", newFakeView(), nil, testLogger())
	assert.ErrorIs(t, err, domain.ErrUnknownStrategy)
}

func TestParams(t *testing.T) {
	p := Params{"i": int64(7), "f": 0.25, "b": false, "s": "x"}
	assert.Equal(t, 7.0, p.Float("i", 1))
	assert.Equal(t, 0.25, p.Float("f", 1))
	assert.Equal(t, 1.0, p.Float("s", 1))
	assert.Equal(t, 7, p.Int("i", 1))
	assert.Equal(t, 3, p.Int("missing", 3))
	assert.False(t, p.Bool("b", true))
	assert.True(t, p.Bool("missing", true))
}

func TestArbitrageDutchBookNetProfit(t *testing.T) {
	view := newFakeView()
	view.pairs = []domain.MatchedPair{pairOf(kalshiRec("K1", 0.30), polyRec("P1", 0.50))}
	arb := NewArbitrage(view, Params{"kalshi_fee_rate": 0.10, "polymarket_gas_cost": 0.02}, testLogger())

	opps := arb.Opportunities(view.pairs[0])
	require.Len(t, opps, 2)
	dutch := opps[0]
	assert.Equal(t, ArbDutchBook, dutch.Type)
	assert.InDelta(t, 0.1375, dutch.NetPerDollar, 1e-9)
	assert.InDelta(t, 0.25, dutch.GrossPerDollar, 1e-9)
	assert.Equal(t, ArbPriceGap, opps[1].Type)
	assert.InDelta(t, 0.13/0.30, opps[1].NetPerDollar, 1e-9)

	signals, err := arb.Analyze(t.Context())
	require.NoError(t, err)
	require.Len(t, signals, 2)

	s := signals[0]
	assert.Equal(t, domain.SignalBuy, s.Type)
	assert.Equal(t, domain.StrengthStrong, s.Strength)
	assert.Equal(t, domain.VenueKalshi, s.Venue)
	assert.Equal(t, "K1", s.MarketID)
	assert.Equal(t, domain.SideYes, s.Side)
	assert.Equal(t, 0.95, s.Confidence)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, ArbDutchBook, s.MetaString("arb_type"))
	assert.Equal(t, "polymarket", s.MetaString("complementary_venue"))
	assert.Equal(t, "P1", s.MetaString("complementary_market_id"))
	assert.Equal(t, domain.SideNo, s.MetaString("complementary_side"))
	price, ok := s.MetaFloat("complementary_price")
	require.True(t, ok)
	assert.InDelta(t, 0.50, price, 1e-9)

	gap := signals[1]
	assert.Equal(t, domain.StrengthModerate, gap.Strength)
	assert.Equal(t, 0.70, gap.Confidence)
}

func TestArbitrageSkipsMissingAndUnprofitable(t *testing.T) {
	view := newFakeView()
	view.pairs = []domain.MatchedPair{
		pairOf(kalshiRec("K1", 0), polyRec("P1", 0.50)),
		pairOf(kalshiRec("K2", 0.50), polyRec("P2", 0.51)),
	}
	arb := NewArbitrage(view, nil, testLogger())
	assert.Empty(t, arb.Opportunities(view.pairs[0]))

	signals, err := arb.Analyze(t.Context())
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestArbitrageRequiredSpread(t *testing.T) {
	arb := NewArbitrage(newFakeView(), nil, testLogger())
	req := arb.RequiredSpread()
	assert.InDelta(t, 0.05, req.KalshiFeeEstimate, 1e-9)
	assert.InDelta(t, 0.02, req.PolymarketGas, 1e-9)
	assert.InDelta(t, 0.07, req.BreakEven, 1e-9)
	assert.InDelta(t, 0.08, req.ProfitableSpread, 1e-9)
}

func TestMomentumEntryAndReversalExit(t *testing.T) {
	view := newFakeView()
	clk := newClock()
	rec := kalshiRec("K1", 0.46)
	view.markets[domain.VenueKalshi] = []domain.MarketRecord{rec}
	view.history[rec.Key()] = []domain.PricePoint{
		{Price: 0.40, At: clk.t.Add(-10 * time.Minute)},
		{Price: 0.41, At: clk.t.Add(-5 * time.Minute)},
		{Price: 0.46, At: clk.t},
	}
	m := NewMomentum(view, nil, testLogger())
	m.now = clk.now

	signals, err := m.Analyze(t.Context())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	entry := signals[0]
	assert.Equal(t, domain.SignalBuy, entry.Type)
	assert.Equal(t, domain.SideYes, entry.Side)
	assert.Equal(t, domain.StrengthStrong, entry.Strength)
	assert.InDelta(t, 0.8, entry.Confidence, 1e-9)
	assert.InDelta(t, 0.46*1.075, entry.TargetPrice, 1e-9)
	assert.Equal(t, []string{"kalshi:K1"}, m.OpenPositions())

	clk.advance(time.Minute)
	view.markets[domain.VenueKalshi] = []domain.MarketRecord{kalshiRec("K1", 0.36)}
	signals, err = m.Analyze(t.Context())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	exit := signals[0]
	assert.Equal(t, domain.SignalSell, exit.Type)
	assert.Equal(t, domain.SideYes, exit.Side)
	assert.Equal(t, domain.StrengthStrong, exit.Strength)
	assert.Equal(t, 0.9, exit.Confidence)
	assert.Contains(t, exit.Reasoning, "reversed")
	pnl, ok := exit.MetaFloat("pnl")
	require.True(t, ok)
	assert.InDelta(t, (0.36-0.46)/0.46, pnl, 1e-9)
	assert.Empty(t, m.OpenPositions())
}

func TestMomentumNeedsThreePoints(t *testing.T) {
	view := newFakeView()
	rec := kalshiRec("K1", 0.60)
	view.markets[domain.VenueKalshi] = []domain.MarketRecord{rec}
	view.history[rec.Key()] = []domain.PricePoint{{Price: 0.40}, {Price: 0.60}}

	signals, err := NewMomentum(view, nil, testLogger()).Analyze(t.Context())
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestLeadLagFollowsLeader(t *testing.T) {
	view := newFakeView()
	clk := newClock()
	k, p := kalshiRec("K1", 0.55), polyRec("P1", 0.40)
	view.pairs = []domain.MatchedPair{pairOf(k, p)}
	view.prices[p.Key()] = 0.40

	ll := NewLeadLag(view, nil, testLogger())
	ll.now = clk.now
	require.Len(t, view.callbacks, 1)

	view.firePrice(domain.VenueKalshi, "K1", 0.50, 0.505)
	signals, err := ll.Analyze(t.Context())
	require.NoError(t, err)
	assert.Empty(t, signals, "a 1% move is below min_move")

	view.firePrice(domain.VenueKalshi, "K1", 0.50, 0.55)
	clk.advance(30 * time.Second)
	signals, err = ll.Analyze(t.Context())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	s := signals[0]
	assert.Equal(t, domain.VenuePolymarket, s.Venue)
	assert.Equal(t, "P1", s.MarketID)
	assert.Equal(t, domain.SignalBuy, s.Type)
	assert.Equal(t, domain.SideYes, s.Side)
	assert.InDelta(t, 0.44, s.TargetPrice, 1e-9)
	assert.InDelta(t, 0.6, s.Confidence, 1e-9)
	assert.Equal(t, domain.StrengthWeak, s.Strength)
	assert.Equal(t, "kalshi", s.MetaString("lead_platform"))

	signals, err = ll.Analyze(t.Context())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.InDelta(t, 0.7, signals[0].Confidence, 1e-9)
	assert.Equal(t, domain.StrengthModerate, signals[0].Strength)
	assert.Equal(t, 2, ll.LeadCounts()[domain.VenueKalshi])

	clk.advance(5 * time.Minute)
	signals, err = ll.Analyze(t.Context())
	require.NoError(t, err)
	assert.Empty(t, signals, "moves older than max_lag are ignored")
}

func TestLeadLagSimultaneousMoves(t *testing.T) {
	view := newFakeView()
	clk := newClock()
	k, p := kalshiRec("K1", 0.55), polyRec("P1", 0.55)
	view.pairs = []domain.MatchedPair{pairOf(k, p)}
	view.prices[k.Key()] = 0.55
	view.prices[p.Key()] = 0.55

	ll := NewLeadLag(view, nil, testLogger())
	ll.now = clk.now
	view.firePrice(domain.VenueKalshi, "K1", 0.50, 0.55)
	clk.advance(5 * time.Second)
	view.firePrice(domain.VenuePolymarket, "P1", 0.50, 0.55)

	signals, err := ll.Analyze(t.Context())
	require.NoError(t, err)
	assert.Empty(t, signals)

	clk.advance(10 * time.Second)
	view.firePrice(domain.VenueKalshi, "K1", 0.55, 0.60)
	clk.advance(15 * time.Second)
	signals, err = ll.Analyze(t.Context())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, domain.VenueKalshi, signals[0].Venue, "polymarket moved first and leads")
}

func TestVolumeSpike(t *testing.T) {
	view := newFakeView()
	clk := newClock()
	v := NewVolumeSpike(view, nil, testLogger())
	v.now = clk.now

	step := func(volume, price float64) []domain.Signal {
		rec := polyRec("P1", price)
		rec.Volume = volume
		view.markets[domain.VenuePolymarket] = []domain.MarketRecord{rec}
		signals, err := v.Analyze(t.Context())
		require.NoError(t, err)
		clk.advance(time.Minute)
		return signals
	}

	for i, price := range []float64{0.50, 0.51, 0.52, 0.53} {
		assert.Empty(t, step(1000, price), "sample %d", i)
	}
	signals := step(3000, 0.55)
	require.Len(t, signals, 1)
	s := signals[0]
	assert.Equal(t, domain.SignalBuy, s.Type)
	assert.Equal(t, domain.SideYes, s.Side)
	assert.Equal(t, domain.StrengthModerate, s.Strength)
	assert.InDelta(t, 0.6, s.Confidence, 1e-9)
	assert.InDelta(t, 0.55*1.02, s.TargetPrice, 1e-9)
	ratio, _ := s.MetaFloat("volume_ratio")
	assert.InDelta(t, 3.0, ratio, 1e-9)

	assert.Empty(t, step(500, 0.56), "below min_volume")
	assert.Equal(t, 1, v.TrackedMarkets())
}

func TestPriceAlertsManual(t *testing.T) {
	view := newFakeView()
	view.prices["kalshi:K1"] = 0.35
	pa := NewPriceAlerts(view, Params{"auto_detect": false}, testLogger())

	pa.AddAlert(Alert{
		Venue: domain.VenueKalshi, MarketID: "K1", MarketTitle: "Fed",
		Type: AlertBelow, Level: 0.30, Side: domain.SideYes, Action: domain.SignalBuy, Note: "entry",
	})
	var fired []Alert
	pa.OnAlert(func(Alert, domain.Signal) { panic("boom") })
	pa.OnAlert(func(a Alert, _ domain.Signal) { fired = append(fired, a) })

	signals, err := pa.Analyze(t.Context())
	require.NoError(t, err)
	assert.Empty(t, signals)

	view.prices["kalshi:K1"] = 0.20
	signals, err = pa.Analyze(t.Context())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	s := signals[0]
	assert.Equal(t, domain.SignalBuy, s.Type)
	assert.Equal(t, domain.StrengthStrong, s.Strength)
	assert.Equal(t, 0.7, s.Confidence)
	assert.Equal(t, "below", s.MetaString("alert_type"))
	require.Len(t, fired, 1)
	assert.Empty(t, pa.ActiveAlerts())

	signals, err = pa.Analyze(t.Context())
	require.NoError(t, err)
	assert.Empty(t, signals, "a fired alert stays quiet until reset")

	pa.ResetAlerts()
	assert.Len(t, pa.ActiveAlerts(), 1)
	assert.Equal(t, 1, pa.RemoveAlerts(domain.VenueKalshi, "K1", nil))
	assert.Empty(t, pa.ActiveAlerts())
}

func TestPriceAlertsCrossUp(t *testing.T) {
	view := newFakeView()
	view.prices["polymarket:P1"] = 0.45
	pa := NewPriceAlerts(view, Params{"auto_detect": false}, testLogger())
	pa.AddAlert(Alert{Venue: domain.VenuePolymarket, MarketID: "P1", Type: AlertCrossUp, Level: 0.50, Side: domain.SideYes, Action: domain.SignalBuy})

	signals, err := pa.Analyze(t.Context())
	require.NoError(t, err)
	assert.Empty(t, signals, "first observation has no previous price")

	view.prices["polymarket:P1"] = 0.53
	signals, err = pa.Analyze(t.Context())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, domain.StrengthModerate, signals[0].Strength)
}

func TestPriceAlertsSeveralLevelsOnOneMarket(t *testing.T) {
	view := newFakeView()
	view.prices["kalshi:K1"] = 0.40
	pa := NewPriceAlerts(view, Params{"auto_detect": false}, testLogger())
	pa.AddAlert(Alert{Venue: domain.VenueKalshi, MarketID: "K1", Type: AlertCrossUp, Level: 0.45, Side: domain.SideYes, Action: domain.SignalBuy})
	pa.AddAlert(Alert{Venue: domain.VenueKalshi, MarketID: "K1", Type: AlertCrossUp, Level: 0.55, Side: domain.SideYes, Action: domain.SignalBuy})

	signals, err := pa.Analyze(t.Context())
	require.NoError(t, err)
	assert.Empty(t, signals)

	view.prices["kalshi:K1"] = 0.60
	signals, err = pa.Analyze(t.Context())
	require.NoError(t, err)
	require.Len(t, signals, 2)
	var levels []float64
	for _, s := range signals {
		level, ok := s.MetaFloat("price_level")
		require.True(t, ok)
		levels = append(levels, level)
	}
	assert.ElementsMatch(t, []float64{0.45, 0.55}, levels)
	assert.Empty(t, pa.ActiveAlerts())
}

func TestPriceAlertsAutoDetectAlongsideManualAlert(t *testing.T) {
	view := newFakeView()
	pa := NewPriceAlerts(view, nil, testLogger())
	pa.AddAlert(Alert{Venue: domain.VenueKalshi, MarketID: "K1", Type: AlertAbove, Level: 0.90, Side: domain.SideYes, Action: domain.SignalBuy})

	view.markets[domain.VenueKalshi] = []domain.MarketRecord{kalshiRec("K1", 0.48)}
	view.prices["kalshi:K1"] = 0.48
	signals, err := pa.Analyze(t.Context())
	require.NoError(t, err)
	assert.Empty(t, signals)

	view.markets[domain.VenueKalshi] = []domain.MarketRecord{kalshiRec("K1", 0.52)}
	view.prices["kalshi:K1"] = 0.52
	signals, err = pa.Analyze(t.Context())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "breakout_up", signals[0].MetaString("direction"))
	level, ok := signals[0].MetaFloat("level")
	require.True(t, ok)
	assert.Equal(t, 0.50, level)
	assert.Len(t, pa.ActiveAlerts(), 1)
}

func TestPriceAlertsAutoDetect(t *testing.T) {
	view := newFakeView()
	pa := NewPriceAlerts(view, nil, testLogger())

	view.markets[domain.VenueKalshi] = []domain.MarketRecord{kalshiRec("K1", 0.48)}
	signals, err := pa.Analyze(t.Context())
	require.NoError(t, err)
	assert.Empty(t, signals)

	view.markets[domain.VenueKalshi] = []domain.MarketRecord{kalshiRec("K1", 0.52)}
	signals, err = pa.Analyze(t.Context())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	s := signals[0]
	assert.Equal(t, domain.SignalBuy, s.Type)
	assert.Equal(t, domain.StrengthModerate, s.Strength)
	assert.Equal(t, 0.6, s.Confidence)
	assert.InDelta(t, 0.57, s.TargetPrice, 1e-9)
	assert.Equal(t, "breakout_up", s.MetaString("direction"))

	view.markets[domain.VenueKalshi] = []domain.MarketRecord{kalshiRec("K1", 0.38)}
	signals, err = pa.Analyze(t.Context())
	require.NoError(t, err)
	require.Len(t, signals, 2, "crosses 0.50 and 0.40")
	for _, s := range signals {
		assert.Equal(t, domain.SignalSell, s.Type)
		assert.Equal(t, domain.SideNo, s.Side)
	}
}

func TestPriceConvergenceEntryAndExit(t *testing.T) {
	view := newFakeView()
	clk := newClock()
	view.pairs = []domain.MatchedPair{pairOf(kalshiRec("K1", 0.40), polyRec("P1", 0.50))}
	pc := NewPriceConvergence(view, nil, testLogger())
	pc.now = clk.now

	signals, err := pc.Analyze(t.Context())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	entry := signals[0]
	assert.Equal(t, domain.SignalBuy, entry.Type)
	assert.Equal(t, domain.VenueKalshi, entry.Venue)
	assert.Equal(t, "K1", entry.MarketID)
	assert.Equal(t, domain.SideYes, entry.Side)
	assert.Equal(t, domain.StrengthStrong, entry.Strength)
	assert.InDelta(t, 0.85, entry.Confidence, 1e-9)
	assert.InDelta(t, 0.50, entry.TargetPrice, 1e-9)
	assert.Len(t, pc.OpenPositions(), 1)

	signals, err = pc.Analyze(t.Context())
	require.NoError(t, err)
	assert.Empty(t, signals, "position already open")

	view.pairs = []domain.MatchedPair{pairOf(kalshiRec("K1", 0.50), polyRec("P1", 0.50))}
	signals, err = pc.Analyze(t.Context())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	exit := signals[0]
	assert.Equal(t, domain.SignalSell, exit.Type)
	assert.Equal(t, domain.VenueKalshi, exit.Venue)
	assert.Equal(t, domain.SideYes, exit.Side)
	assert.Equal(t, domain.StrengthStrong, exit.Strength)
	profit, ok := exit.MetaFloat("actual_profit")
	require.True(t, ok)
	assert.InDelta(t, 0.10, profit, 1e-9)
	assert.Empty(t, pc.OpenPositions())
}

func TestPriceConvergenceResolutionWindow(t *testing.T) {
	clk := newClock()
	far := kalshiRec("K1", 0.40)
	far.EndDate = clk.t.Add(60 * 24 * time.Hour).Format(time.RFC3339)
	near := kalshiRec("K2", 0.40)
	near.EndDate = clk.t.Add(3 * 24 * time.Hour).Format(time.RFC3339)

	view := newFakeView()
	view.pairs = []domain.MatchedPair{pairOf(far, polyRec("P1", 0.50)), pairOf(near, polyRec("P2", 0.50))}
	pc := NewPriceConvergence(view, nil, testLogger())
	pc.now = clk.now

	signals, err := pc.Analyze(t.Context())
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "K2", signals[0].MarketID)
	assert.InDelta(t, 0.95, signals[0].Confidence, 1e-9)
}
