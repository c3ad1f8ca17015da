package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/infomarkets/marketbot/internal/domain"
)

// Arbitrage types carried in signal metadata under "arb_type".
const (
	ArbDutchBook = "dutch_book"
	ArbPriceGap  = "price_gap"
)

const (
	defaultMinNetProfit      = 0.01
	defaultKalshiFeeRate     = 0.10
	defaultPolymarketGasCost = 0.02
	defaultMaxPositionPerArb = 50.0

	minPriceGap = 0.02

	dutchBookRisk       = 0.1
	priceGapRisk        = 0.5
	dutchBookConfidence = 0.95
	priceGapConfidence  = 0.70
)

var one = decimal.NewFromInt(1)

// ArbOpportunity is one priced arbitrage candidate on a matched pair.
type ArbOpportunity struct {
	Type        string
	MarketTitle string
	KalshiID    string
	PolyID      string

	KalshiYes float64
	KalshiNo  float64
	PolyYes   float64
	PolyNo    float64

	BuyVenue  domain.Venue
	BuySide   string
	BuyPrice  float64
	CompVenue domain.Venue
	CompSide  string
	CompPrice float64

	GrossPerDollar float64
	NetPerDollar   float64
	FeesPerDollar  float64
	Risk           float64
}

func (o ArbOpportunity) marketID(v domain.Venue) string {
	if v == domain.VenueKalshi {
		return o.KalshiID
	}
	return o.PolyID
}

// SpreadRequirement summarises the spread needed to clear fees.
type SpreadRequirement struct {
	KalshiFeeEstimate float64 `json:"kalshi_fee_estimate"`
	PolymarketGas     float64 `json:"polymarket_gas"`
	BreakEven         float64 `json:"break_even"`
	ProfitableSpread  float64 `json:"profitable_spread"`
}

// Arbitrage finds dutch-book and price-gap opportunities across matched
// Kalshi and Polymarket listings, net of Kalshi's profit fee and Polymarket
// gas.
type Arbitrage struct {
	view   MarketView
	logger *slog.Logger
	now    func() time.Time

	minNetProfit float64
	feeRate      decimal.Decimal
	gas          decimal.Decimal
	maxPerArb    float64
}

// NewArbitrage creates the arbitrage generator. Recognised params:
// min_net_profit, kalshi_fee_rate, polymarket_gas_cost, max_position_per_arb.
func NewArbitrage(view MarketView, params Params, logger *slog.Logger) *Arbitrage {
	return &Arbitrage{
		view:         view,
		logger:       logger.With(slog.String("strategy", "arbitrage")),
		now:          time.Now,
		minNetProfit: params.Float("min_net_profit", defaultMinNetProfit),
		feeRate:      decimal.NewFromFloat(params.Float("kalshi_fee_rate", defaultKalshiFeeRate)),
		gas:          decimal.NewFromFloat(params.Float("polymarket_gas_cost", defaultPolymarketGasCost)),
		maxPerArb:    params.Float("max_position_per_arb", defaultMaxPositionPerArb),
	}
}

// Name returns the strategy identifier.
func (a *Arbitrage) Name() string { return "arbitrage" }

// Description returns a one-line summary.
func (a *Arbitrage) Description() string {
	return "Cross-platform arbitrage between Kalshi and Polymarket"
}

// Analyze emits a BUY for every opportunity whose net profit per dollar
// clears min_net_profit.
func (a *Arbitrage) Analyze(_ context.Context) ([]domain.Signal, error) {
	var out []domain.Signal
	now := a.now()
	for _, pair := range a.view.MatchedMarkets() {
		for _, opp := range a.Opportunities(pair) {
			if opp.NetPerDollar <= 0 || opp.NetPerDollar < a.minNetProfit {
				continue
			}
			out = append(out, a.signal(opp, now))
		}
	}
	if len(out) > 0 {
		a.logger.Debug("arbitrage: opportunities found", slog.Int("count", len(out)))
	}
	return out, nil
}

// Opportunities prices every candidate on pair, profitable or not.
func (a *Arbitrage) Opportunities(pair domain.MatchedPair) []ArbOpportunity {
	kYes, pYes := pair.Kalshi.YesPrice, pair.Polymarket.YesPrice
	if kYes == 0 || pYes == 0 {
		return nil
	}
	kNo, pNo := pair.Kalshi.NoPrice, pair.Polymarket.NoPrice
	if kNo == 0 {
		kNo = 1 - kYes
	}
	if pNo == 0 {
		pNo = 1 - pYes
	}
	base := ArbOpportunity{
		MarketTitle: pair.Kalshi.Title,
		KalshiID:    pair.Kalshi.ID,
		PolyID:      pair.Polymarket.ID,
		KalshiYes:   kYes,
		KalshiNo:    kNo,
		PolyYes:     pYes,
		PolyNo:      pNo,
	}

	var out []ArbOpportunity
	if kYes+pNo < 1 {
		out = append(out, a.dutchBook(base, kYes, domain.SideYes, pNo, domain.SideNo))
	}
	if pYes+kNo < 1 {
		out = append(out, a.dutchBook(base, kNo, domain.SideNo, pYes, domain.SideYes))
	}
	if gap := kYes - pYes; gap > minPriceGap || gap < -minPriceGap {
		out = append(out, a.priceGap(base))
	}
	return out
}

// dutchBook prices buying one side on Kalshi and the complement on
// Polymarket. Exactly one leg pays out 1, so only the Kalshi leg can incur the
// profit fee.
func (a *Arbitrage) dutchBook(o ArbOpportunity, kPrice float64, kSide string, pPrice float64, pSide string) ArbOpportunity {
	k := decimal.NewFromFloat(kPrice)
	p := decimal.NewFromFloat(pPrice)
	cost := k.Add(p)
	gross := one.Sub(cost)
	fees := a.feeRate.Mul(one.Sub(k)).Add(a.gas)
	net := gross.Sub(fees)

	o.Type = ArbDutchBook
	o.BuyVenue, o.BuySide, o.BuyPrice = domain.VenueKalshi, kSide, kPrice
	o.CompVenue, o.CompSide, o.CompPrice = domain.VenuePolymarket, pSide, pPrice
	o.GrossPerDollar = perDollar(gross, cost)
	o.NetPerDollar = perDollar(net, cost)
	o.FeesPerDollar = perDollar(fees, cost)
	o.Risk = dutchBookRisk
	return o
}

// priceGap prices buying YES on the cheaper venue and waiting for the other
// venue's price.
func (a *Arbitrage) priceGap(o ArbOpportunity) ArbOpportunity {
	if o.KalshiYes < o.PolyYes {
		o.BuyVenue, o.BuyPrice = domain.VenueKalshi, o.KalshiYes
		o.CompVenue, o.CompPrice = domain.VenuePolymarket, o.PolyYes
	} else {
		o.BuyVenue, o.BuyPrice = domain.VenuePolymarket, o.PolyYes
		o.CompVenue, o.CompPrice = domain.VenueKalshi, o.KalshiYes
	}
	o.BuySide, o.CompSide = domain.SideYes, domain.SideYes

	buy := decimal.NewFromFloat(o.BuyPrice)
	gap := decimal.NewFromFloat(o.CompPrice).Sub(buy)
	fees := a.gas
	if o.BuyVenue == domain.VenueKalshi {
		fees = a.feeRate.Mul(one.Sub(buy))
	}
	o.Type = ArbPriceGap
	o.GrossPerDollar = perDollar(gap, buy)
	o.NetPerDollar = perDollar(gap.Sub(fees), buy)
	o.FeesPerDollar = perDollar(fees, buy)
	o.Risk = priceGapRisk
	return o
}

func perDollar(v, cost decimal.Decimal) float64 {
	if !cost.IsPositive() {
		return 0
	}
	return v.Div(cost).InexactFloat64()
}

func (a *Arbitrage) signal(o ArbOpportunity, now time.Time) domain.Signal {
	strength := domain.StrengthWeak
	switch {
	case o.NetPerDollar > 0.10 && o.Risk < 0.3:
		strength = domain.StrengthStrong
	case o.NetPerDollar > 0.05:
		strength = domain.StrengthModerate
	}
	conf := priceGapConfidence
	if o.Type == ArbDutchBook {
		conf = dutchBookConfidence
	}

	s := newSignal(a.Name(), now)
	s.Type = domain.SignalBuy
	s.Strength = strength
	s.Venue = o.BuyVenue
	s.MarketID = o.marketID(o.BuyVenue)
	s.MarketTitle = o.MarketTitle
	s.Side = o.BuySide
	s.TargetPrice = o.BuyPrice
	s.CurrentPrice = o.BuyPrice
	s.Confidence = conf
	s.Reasoning = fmt.Sprintf("%s: net profit %.1f%% after fees. Buy %s on %s @ %.3f, complementary on %s @ %.3f. Fees: %.2f%%",
		strings.ToUpper(o.Type), o.NetPerDollar*100, strings.ToUpper(o.BuySide), o.BuyVenue, o.BuyPrice,
		o.CompVenue, o.CompPrice, o.FeesPerDollar*100)
	s.Metadata = map[string]any{
		"arb_type":                o.Type,
		"kalshi_yes":              o.KalshiYes,
		"kalshi_no":               o.KalshiNo,
		"poly_yes":                o.PolyYes,
		"poly_no":                 o.PolyNo,
		"gross_profit_pct":        o.GrossPerDollar * 100,
		"net_profit_pct":          o.NetPerDollar * 100,
		"fees_pct":                o.FeesPerDollar * 100,
		"risk_score":              o.Risk,
		"max_position_per_arb":    a.maxPerArb,
		"complementary_venue":     string(o.CompVenue),
		"complementary_market_id": o.marketID(o.CompVenue),
		"complementary_side":      o.CompSide,
		"complementary_price":     o.CompPrice,
	}
	return s
}

// RequiredSpread reports the spread a coin-flip market needs before an
// arbitrage clears fees and min_net_profit.
func (a *Arbitrage) RequiredSpread() SpreadRequirement {
	fee := a.feeRate.Mul(decimal.NewFromFloat(0.5))
	breakEven := fee.Add(a.gas)
	return SpreadRequirement{
		KalshiFeeEstimate: fee.InexactFloat64(),
		PolymarketGas:     a.gas.InexactFloat64(),
		BreakEven:         breakEven.InexactFloat64(),
		ProfitableSpread:  breakEven.Add(decimal.NewFromFloat(a.minNetProfit)).InexactFloat64(),
	}
}
