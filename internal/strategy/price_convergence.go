package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/infomarkets/marketbot/internal/domain"
	"github.com/infomarkets/marketbot/internal/market"
)

const (
	defaultMinDivergence        = 0.05
	defaultMaxResolutionDays    = 30
	defaultConvergenceThreshold = 0.01
)

// Divergence is a price disagreement between the two sides of a matched
// pair.
type Divergence struct {
	PairKey     string       `json:"pair_key"`
	MarketTitle string       `json:"market_title"`
	KalshiID    string       `json:"kalshi_id"`
	PolyID      string       `json:"polymarket_id"`
	KalshiPrice float64      `json:"kalshi_price"`
	PolyPrice   float64      `json:"polymarket_price"`
	Abs         float64      `json:"divergence"`
	Pct         float64      `json:"divergence_pct"`
	DaysLeft    *int         `json:"time_to_resolution_days"`
	BuyVenue    domain.Venue `json:"buy_venue"`
	Expected    float64      `json:"expected_profit"`
}

func (d Divergence) buy() (id string, price, other float64) {
	if d.BuyVenue == domain.VenueKalshi {
		return d.KalshiID, d.KalshiPrice, d.PolyPrice
	}
	return d.PolyID, d.PolyPrice, d.KalshiPrice
}

// PriceConvergence buys YES on the cheaper side of a diverged matched pair
// and sells once the two prices come back together.
type PriceConvergence struct {
	view   MarketView
	logger *slog.Logger
	now    func() time.Time

	minDivergence float64
	maxDays       int
	threshold     float64

	mu        sync.Mutex
	positions map[string]Divergence
}

// NewPriceConvergence creates the convergence generator. Recognised params:
// min_divergence, max_time_to_resolution_days, convergence_threshold.
func NewPriceConvergence(view MarketView, params Params, logger *slog.Logger) *PriceConvergence {
	return &PriceConvergence{
		view:          view,
		logger:        logger.With(slog.String("strategy", "price_convergence")),
		now:           time.Now,
		minDivergence: params.Float("min_divergence", defaultMinDivergence),
		maxDays:       params.Int("max_time_to_resolution_days", defaultMaxResolutionDays),
		threshold:     params.Float("convergence_threshold", defaultConvergenceThreshold),
		positions:     make(map[string]Divergence),
	}
}

// Name returns the strategy identifier.
func (pc *PriceConvergence) Name() string { return "price_convergence" }

// Description returns a one-line summary.
func (pc *PriceConvergence) Description() string {
	return "Trade price divergences between platforms, betting on convergence"
}

// Analyze opens new convergence positions and closes converged ones.
func (pc *PriceConvergence) Analyze(_ context.Context) ([]domain.Signal, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	now := pc.now()
	var out []domain.Signal
	for _, pair := range pc.view.MatchedMarkets() {
		if d, ok := pc.divergence(pair, now); ok {
			if s, ok := pc.enter(d, now); ok {
				out = append(out, s)
			}
		}
		if _, open := pc.positions[pair.PairKey()]; open {
			if s, ok := pc.exit(pair, now); ok {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func divergencePct(k, p float64) (abs, pct float64) {
	abs = math.Abs(k - p)
	if avg := (k + p) / 2; avg > 0 {
		pct = abs / avg
	}
	return abs, pct
}

func (pc *PriceConvergence) divergence(pair domain.MatchedPair, now time.Time) (Divergence, bool) {
	k, p := pair.Kalshi.YesPrice, pair.Polymarket.YesPrice
	if k == 0 || p == 0 {
		return Divergence{}, false
	}
	abs, pct := divergencePct(k, p)
	if pct < pc.minDivergence {
		return Divergence{}, false
	}
	d := Divergence{
		PairKey:     pair.PairKey(),
		MarketTitle: pair.Kalshi.Title,
		KalshiID:    pair.Kalshi.ID,
		PolyID:      pair.Polymarket.ID,
		KalshiPrice: k,
		PolyPrice:   p,
		Abs:         abs,
		Pct:         pct,
	}
	if end, ok := market.ParseEndDate(pair.Kalshi.EndDate); ok {
		days := int(math.Floor(end.Sub(now).Hours() / 24))
		if days > pc.maxDays {
			return Divergence{}, false
		}
		d.DaysLeft = &days
	}
	if k < p {
		d.BuyVenue, d.Expected = domain.VenueKalshi, p-k
	} else {
		d.BuyVenue, d.Expected = domain.VenuePolymarket, k-p
	}
	return d, true
}

func (pc *PriceConvergence) enter(d Divergence, now time.Time) (domain.Signal, bool) {
	if _, open := pc.positions[d.PairKey]; open {
		return domain.Signal{}, false
	}
	pc.positions[d.PairKey] = d

	var (
		strength domain.Strength
		conf     float64
	)
	switch {
	case d.Pct > 0.15:
		strength, conf = domain.StrengthStrong, 0.85
	case d.Pct > 0.10:
		strength, conf = domain.StrengthModerate, 0.75
	default:
		strength, conf = domain.StrengthWeak, 0.65
	}
	if d.DaysLeft != nil {
		switch {
		case *d.DaysLeft < 7:
			conf += 0.1
		case *d.DaysLeft > 21:
			conf -= 0.1
		}
	}
	conf = min(0.95, max(0.5, conf))

	id, price, target := d.buy()
	s := newSignal(pc.Name(), now)
	s.Type = domain.SignalBuy
	s.Strength = strength
	s.Venue = d.BuyVenue
	s.MarketID = id
	s.MarketTitle = d.MarketTitle
	s.Side = domain.SideYes
	s.TargetPrice = target
	s.CurrentPrice = price
	s.Confidence = conf
	s.Reasoning = fmt.Sprintf("Price divergence: %.1f%% (Kalshi: %.2f, Poly: %.2f). Buy on %s (lower), expect convergence.",
		d.Pct*100, d.KalshiPrice, d.PolyPrice, d.BuyVenue)
	s.Metadata = map[string]any{
		"divergence":       d.Abs,
		"divergence_pct":   d.Pct,
		"kalshi_price":     d.KalshiPrice,
		"polymarket_price": d.PolyPrice,
		"expected_profit":  d.Expected,
	}
	if d.DaysLeft != nil {
		s.Metadata["time_to_resolution_days"] = *d.DaysLeft
	}
	pc.logger.Info("price_convergence: position opened",
		slog.String("pair", d.PairKey),
		slog.String("venue", string(d.BuyVenue)),
		slog.Float64("divergence_pct", d.Pct),
	)
	return s, true
}

func (pc *PriceConvergence) exit(pair domain.MatchedPair, now time.Time) (domain.Signal, bool) {
	key := pair.PairKey()
	pos := pc.positions[key]
	k, p := pair.Kalshi.YesPrice, pair.Polymarket.YesPrice
	if k == 0 || p == 0 {
		return domain.Signal{}, false
	}
	_, pct := divergencePct(k, p)
	if pct > pc.threshold {
		return domain.Signal{}, false
	}
	delete(pc.positions, key)

	id, entry, _ := pos.buy()
	cur := p
	if pos.BuyVenue == domain.VenueKalshi {
		cur = k
	}
	profit := cur - entry

	s := newSignal(pc.Name(), now)
	s.Type = domain.SignalSell
	s.Strength = domain.StrengthStrong
	s.Venue = pos.BuyVenue
	s.MarketID = id
	s.MarketTitle = pos.MarketTitle
	s.Side = domain.SideYes
	s.TargetPrice = cur
	s.CurrentPrice = cur
	s.Confidence = 0.9
	s.Reasoning = fmt.Sprintf("Prices converged: %.1f%% divergence (was %.1f%%). Profit: %.1f%%",
		pct*100, pos.Pct*100, profit*100)
	s.Metadata = map[string]any{
		"entry_divergence": pos.Pct,
		"exit_divergence":  pct,
		"actual_profit":    profit,
		"expected_profit":  pos.Expected,
	}
	pc.logger.Info("price_convergence: position closed",
		slog.String("pair", key),
		slog.Float64("profit", profit),
	)
	return s, true
}

// OpenPositions returns the open convergence positions.
func (pc *PriceConvergence) OpenPositions() []Divergence {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]Divergence, 0, len(pc.positions))
	for _, d := range pc.positions {
		out = append(out, d)
	}
	return out
}
