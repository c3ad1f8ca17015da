package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/infomarkets/marketbot/internal/domain"
)

const (
	defaultMomentumLookback = 15
	defaultMinMomentum      = 0.03
	defaultExitThreshold    = 0.01

	momentumHistoryCap = 100
)

type momentumPosition struct {
	entryPrice    float64
	entryMomentum float64
	entryTime     time.Time
	side          string
	up            bool
}

// Momentum buys sustained up-moves and sells sustained down-moves measured
// over the cache's price history, then exits on reversal, stall or
// take-profit.
type Momentum struct {
	view   MarketView
	logger *slog.Logger
	now    func() time.Time

	lookback      time.Duration
	lookbackMins  int
	minMomentum   float64
	exitThreshold float64

	mu        sync.Mutex
	history   map[string][]float64
	positions map[string]momentumPosition
}

// NewMomentum creates the momentum generator. Recognised params:
// lookback_minutes, min_momentum, exit_threshold.
func NewMomentum(view MarketView, params Params, logger *slog.Logger) *Momentum {
	mins := params.Int("lookback_minutes", defaultMomentumLookback)
	return &Momentum{
		view:          view,
		logger:        logger.With(slog.String("strategy", "momentum")),
		now:           time.Now,
		lookback:      time.Duration(mins) * time.Minute,
		lookbackMins:  mins,
		minMomentum:   params.Float("min_momentum", defaultMinMomentum),
		exitThreshold: params.Float("exit_threshold", defaultExitThreshold),
		history:       make(map[string][]float64),
		positions:     make(map[string]momentumPosition),
	}
}

// Name returns the strategy identifier.
func (m *Momentum) Name() string { return "momentum" }

// Description returns a one-line summary.
func (m *Momentum) Description() string {
	return "Trade price momentum - buy uptrends, sell downtrends"
}

// Analyze checks every cached listing for an entry and every open position
// for an exit.
func (m *Momentum) Analyze(ctx context.Context) ([]domain.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Signal
	for _, venue := range domain.Venues {
		for _, rec := range m.view.GetAllMarkets(ctx, venue) {
			if s, ok := m.entry(ctx, rec); ok {
				out = append(out, s)
			}
			if _, open := m.positions[rec.Key()]; open {
				if s, ok := m.exit(rec); ok {
					out = append(out, s)
				}
			}
		}
	}
	return out, nil
}

func (m *Momentum) entry(ctx context.Context, rec domain.MarketRecord) (domain.Signal, bool) {
	key := rec.Key()
	if _, open := m.positions[key]; open {
		return domain.Signal{}, false
	}
	points, err := m.view.GetPriceHistory(ctx, rec.Venue, rec.ID, m.lookback)
	if err != nil {
		m.logger.WarnContext(ctx, "momentum: price history failed",
			slog.String("market", key),
			slog.String("error", err.Error()),
		)
		return domain.Signal{}, false
	}
	if len(points) < 3 {
		return domain.Signal{}, false
	}
	first, cur := points[0].Price, points[len(points)-1].Price
	if first == 0 {
		return domain.Signal{}, false
	}
	mom := (cur - first) / first

	h := append(m.history[key], mom)
	if len(h) > momentumHistoryCap {
		h = h[len(h)-momentumHistoryCap:]
	}
	m.history[key] = h

	abs := math.Abs(mom)
	if abs < m.minMomentum {
		return domain.Signal{}, false
	}
	var accel float64
	if len(h) >= 3 {
		accel = h[len(h)-1] - h[len(h)-3]
	}
	sameSign := (mom > 0 && accel > 0) || (mom < 0 && accel < 0)

	now := m.now()
	s := newSignal(m.Name(), now)
	s.Venue = rec.Venue
	s.MarketID = rec.ID
	s.MarketTitle = rec.Title
	s.CurrentPrice = cur
	if mom > 0 {
		s.Type, s.Side = domain.SignalBuy, domain.SideYes
		s.TargetPrice = cur * (1 + abs*0.5)
	} else {
		s.Type, s.Side = domain.SignalSell, domain.SideNo
		s.TargetPrice = cur * (1 - abs*0.5)
	}
	s.Confidence = min(0.9, 0.5+abs*2)
	if sameSign {
		s.Confidence = min(0.95, s.Confidence+0.1)
	}
	switch {
	case abs > 0.10:
		s.Strength = domain.StrengthStrong
	case abs > 0.05:
		s.Strength = domain.StrengthModerate
	default:
		s.Strength = domain.StrengthWeak
	}
	pace := "Steady"
	if sameSign {
		pace = "Accelerating"
	}
	s.Reasoning = fmt.Sprintf("Strong momentum: %+.1f%% over %d min. %s.", mom*100, m.lookbackMins, pace)
	s.Metadata = map[string]any{
		"momentum":             mom,
		"acceleration":         accel,
		"lookback_minutes":     m.lookbackMins,
		"price_history_length": len(points),
	}

	m.positions[key] = momentumPosition{
		entryPrice:    cur,
		entryMomentum: mom,
		entryTime:     now,
		side:          s.Side,
		up:            mom > 0,
	}
	return s, true
}

func (m *Momentum) exit(rec domain.MarketRecord) (domain.Signal, bool) {
	key := rec.Key()
	pos := m.positions[key]
	cur := rec.YesPrice
	if cur == 0 || pos.entryPrice == 0 {
		return domain.Signal{}, false
	}
	mom := (cur - pos.entryPrice) / pos.entryPrice
	now := m.now()
	held := now.Sub(pos.entryTime)

	var reason string
	switch {
	case pos.up && mom < -m.exitThreshold:
		reason = "Momentum reversed (turned negative)"
	case !pos.up && mom > m.exitThreshold:
		reason = "Momentum reversed (turned positive)"
	}
	if held > 2*m.lookback && math.Abs(mom) < m.exitThreshold {
		reason = "Momentum stalled"
	}
	if math.Abs(mom) > math.Abs(pos.entryMomentum)*1.5 {
		reason = "Take profit - target reached"
	}
	if reason == "" {
		return domain.Signal{}, false
	}

	pnl := mom
	typ := domain.SignalSell
	if !pos.up {
		pnl = -mom
		typ = domain.SignalBuy
	}
	delete(m.positions, key)

	s := newSignal(m.Name(), now)
	s.Type = typ
	s.Strength = domain.StrengthStrong
	s.Venue = rec.Venue
	s.MarketID = rec.ID
	s.MarketTitle = rec.Title
	s.Side = pos.side
	s.TargetPrice = cur
	s.CurrentPrice = cur
	s.Confidence = 0.9
	s.Reasoning = fmt.Sprintf("Exit momentum position: %s. P&L: %+.1f%%", reason, pnl*100)
	s.Metadata = map[string]any{
		"entry_price":       pos.entryPrice,
		"exit_price":        cur,
		"pnl":               pnl,
		"entry_momentum":    pos.entryMomentum,
		"exit_momentum":     mom,
		"hold_time_minutes": held.Minutes(),
	}
	return s, true
}

// OpenPositions returns the keys of markets with an open momentum position.
func (m *Momentum) OpenPositions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.positions))
	for k := range m.positions {
		out = append(out, k)
	}
	return out
}
