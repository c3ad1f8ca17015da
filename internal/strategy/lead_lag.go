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
	defaultMinMove       = 0.02
	defaultMaxLagSeconds = 300
	defaultMinConfidence = 0.6

	leaderGap          = 10 * time.Second
	leadHistoryCap     = 100
	leadRecentWindow   = 10
	leadMinHistory     = 5
	leadBaseConfidence = 0.6
)

type priceMove struct {
	venue     domain.Venue
	up        bool
	magnitude float64
	at        time.Time
}

type leadRecord struct {
	leader domain.Venue
	at     time.Time
}

// LeadLag watches price updates for significant moves and, when one venue of
// a matched pair moves first, trades the lagging venue in the same direction.
type LeadLag struct {
	view   MarketView
	logger *slog.Logger
	now    func() time.Time

	minMove       float64
	maxLag        time.Duration
	minConfidence float64

	mu      sync.Mutex
	moves   map[string]priceMove
	history map[string][]leadRecord
}

// NewLeadLag creates the lead-lag generator and subscribes it to the view's
// price updates. Recognised params: min_move, max_lag_seconds,
// min_confidence.
func NewLeadLag(view MarketView, params Params, logger *slog.Logger) *LeadLag {
	ll := &LeadLag{
		view:          view,
		logger:        logger.With(slog.String("strategy", "lead_lag")),
		now:           time.Now,
		minMove:       params.Float("min_move", defaultMinMove),
		maxLag:        time.Duration(params.Float("max_lag_seconds", defaultMaxLagSeconds) * float64(time.Second)),
		minConfidence: params.Float("min_confidence", defaultMinConfidence),
		moves:         make(map[string]priceMove),
		history:       make(map[string][]leadRecord),
	}
	view.OnPriceUpdate(ll.OnPriceChange)
	return ll
}

// Name returns the strategy identifier.
func (ll *LeadLag) Name() string { return "lead_lag" }

// Description returns a one-line summary.
func (ll *LeadLag) Description() string {
	return "Trade on lagging platform when lead platform moves first"
}

// OnPriceChange records a move when the relative change reaches min_move.
func (ll *LeadLag) OnPriceChange(venue domain.Venue, marketID string, oldPrice, newPrice float64) {
	if oldPrice == 0 {
		return
	}
	change := (newPrice - oldPrice) / oldPrice
	if math.Abs(change) < ll.minMove {
		return
	}
	ll.mu.Lock()
	defer ll.mu.Unlock()
	ll.moves[domain.MarketKey(venue, marketID)] = priceMove{
		venue:     venue,
		up:        change > 0,
		magnitude: math.Abs(change),
		at:        ll.now(),
	}
}

// Analyze looks for a leading move on every matched pair.
func (ll *LeadLag) Analyze(ctx context.Context) ([]domain.Signal, error) {
	ll.mu.Lock()
	defer ll.mu.Unlock()

	var out []domain.Signal
	for _, pair := range ll.view.MatchedMarkets() {
		if s, ok := ll.analyzePair(ctx, pair); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (ll *LeadLag) analyzePair(ctx context.Context, pair domain.MatchedPair) (domain.Signal, bool) {
	now := ll.now()
	km, kOK := ll.moves[pair.Kalshi.Key()]
	pm, pOK := ll.moves[pair.Polymarket.Key()]

	var lead priceMove
	switch {
	case kOK && !pOK:
		lead = km
	case pOK && !kOK:
		lead = pm
	case kOK && pOK:
		kAge, pAge := now.Sub(km.at), now.Sub(pm.at)
		switch {
		case kAge >= pAge+leaderGap:
			lead = km
		case pAge >= kAge+leaderGap:
			lead = pm
		default:
			return domain.Signal{}, false
		}
	default:
		return domain.Signal{}, false
	}
	if now.Sub(lead.at) >= ll.maxLag {
		return domain.Signal{}, false
	}

	lag := pair.Record(lead.venue.Other())
	cur, ok := ll.view.GetPrice(ctx, lag.Venue, lag.ID)
	if !ok || cur == 0 {
		return domain.Signal{}, false
	}

	conf := ll.confidence(pair.NormalizedTitle, lead.venue)
	if conf < ll.minConfidence {
		return domain.Signal{}, false
	}

	s := newSignal(ll.Name(), now)
	s.Venue = lag.Venue
	s.MarketID = lag.ID
	s.MarketTitle = lag.Title
	s.CurrentPrice = cur
	s.Confidence = conf
	if lead.up {
		s.Type, s.Side = domain.SignalBuy, domain.SideYes
		s.TargetPrice = cur * (1 + lead.magnitude)
	} else {
		s.Type, s.Side = domain.SignalSell, domain.SideNo
		s.TargetPrice = cur * (1 - lead.magnitude)
	}
	switch {
	case conf > 0.8 && lead.magnitude > 0.05:
		s.Strength = domain.StrengthStrong
	case conf > 0.65:
		s.Strength = domain.StrengthModerate
	default:
		s.Strength = domain.StrengthWeak
	}
	dir := "down"
	if lead.up {
		dir = "up"
	}
	s.Reasoning = fmt.Sprintf("%s moved %s by %.1f%%. Expecting %s to follow.",
		lead.venue, dir, lead.magnitude*100, lag.Venue)
	s.Metadata = map[string]any{
		"lead_platform":        string(lead.venue),
		"lead_direction":       dir,
		"lead_magnitude":       lead.magnitude,
		"lead_timestamp":       lead.at.Format(time.RFC3339Nano),
		"matched_market_score": pair.CombinedScore,
	}

	ll.record(pair.NormalizedTitle, lead.venue, now)
	return s, true
}

// confidence scores how reliably leader has led this title before.
func (ll *LeadLag) confidence(title string, leader domain.Venue) float64 {
	h := ll.history[title]
	if len(h) == 0 {
		return leadBaseConfidence
	}
	share := leadShare(h, leader)
	if len(h) < leadMinHistory {
		return leadBaseConfidence + share*0.1
	}
	recent := h[max(0, len(h)-leadRecentWindow):]
	return 0.6*leadShare(recent, leader) + 0.4*share
}

func leadShare(h []leadRecord, leader domain.Venue) float64 {
	var n int
	for _, r := range h {
		if r.leader == leader {
			n++
		}
	}
	return float64(n) / float64(len(h))
}

func (ll *LeadLag) record(title string, leader domain.Venue, at time.Time) {
	h := append(ll.history[title], leadRecord{leader: leader, at: at})
	if len(h) > leadHistoryCap {
		h = h[len(h)-leadHistoryCap:]
	}
	ll.history[title] = h
}

// LeadCounts returns how often each venue has led, summed over all titles.
func (ll *LeadLag) LeadCounts() map[domain.Venue]int {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	out := make(map[domain.Venue]int, 2)
	for _, h := range ll.history {
		for _, r := range h {
			out[r.leader]++
		}
	}
	return out
}
