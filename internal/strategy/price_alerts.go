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

// AlertType selects the comparison an alert makes against its level.
type AlertType string

const (
	AlertAbove     AlertType = "above"
	AlertBelow     AlertType = "below"
	AlertCrossUp   AlertType = "cross_up"
	AlertCrossDown AlertType = "cross_down"
)

// KeyLevels are the round-number prices watched when auto-detection is on.
var KeyLevels = []float64{0.10, 0.20, 0.25, 0.30, 0.40, 0.50, 0.60, 0.70, 0.75, 0.80, 0.90}

const defaultAlertConfidence = 0.7

// Alert is a manual price level on one listing.
type Alert struct {
	Venue       domain.Venue      `json:"venue"`
	MarketID    string            `json:"market_id"`
	MarketTitle string            `json:"market_title"`
	Type        AlertType         `json:"type"`
	Level       float64           `json:"level"`
	Side        string            `json:"side"`
	Action      domain.SignalType `json:"action"`
	Confidence  float64           `json:"confidence"`
	Note        string            `json:"note,omitempty"`
	Triggered   bool              `json:"triggered"`
	CreatedAt   time.Time         `json:"created_at"`
}

// AlertObserver is called once for every alert that fires.
type AlertObserver func(a Alert, s domain.Signal)

// PriceAlerts fires signals when prices cross manual alert levels and,
// optionally, the round-number KeyLevels.
type PriceAlerts struct {
	view   MarketView
	logger *slog.Logger
	now    func() time.Time

	autoDetect bool

	mu        sync.Mutex
	alerts    []*Alert
	last      map[string]float64
	observers []AlertObserver
}

// NewPriceAlerts creates the price-alert generator. Recognised params:
// auto_detect.
func NewPriceAlerts(view MarketView, params Params, logger *slog.Logger) *PriceAlerts {
	return &PriceAlerts{
		view:       view,
		logger:     logger.With(slog.String("strategy", "price_alerts")),
		now:        time.Now,
		autoDetect: params.Bool("auto_detect", true),
		last:       make(map[string]float64),
	}
}

// Name returns the strategy identifier.
func (p *PriceAlerts) Name() string { return "price_alerts" }

// Description returns a one-line summary.
func (p *PriceAlerts) Description() string {
	return "Trade when prices cross configured alert levels"
}

// AddAlert registers a manual alert. A zero confidence defaults to 0.7.
func (p *PriceAlerts) AddAlert(a Alert) Alert {
	if a.Confidence == 0 {
		a.Confidence = defaultAlertConfidence
	}
	a.Triggered = false
	a.CreatedAt = p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, &a)
	return a
}

// RemoveAlerts drops alerts on the listing. A nil level removes every alert
// on it; otherwise only alerts at that level.
func (p *PriceAlerts) RemoveAlerts(venue domain.Venue, marketID string, level *float64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.alerts[:0]
	var removed int
	for _, a := range p.alerts {
		if a.Venue == venue && a.MarketID == marketID && (level == nil || a.Level == *level) {
			removed++
			continue
		}
		kept = append(kept, a)
	}
	p.alerts = kept
	return removed
}

// ActiveAlerts returns copies of alerts that have not fired.
func (p *PriceAlerts) ActiveAlerts() []Alert {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Alert
	for _, a := range p.alerts {
		if !a.Triggered {
			out = append(out, *a)
		}
	}
	return out
}

// ResetAlerts re-arms every fired alert.
func (p *PriceAlerts) ResetAlerts() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.alerts {
		a.Triggered = false
	}
}

// OnAlert registers an observer for fired alerts. Observers run during
// Analyze and must not call back into p.
func (p *PriceAlerts) OnAlert(obs AlertObserver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, obs)
}

// Analyze checks manual alerts, then key-level crossings when enabled. Each
// listing's price is read once per call and every alert and key level on it
// is compared against the same previous observation.
func (p *PriceAlerts) Analyze(ctx context.Context) ([]domain.Signal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	seen := make(map[string]priceObs)
	var out []domain.Signal
	for _, a := range p.alerts {
		if a.Triggered {
			continue
		}
		key := domain.MarketKey(a.Venue, a.MarketID)
		obs, ok := seen[key]
		if !ok {
			cur, found := p.view.GetPrice(ctx, a.Venue, a.MarketID)
			last, had := p.last[key]
			obs = priceObs{cur: cur, found: found, last: last, had: had}
			seen[key] = obs
		}
		if !obs.found {
			continue
		}
		s, fired := p.check(a, obs, now)
		if !fired {
			continue
		}
		a.Triggered = true
		out = append(out, s)
		for _, o := range p.observers {
			p.notify(ctx, o, *a, s)
		}
	}
	if p.autoDetect {
		out = append(out, p.autoSignals(ctx, now)...)
	}
	for key, obs := range seen {
		if obs.found {
			p.last[key] = obs.cur
		}
	}
	return out, nil
}

// priceObs is one listing's price as read during a single Analyze call,
// paired with the price recorded by the previous call.
type priceObs struct {
	cur   float64
	found bool
	last  float64
	had   bool
}

func (p *PriceAlerts) notify(ctx context.Context, obs AlertObserver, a Alert, s domain.Signal) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "price_alerts: observer panicked",
				slog.String("market", domain.MarketKey(a.Venue, a.MarketID)),
				slog.Any("panic", r),
			)
		}
	}()
	obs(a, s.Clone())
}

func (p *PriceAlerts) check(a *Alert, obs priceObs, now time.Time) (domain.Signal, bool) {
	cur, last, seen := obs.cur, obs.last, obs.had

	var fired bool
	switch a.Type {
	case AlertAbove:
		fired = cur > a.Level
	case AlertBelow:
		fired = cur < a.Level
	case AlertCrossUp:
		fired = seen && last <= a.Level && a.Level < cur
	case AlertCrossDown:
		fired = seen && last >= a.Level && a.Level > cur
	}
	if !fired {
		return domain.Signal{}, false
	}

	s := newSignal(p.Name(), now)
	s.Type = domain.SignalSell
	if a.Action == domain.SignalBuy {
		s.Type = domain.SignalBuy
	}
	switch diff := math.Abs(cur - a.Level); {
	case diff > 0.05:
		s.Strength = domain.StrengthStrong
	case diff > 0.02:
		s.Strength = domain.StrengthModerate
	default:
		s.Strength = domain.StrengthWeak
	}
	s.Venue = a.Venue
	s.MarketID = a.MarketID
	s.MarketTitle = a.MarketTitle
	s.Side = a.Side
	s.TargetPrice = cur
	s.CurrentPrice = cur
	s.Confidence = a.Confidence
	s.Reasoning = fmt.Sprintf("Alert triggered: Price %s %.2f. Current: %.2f. %s", a.Type, a.Level, cur, a.Note)
	s.Metadata = map[string]any{
		"alert_type":  string(a.Type),
		"price_level": a.Level,
		"note":        a.Note,
	}
	return s, true
}

// autoSignals reports KeyLevels crossed since the last observed price. The
// first observation of a listing only seeds its last price. It reads p.last
// before Analyze records the manual-alert prices.
func (p *PriceAlerts) autoSignals(ctx context.Context, now time.Time) []domain.Signal {
	var out []domain.Signal
	for _, venue := range domain.Venues {
		for _, rec := range p.view.GetAllMarkets(ctx, venue) {
			price := rec.YesPrice
			if price == 0 {
				continue
			}
			key := rec.Key()
			last, seen := p.last[key]
			if !seen {
				last = price
			}
			for _, level := range KeyLevels {
				var s domain.Signal
				switch {
				case last < level && level <= price:
					s = newSignal(p.Name(), now)
					s.Type, s.Side, s.TargetPrice = domain.SignalBuy, domain.SideYes, price+0.05
					s.Reasoning = fmt.Sprintf("Price broke above key level %.0f%%", level*100)
					s.Metadata = map[string]any{"level": level, "direction": "breakout_up"}
				case last > level && level >= price:
					s = newSignal(p.Name(), now)
					s.Type, s.Side, s.TargetPrice = domain.SignalSell, domain.SideNo, price-0.05
					s.Reasoning = fmt.Sprintf("Price broke below key level %.0f%%", level*100)
					s.Metadata = map[string]any{"level": level, "direction": "breakout_down"}
				default:
					continue
				}
				s.Strength = domain.StrengthModerate
				s.Venue = venue
				s.MarketID = rec.ID
				s.MarketTitle = rec.Title
				s.CurrentPrice = price
				s.Confidence = 0.6
				out = append(out, s)
			}
			p.last[key] = price
		}
	}
	return out
}
