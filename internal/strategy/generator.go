package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/infomarkets/marketbot/internal/domain"
	"github.com/infomarkets/marketbot/internal/market"
)

// Generator inspects the cached market view and proposes signals. Analyze
// performs no network I/O and may keep private state between calls.
type Generator interface {
	Name() string
	Description() string
	Analyze(ctx context.Context) ([]domain.Signal, error)
}

// MarketView is the read-only slice of the market manager that generators
// consume.
type MarketView interface {
	GetAllMarkets(ctx context.Context, venue domain.Venue) []domain.MarketRecord
	GetMarket(ctx context.Context, venue domain.Venue, id string) (domain.MarketRecord, bool)
	GetPrice(ctx context.Context, venue domain.Venue, id string) (float64, bool)
	GetPriceHistory(ctx context.Context, venue domain.Venue, id string, window time.Duration) ([]domain.PricePoint, error)
	MatchedMarkets() []domain.MatchedPair
	OnPriceUpdate(cb market.PriceCallback)
}

// Factory builds a generator from its parameter table.
type Factory func(view MarketView, params Params, logger *slog.Logger) Generator

// factories maps every strategy name to its constructor. Each call builds a
// new map.
func factories() map[string]Factory {
	return map[string]Factory{
		"arbitrage":         func(v MarketView, p Params, l *slog.Logger) Generator { return NewArbitrage(v, p, l) },
		"momentum":          func(v MarketView, p Params, l *slog.Logger) Generator { return NewMomentum(v, p, l) },
		"lead_lag":          func(v MarketView, p Params, l *slog.Logger) Generator { return NewLeadLag(v, p, l) },
		"volume_spike":      func(v MarketView, p Params, l *slog.Logger) Generator { return NewVolumeSpike(v, p, l) },
		"price_alerts":      func(v MarketView, p Params, l *slog.Logger) Generator { return NewPriceAlerts(v, p, l) },
		"price_convergence": func(v MarketView, p Params, l *slog.Logger) Generator { return NewPriceConvergence(v, p, l) },
	}
}

// Names returns the known strategy names in sorted order.
func Names() []string {
	fs := factories()
	names := make([]string, 0, len(fs))
	for n := range fs {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// New constructs the named generator.
func New(name string, view MarketView, params Params, logger *slog.Logger) (Generator, error) {
	f, ok := factories()[name]
	if !ok {
		return nil, fmt.Errorf("strategy: %q: %w", name, domain.ErrUnknownStrategy)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return f(view, params, logger), nil
}

// Params is a free-form parameter table as decoded from TOML. Integers arrive
// as int64 and floats as float64; the accessors accept either.
type Params map[string]any

// Float returns the numeric value for key, or def when absent or mistyped.
func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// Int returns the integer value for key, or def when absent or mistyped.
// Floats are truncated.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Bool returns the boolean value for key, or def when absent or mistyped.
func (p Params) Bool(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

// newSignal fills the fields every generator sets the same way.
func newSignal(strategy string, now time.Time) domain.Signal {
	return domain.Signal{
		ID:           uuid.NewString(),
		StrategyName: strategy,
		CreatedAt:    now,
	}
}

func direction(change float64) string {
	if change > 0 {
		return "up"
	}
	return "down"
}
