package domain

import (
	"maps"
	"time"
)

// OrderType is the execution style of a trade.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Trade is a sized, executable instruction derived from a Signal.
type Trade struct {
	Signal    Signal     `json:"signal"`
	Venue     Venue      `json:"venue"`
	MarketID  string     `json:"market_id"`
	Side      string     `json:"side"`
	Action    SignalType `json:"action"`
	Quantity  int64      `json:"quantity"`
	Price     float64    `json:"price"`
	OrderType OrderType  `json:"order_type"`
}

// Notional returns price times quantity.
func (t Trade) Notional() float64 {
	return t.Price * float64(t.Quantity)
}

// TradeResult is produced for every execution attempt, successful or not.
type TradeResult struct {
	Trade          Trade     `json:"trade"`
	Success        bool      `json:"success"`
	OrderID        string    `json:"order_id,omitempty"`
	FilledPrice    *float64  `json:"filled_price,omitempty"`
	FilledQuantity int64     `json:"filled_quantity"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	// Complementary is the second leg of a dutch-book arbitrage, when one was
	// attempted. A failed complementary leg does not change Success.
	Complementary *TradeResult `json:"complementary,omitempty"`
}

// Clone returns a deep copy of r, including the signal metadata and the
// complementary leg.
func (r TradeResult) Clone() TradeResult {
	out := r
	out.Trade.Signal = r.Trade.Signal.Clone()
	if r.FilledPrice != nil {
		p := *r.FilledPrice
		out.FilledPrice = &p
	}
	if r.Complementary != nil {
		c := r.Complementary.Clone()
		out.Complementary = &c
	}
	return out
}

// Failed builds an unsuccessful result for t.
func Failed(t Trade, err error, at time.Time) TradeResult {
	return TradeResult{
		Trade:     t,
		Success:   false,
		Error:     err.Error(),
		Timestamp: at,
	}
}

// StrategyCycleStats is one strategy's contribution to a cycle.
type StrategyCycleStats struct {
	Signals    int    `json:"signals"`
	Trades     int    `json:"trades"`
	Successful int    `json:"successful"`
	Error      string `json:"error,omitempty"`
}

// CycleStats summarizes one runner cycle. It doubles as the audit log line.
type CycleStats struct {
	Timestamp    time.Time                     `json:"timestamp"`
	DurationMs   float64                       `json:"duration_ms"`
	SignalCount  int                           `json:"signals"`
	TradeCount   int                           `json:"trades"`
	SuccessCount int                           `json:"successful"`
	ByStrategy   map[string]StrategyCycleStats `json:"by_strategy"`
	PaperMode    bool                          `json:"paper_trading"`
}

// Clone returns a copy of c with its own ByStrategy map.
func (c CycleStats) Clone() CycleStats {
	out := c
	if c.ByStrategy != nil {
		out.ByStrategy = maps.Clone(c.ByStrategy)
	}
	return out
}

// PerformanceSummary is the runner's aggregate report.
type PerformanceSummary struct {
	PaperTrading       bool    `json:"paper_trading"`
	TotalSignals       int     `json:"total_signals"`
	TotalTrades        int     `json:"total_trades"`
	SuccessfulTrades   int     `json:"successful_trades"`
	FailedTrades       int     `json:"failed_trades"`
	SuccessRate        float64 `json:"success_rate"`
	PaperPnL           float64 `json:"paper_pnl"`
	TradesToday        int     `json:"trades_today"`
	MaxDailyTrades     int     `json:"max_daily_trades"`
	StrategiesEnabled  int     `json:"strategies_enabled"`
	RunCycles          int     `json:"run_cycles"`
	AvgCycleDurationMs float64 `json:"avg_cycle_duration_ms"`
}
