package domain

import (
	"maps"
	"time"
)

// SignalType is the direction a signal recommends.
type SignalType string

const (
	SignalBuy  SignalType = "buy"
	SignalSell SignalType = "sell"
)

// Opposite returns the reverse direction, used for exit signals.
func (t SignalType) Opposite() SignalType {
	if t == SignalBuy {
		return SignalSell
	}
	return SignalBuy
}

// Strength grades how strongly the triggering statistic fired.
type Strength string

const (
	StrengthWeak     Strength = "weak"
	StrengthModerate Strength = "moderate"
	StrengthStrong   Strength = "strong"
)

// Outcome sides of a binary contract.
const (
	SideYes = "yes"
	SideNo  = "no"
)

// Signal is a generator's recommendation to trade. It is not sized or
// executed, and must not be modified after creation.
type Signal struct {
	ID           string         `json:"id"`
	StrategyName string         `json:"strategy_name"`
	Type         SignalType     `json:"type"`
	Strength     Strength       `json:"strength"`
	Venue        Venue          `json:"venue"`
	MarketID     string         `json:"market_id"`
	MarketTitle  string         `json:"market_title"`
	Side         string         `json:"side"`
	TargetPrice  float64        `json:"target_price"`
	CurrentPrice float64        `json:"current_price"`
	Confidence   float64        `json:"confidence"`
	Reasoning    string         `json:"reasoning"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"timestamp"`
}

// Clone returns a copy whose metadata map is not shared with s.
func (s Signal) Clone() Signal {
	out := s
	if s.Metadata != nil {
		out.Metadata = maps.Clone(s.Metadata)
	}
	return out
}

// MetaString reads a string metadata value.
func (s Signal) MetaString(key string) string {
	v, _ := s.Metadata[key].(string)
	return v
}

// MetaFloat reads a numeric metadata value.
func (s Signal) MetaFloat(key string) (float64, bool) {
	switch v := s.Metadata[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// ClampConfidence bounds c to [0, 1].
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
