package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/infomarkets/marketbot/internal/domain"
)

const (
	defaultSpikeThreshold = 2.0
	defaultSpikeLookback  = 60
	defaultMinVolume      = 1000.0

	minVolumeSamples = 5
	trendWindow      = 5
)

type volumeSample struct {
	volume float64
	price  float64
	at     time.Time
}

// VolumeSpike trades in the direction of the recent price trend when a
// listing's volume jumps well above its rolling average.
type VolumeSpike struct {
	view   MarketView
	logger *slog.Logger
	now    func() time.Time

	threshold float64
	lookback  time.Duration
	minVolume float64

	mu      sync.Mutex
	samples map[string][]volumeSample
}

// NewVolumeSpike creates the volume-spike generator. Recognised params:
// spike_threshold, lookback_minutes, min_volume.
func NewVolumeSpike(view MarketView, params Params, logger *slog.Logger) *VolumeSpike {
	return &VolumeSpike{
		view:      view,
		logger:    logger.With(slog.String("strategy", "volume_spike")),
		now:       time.Now,
		threshold: params.Float("spike_threshold", defaultSpikeThreshold),
		lookback:  time.Duration(params.Int("lookback_minutes", defaultSpikeLookback)) * time.Minute,
		minVolume: params.Float("min_volume", defaultMinVolume),
		samples:   make(map[string][]volumeSample),
	}
}

// Name returns the strategy identifier.
func (v *VolumeSpike) Name() string { return "volume_spike" }

// Description returns a one-line summary.
func (v *VolumeSpike) Description() string {
	return "Trade when unusual volume spikes are detected"
}

// Analyze samples every cached listing and reports spikes.
func (v *VolumeSpike) Analyze(ctx context.Context) ([]domain.Signal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	var out []domain.Signal
	for _, venue := range domain.Venues {
		for _, rec := range v.view.GetAllMarkets(ctx, venue) {
			if s, ok := v.analyzeMarket(rec, now); ok {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (v *VolumeSpike) analyzeMarket(rec domain.MarketRecord, now time.Time) (domain.Signal, bool) {
	cur := rec.Volume
	if cur == 0 || cur < v.minVolume {
		return domain.Signal{}, false
	}
	key := rec.Key()
	cutoff := now.Add(-v.lookback)
	var window []volumeSample
	for _, s := range v.samples[key] {
		if s.at.After(cutoff) {
			window = append(window, s)
		}
	}
	window = append(window, volumeSample{volume: cur, price: rec.YesPrice, at: now})
	v.samples[key] = window

	if len(window) < minVolumeSamples {
		return domain.Signal{}, false
	}
	var sum float64
	for _, s := range window[:len(window)-1] {
		sum += s.volume
	}
	avg := sum / float64(len(window)-1)
	if avg == 0 {
		return domain.Signal{}, false
	}
	ratio := cur / avg
	if ratio < v.threshold {
		return domain.Signal{}, false
	}

	var prices []float64
	for _, s := range window {
		if s.price != 0 {
			prices = append(prices, s.price)
		}
	}
	if len(prices) < 2 {
		return domain.Signal{}, false
	}
	recent := prices[max(0, len(prices)-trendWindow):]
	trend := recent[len(recent)-1] - recent[0]
	price := rec.YesPrice
	if price == 0 || trend == 0 {
		return domain.Signal{}, false
	}

	s := newSignal(v.Name(), now)
	s.Venue = rec.Venue
	s.MarketID = rec.ID
	s.MarketTitle = rec.Title
	s.CurrentPrice = price
	if trend > 0 {
		s.Type, s.Side, s.TargetPrice = domain.SignalBuy, domain.SideYes, price*1.02
	} else {
		s.Type, s.Side, s.TargetPrice = domain.SignalSell, domain.SideNo, price*0.98
	}
	s.Confidence = min(0.9, 0.5+(ratio-v.threshold)*0.1)
	switch {
	case ratio > 4.0:
		s.Strength = domain.StrengthStrong
	case ratio > 2.5:
		s.Strength = domain.StrengthModerate
	default:
		s.Strength = domain.StrengthWeak
	}
	s.Reasoning = fmt.Sprintf("Volume spike: %.1fx average (%.0f vs avg %.0f). Price trending %s.",
		ratio, cur, avg, direction(trend))
	s.Metadata = map[string]any{
		"volume_ratio":    ratio,
		"current_volume":  cur,
		"average_volume":  avg,
		"price_trend":     trend,
		"spike_threshold": v.threshold,
	}
	v.logger.Debug("volume_spike: spike detected",
		slog.String("market", key),
		slog.Float64("ratio", ratio),
	)
	return s, true
}

// TrackedMarkets returns the number of listings with a volume window.
func (v *VolumeSpike) TrackedMarkets() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.samples)
}
