// Package market owns venue data: it refreshes listings into the cache,
// normalizes them into MarketRecords and keeps the cross-venue match set.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/infomarkets/marketbot/internal/cache"
	"github.com/infomarkets/marketbot/internal/domain"
)

// VenueClient is the read side of a venue API.
type VenueClient interface {
	Venue() domain.Venue
	ListMarkets(ctx context.Context, limit int) ([]json.RawMessage, error)
	GetOrderbook(ctx context.Context, m domain.MarketRecord) (domain.Orderbook, error)
}

// PriceCallback observes a cached price moving from oldPrice to newPrice.
type PriceCallback func(venue domain.Venue, marketID string, oldPrice, newPrice float64)

// Options tunes a Manager. Zero values select the defaults.
type Options struct {
	ListLimit         int
	Workers           int
	PriceEpsilon      float64
	DateToleranceDays int
	Embedder          Embedder
	// Bus receives a markets_refreshed event after each refresh. Optional.
	Bus domain.EventBus
	Now func() time.Time
}

type pricePayload struct {
	YesPrice float64 `json:"yes_price"`
}

// RefreshReport summarizes one RefreshAll call.
type RefreshReport struct {
	Markets  map[domain.Venue]int    `json:"markets"`
	Errors   map[domain.Venue]string `json:"errors,omitempty"`
	Matches  int                     `json:"matches"`
	Duration time.Duration           `json:"duration"`
}

// Manager is the single entry point for market data. Reads are served from
// the cache and never wait for a refresh. All read accessors tolerate stale
// entries; GetPriceFresh is the fresh-only price read.
type Manager struct {
	cache   *cache.Cache
	clients []VenueClient
	matcher *Matcher
	bus     domain.EventBus
	opts    Options
	now     func() time.Time
	logger  *slog.Logger

	refreshMu sync.Mutex

	matchMu sync.RWMutex
	matches []domain.MatchedPair

	cbMu      sync.RWMutex
	callbacks []PriceCallback

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager over the given venue clients.
func NewManager(c *cache.Cache, clients []VenueClient, opts Options, logger *slog.Logger) *Manager {
	if opts.ListLimit <= 0 {
		opts.ListLimit = 200
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.PriceEpsilon <= 0 {
		opts.PriceEpsilon = 0.001
	}
	if opts.DateToleranceDays <= 0 {
		opts.DateToleranceDays = 7
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		cache:   c,
		clients: clients,
		matcher: NewMatcher(opts.Embedder, opts.DateToleranceDays),
		bus:     opts.Bus,
		opts:    opts,
		now:     now,
		logger:  logger.With(slog.String("component", "market_manager")),
	}
}

// GetAllMarkets returns cached records for venue, or for every venue when
// venue is empty.
func (m *Manager) GetAllMarkets(ctx context.Context, venue domain.Venue) []domain.MarketRecord {
	venues := domain.Venues
	if venue != "" {
		venues = []domain.Venue{venue}
	}
	var out []domain.MarketRecord
	for _, v := range venues {
		var recs []domain.MarketRecord
		if ok, err := m.cache.GetJSON(ctx, v, domain.KindMarkets, "", true, &recs); err != nil {
			m.logger.WarnContext(ctx, "market_manager: decode cached markets failed",
				slog.String("venue", string(v)),
				slog.String("error", err.Error()),
			)
		} else if ok {
			out = append(out, recs...)
		}
	}
	return out
}

// GetMarket returns one cached record.
func (m *Manager) GetMarket(ctx context.Context, venue domain.Venue, id string) (domain.MarketRecord, bool) {
	var rec domain.MarketRecord
	ok, err := m.cache.GetJSON(ctx, venue, domain.KindMarket, id, true, &rec)
	if err != nil || !ok {
		return domain.MarketRecord{}, false
	}
	return rec, true
}

// GetPrice returns the last cached yes price, falling back to the cached
// order book midpoint.
func (m *Manager) GetPrice(ctx context.Context, venue domain.Venue, id string) (float64, bool) {
	return m.price(ctx, venue, id, true)
}

// GetPriceFresh is GetPrice without stale entries.
func (m *Manager) GetPriceFresh(ctx context.Context, venue domain.Venue, id string) (float64, bool) {
	return m.price(ctx, venue, id, false)
}

func (m *Manager) price(ctx context.Context, venue domain.Venue, id string, allowStale bool) (float64, bool) {
	var p pricePayload
	if ok, err := m.cache.GetJSON(ctx, venue, domain.KindPrice, id, allowStale, &p); err == nil && ok && p.YesPrice > 0 {
		return p.YesPrice, true
	}
	var ob domain.Orderbook
	if ok, err := m.cache.GetJSON(ctx, venue, domain.KindOrderbook, id, allowStale, &ob); err == nil && ok {
		if mid := ob.Mid(); mid > 0 {
			return mid, true
		}
	}
	return 0, false
}

// GetOrderbook returns the cached order book, if any.
func (m *Manager) GetOrderbook(ctx context.Context, venue domain.Venue, id string) (domain.Orderbook, bool) {
	var ob domain.Orderbook
	ok, err := m.cache.GetJSON(ctx, venue, domain.KindOrderbook, id, true, &ob)
	if err != nil || !ok {
		return domain.Orderbook{}, false
	}
	return ob, true
}

// RefreshOrderbook fetches and caches one order book on demand.
func (m *Manager) RefreshOrderbook(ctx context.Context, venue domain.Venue, id string) (domain.Orderbook, error) {
	client := m.client(venue)
	if client == nil {
		return domain.Orderbook{}, fmt.Errorf("market_manager: refresh orderbook: %w: %s", domain.ErrUnknownVenue, venue)
	}
	rec, ok := m.GetMarket(ctx, venue, id)
	if !ok {
		rec = domain.MarketRecord{ID: id, Venue: venue}
	}
	ob, err := client.GetOrderbook(ctx, rec)
	if err != nil {
		return domain.Orderbook{}, fmt.Errorf("market_manager: refresh orderbook %s/%s: %w", venue, id, err)
	}
	if err := m.cache.Set(ctx, venue, domain.KindOrderbook, ob, id, 0); err != nil {
		m.logger.WarnContext(ctx, "market_manager: cache orderbook failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
	}
	return ob, nil
}

// GetPriceHistory returns recorded prices over the trailing window.
func (m *Manager) GetPriceHistory(ctx context.Context, venue domain.Venue, id string, window time.Duration) ([]domain.PricePoint, error) {
	return m.cache.PriceHistory(ctx, id, venue, window)
}

// GetVolume returns the cached volume of a market.
func (m *Manager) GetVolume(ctx context.Context, venue domain.Venue, id string) (float64, bool) {
	rec, ok := m.GetMarket(ctx, venue, id)
	if !ok || rec.Volume == 0 {
		return 0, false
	}
	return rec.Volume, true
}

// GetSpread returns ask minus bid of a cached market.
func (m *Manager) GetSpread(ctx context.Context, venue domain.Venue, id string) (float64, bool) {
	rec, ok := m.GetMarket(ctx, venue, id)
	if !ok {
		return 0, false
	}
	return rec.Spread()
}

// MatchedMarkets returns a copy of the current match set.
func (m *Manager) MatchedMarkets() []domain.MatchedPair {
	m.matchMu.RLock()
	defer m.matchMu.RUnlock()
	out := make([]domain.MatchedPair, len(m.matches))
	copy(out, m.matches)
	return out
}

// OnPriceUpdate registers cb for price changes seen during refresh.
func (m *Manager) OnPriceUpdate(cb PriceCallback) {
	m.cbMu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.cbMu.Unlock()
}

func (m *Manager) notifyPrice(ctx context.Context, venue domain.Venue, id string, oldPrice, newPrice float64) {
	m.cbMu.RLock()
	cbs := make([]PriceCallback, len(m.callbacks))
	copy(cbs, m.callbacks)
	m.cbMu.RUnlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.ErrorContext(ctx, "market_manager: price callback panicked",
						slog.String("venue", string(venue)),
						slog.String("market_id", id),
						slog.Any("panic", r),
					)
				}
			}()
			cb(venue, id, oldPrice, newPrice)
		}()
	}
}

// RefreshAll fetches every venue concurrently, then rebuilds the match set.
// Calls are serialized. A failing venue keeps its previous cache entries.
func (m *Manager) RefreshAll(ctx context.Context) RefreshReport {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	start := m.now()
	report := RefreshReport{
		Markets: make(map[domain.Venue]int),
		Errors:  make(map[domain.Venue]string),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for _, client := range m.clients {
		g.Go(func() error {
			n, err := m.refreshVenue(gctx, client)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errors[client.Venue()] = err.Error()
				m.logger.WarnContext(ctx, "market_manager: venue refresh failed",
					slog.String("venue", string(client.Venue())),
					slog.String("error", err.Error()),
				)
				return nil
			}
			report.Markets[client.Venue()] = n
			return nil
		})
	}
	_ = g.Wait()

	report.Matches = m.updateMatches(ctx)
	report.Duration = m.now().Sub(start)

	m.logger.InfoContext(ctx, "market_manager: refresh complete",
		slog.Any("markets", report.Markets),
		slog.Int("matches", report.Matches),
		slog.Duration("duration", report.Duration),
	)
	m.publish(ctx, report)
	return report
}

func (m *Manager) refreshVenue(ctx context.Context, client VenueClient) (int, error) {
	venue := client.Venue()
	raws, err := client.ListMarkets(ctx, m.opts.ListLimit)
	if err != nil {
		return 0, err
	}

	recs := make([]domain.MarketRecord, 0, len(raws))
	for _, raw := range raws {
		if rec, ok := Normalize(venue, raw); ok {
			recs = append(recs, rec)
		}
	}
	if len(recs) == 0 {
		return 0, nil
	}

	var errs []error
	if err := m.cache.Set(ctx, venue, domain.KindMarkets, recs, "", 0); err != nil {
		errs = append(errs, err)
	}
	type priceMove struct {
		id       string
		old, new float64
	}
	var moves []priceMove
	now := m.now()
	for _, rec := range recs {
		if err := m.cache.Set(ctx, venue, domain.KindMarket, rec, rec.ID, 0); err != nil {
			errs = append(errs, err)
		}
		if rec.YesPrice <= 0 {
			continue
		}
		old, hadOld := m.GetPrice(ctx, venue, rec.ID)
		if err := m.cache.Set(ctx, venue, domain.KindPrice, pricePayload{YesPrice: rec.YesPrice}, rec.ID, 0); err != nil {
			errs = append(errs, err)
		}
		var vol *float64
		if rec.Volume > 0 {
			v := rec.Volume
			vol = &v
		}
		if err := m.cache.RecordPricePoint(ctx, rec.ID, venue, rec.YesPrice, vol, now); err != nil {
			errs = append(errs, err)
		}
		if hadOld && math.Abs(rec.YesPrice-old) > m.opts.PriceEpsilon {
			moves = append(moves, priceMove{id: rec.ID, old: old, new: rec.YesPrice})
		}
	}
	if len(errs) > 0 {
		m.logger.WarnContext(ctx, "market_manager: cache writes failed",
			slog.String("venue", string(venue)),
			slog.Int("failures", len(errs)),
			slog.String("error", errors.Join(errs...).Error()),
		)
	}

	// Callbacks see every write of this venue's refresh.
	for _, mv := range moves {
		m.notifyPrice(ctx, venue, mv.id, mv.old, mv.new)
	}
	return len(recs), nil
}

func (m *Manager) updateMatches(ctx context.Context) int {
	kalshi := m.GetAllMarkets(ctx, domain.VenueKalshi)
	poly := m.GetAllMarkets(ctx, domain.VenuePolymarket)
	if len(kalshi) == 0 || len(poly) == 0 {
		m.matchMu.RLock()
		defer m.matchMu.RUnlock()
		return len(m.matches)
	}
	matched := m.matcher.Match(kalshi, poly)

	m.matchMu.Lock()
	m.matches = matched
	m.matchMu.Unlock()

	var exact, dated int
	for _, p := range matched {
		if p.TextSimilarity == 1 {
			exact++
		}
		if p.EndDateMatches {
			dated++
		}
	}
	m.logger.DebugContext(ctx, "market_manager: matched markets",
		slog.Int("matched", len(matched)),
		slog.Int("exact", exact),
		slog.Int("date_matched", dated),
	)
	return len(matched)
}

func (m *Manager) publish(ctx context.Context, report RefreshReport) {
	if m.bus == nil {
		return
	}
	evt, err := domain.NewEvent("markets_refreshed", report)
	if err != nil {
		return
	}
	raw, _ := json.Marshal(evt)
	if err := m.bus.Publish(ctx, domain.ChannelMarkets, raw); err != nil {
		m.logger.WarnContext(ctx, "market_manager: publish refresh event failed",
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) client(v domain.Venue) VenueClient {
	for _, c := range m.clients {
		if c.Venue() == v {
			return c
		}
	}
	return nil
}

// Run refreshes immediately and then every interval until ctx is done. An
// in-flight refresh always completes before Run returns.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("market_manager: interval must be positive, got %s", interval)
	}
	m.logger.InfoContext(ctx, "market_manager: background refresh started",
		slog.Duration("interval", interval),
	)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.RefreshAll(context.WithoutCancel(ctx))
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "market_manager: background refresh stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// StartBackgroundRefresh runs Run on its own goroutine. It is a no-op when
// a loop is already running.
func (m *Manager) StartBackgroundRefresh(interval time.Duration) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	go func() {
		defer close(done)
		if err := m.Run(ctx, interval); err != nil {
			m.logger.Error("market_manager: refresh loop failed", slog.String("error", err.Error()))
		}
	}()
}

// StopBackgroundRefresh stops the loop and waits for it to exit.
func (m *Manager) StopBackgroundRefresh() {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
