// Package cache implements the two-tier market cache: an in-process map in
// front of a durable domain.CacheStore. Values are JSON documents keyed by
// venue, data kind and an optional identifier.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/infomarkets/marketbot/internal/domain"
)

// DefaultTTLs returns the time-to-live applied per kind when Set is called
// with a zero ttl.
func DefaultTTLs() map[domain.DataKind]time.Duration {
	return map[domain.DataKind]time.Duration{
		domain.KindMarkets:      60 * time.Second,
		domain.KindMarket:       60 * time.Second,
		domain.KindOrderbook:    5 * time.Second,
		domain.KindPrice:        2 * time.Second,
		domain.KindTrades:       30 * time.Second,
		domain.KindPriceHistory: 300 * time.Second,
	}
}

// Options tunes a Cache. Zero values select the defaults.
type Options struct {
	TTLs       map[domain.DataKind]time.Duration
	DefaultTTL time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Stats describes both tiers.
type Stats struct {
	MemoryEntries int               `json:"memory_entries"`
	MemoryExpired int               `json:"memory_expired"`
	Store         domain.StoreStats `json:"store"`
}

// Cache is safe for concurrent use. Critical sections only copy map entries;
// the durable tier is always accessed outside the lock.
type Cache struct {
	mu  sync.RWMutex
	mem map[string]domain.CacheEntry

	store      domain.CacheStore
	ttls       map[domain.DataKind]time.Duration
	defaultTTL time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a Cache on top of store.
func New(store domain.CacheStore, opts Options, logger *slog.Logger) *Cache {
	ttls := DefaultTTLs()
	for k, v := range opts.TTLs {
		if v > 0 {
			ttls[k] = v
		}
	}
	def := opts.DefaultTTL
	if def <= 0 {
		def = 60 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		mem:        make(map[string]domain.CacheEntry),
		store:      store,
		ttls:       ttls,
		defaultTTL: def,
		now:        now,
		logger:     logger.With(slog.String("component", "cache")),
	}
}

// Key builds the cache key "venue:kind" or "venue:kind:id".
func Key(venue domain.Venue, kind domain.DataKind, id string) string {
	if id == "" {
		return string(venue) + ":" + string(kind)
	}
	return string(venue) + ":" + string(kind) + ":" + id
}

// TTLFor returns the default TTL of kind.
func (c *Cache) TTLFor(kind domain.DataKind) time.Duration {
	if ttl, ok := c.ttls[kind]; ok {
		return ttl
	}
	return c.defaultTTL
}

// Get returns the raw JSON stored under (venue, kind, id). Expired values are
// returned only when allowStale is set. Durable-tier errors count as misses.
func (c *Cache) Get(ctx context.Context, venue domain.Venue, kind domain.DataKind, id string, allowStale bool) ([]byte, bool) {
	key := Key(venue, kind, id)
	now := c.now()

	c.mu.RLock()
	e, ok := c.mem[key]
	c.mu.RUnlock()
	if ok && (allowStale || !e.ExpiredAt(now)) {
		return e.Value, true
	}

	e, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			c.logger.Warn("durable tier read failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	if e.ExpiredAt(now) && !allowStale {
		return nil, false
	}

	c.mu.Lock()
	if cur, ok := c.mem[key]; !ok || !cur.WrittenAt.After(e.WrittenAt) {
		c.mem[key] = e
	}
	c.mu.Unlock()
	return e.Value, true
}

// GetJSON decodes the cached value into dst. It reports whether a value was
// found; a decode failure is returned as an error.
func (c *Cache) GetJSON(ctx context.Context, venue domain.Venue, kind domain.DataKind, id string, allowStale bool, dst any) (bool, error) {
	raw, ok := c.Get(ctx, venue, kind, id, allowStale)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("cache: decode %s: %w", Key(venue, kind, id), err)
	}
	return true, nil
}

// Set stores value as JSON in both tiers. A zero ttl selects the kind's
// default. The memory tier is always updated; a durable-tier failure is
// returned afterwards.
func (c *Cache) Set(ctx context.Context, venue domain.Venue, kind domain.DataKind, value any, id string, ttl time.Duration) error {
	key := Key(venue, kind, id)
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	if ttl <= 0 {
		ttl = c.TTLFor(kind)
	}
	e := domain.CacheEntry{
		Key:        key,
		Value:      raw,
		WrittenAt:  c.now(),
		TTL:        ttl,
		Venue:      venue,
		Kind:       kind,
		Identifier: id,
	}

	c.mu.Lock()
	c.mem[key] = e
	c.mu.Unlock()

	if err := c.store.Put(ctx, e); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Invalidate removes entries from both tiers. Empty arguments are wildcards,
// so Invalidate(ctx, "", "", "") empties the cache but keeps price history.
func (c *Cache) Invalidate(ctx context.Context, venue domain.Venue, kind domain.DataKind, id string) error {
	f := domain.InvalidateFilter{Venue: venue, Kind: kind, Identifier: id}

	c.mu.Lock()
	for k, e := range c.mem {
		if f.Matches(e) {
			delete(c.mem, k)
		}
	}
	c.mu.Unlock()

	n, err := c.store.Delete(ctx, f)
	if err != nil {
		return fmt.Errorf("cache: invalidate: %w", err)
	}
	c.logger.Debug("invalidated",
		slog.String("venue", string(venue)),
		slog.String("kind", string(kind)),
		slog.String("id", id),
		slog.Int64("stored_rows", n),
	)
	return nil
}

// RecordPricePoint appends a price observation. Duplicate timestamps are
// ignored.
func (c *Cache) RecordPricePoint(ctx context.Context, marketID string, venue domain.Venue, price float64, volume *float64, at time.Time) error {
	if at.IsZero() {
		at = c.now()
	}
	p := domain.PricePoint{Price: price, Volume: volume, At: at.UTC()}
	if err := c.store.AppendPricePoint(ctx, venue, marketID, p); err != nil {
		return fmt.Errorf("cache: record price: %w", err)
	}
	return nil
}

// PriceHistory returns the points of the last window, oldest first.
func (c *Cache) PriceHistory(ctx context.Context, marketID string, venue domain.Venue, window time.Duration) ([]domain.PricePoint, error) {
	pts, err := c.store.PriceHistory(ctx, venue, marketID, c.now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("cache: price history: %w", err)
	}
	return pts, nil
}

// PricesAt returns the latest price per market on venue recorded within
// tolerance of at.
func (c *Cache) PricesAt(ctx context.Context, venue domain.Venue, at time.Time, tolerance time.Duration) (map[string]float64, error) {
	if tolerance <= 0 {
		tolerance = 5 * time.Second
	}
	out, err := c.store.PricesAt(ctx, venue, at, tolerance)
	if err != nil {
		return nil, fmt.Errorf("cache: prices at: %w", err)
	}
	return out, nil
}

// SweepResult counts what Sweep removed.
type SweepResult struct {
	MemoryExpired int
	StoreExpired  int64
	HistoryPruned int64
}

// Sweep drops expired entries from both tiers and price points older than
// retention.
func (c *Cache) Sweep(ctx context.Context, retention time.Duration) (SweepResult, error) {
	now := c.now()
	var res SweepResult

	c.mu.Lock()
	for k, e := range c.mem {
		if e.ExpiredAt(now) {
			delete(c.mem, k)
			res.MemoryExpired++
		}
	}
	c.mu.Unlock()

	var err error
	if res.StoreExpired, err = c.store.DeleteExpired(ctx, now); err != nil {
		return res, fmt.Errorf("cache: sweep: %w", err)
	}
	if retention > 0 {
		if res.HistoryPruned, err = c.store.DeletePriceHistoryBefore(ctx, now.Add(-retention)); err != nil {
			return res, fmt.Errorf("cache: sweep: %w", err)
		}
	}
	return res, nil
}

func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	now := c.now()
	var st Stats

	c.mu.RLock()
	st.MemoryEntries = len(c.mem)
	for _, e := range c.mem {
		if e.ExpiredAt(now) {
			st.MemoryExpired++
		}
	}
	c.mu.RUnlock()

	ss, err := c.store.Stats(ctx)
	if err != nil {
		return st, fmt.Errorf("cache: stats: %w", err)
	}
	st.Store = ss
	return st, nil
}

// Clear wipes both tiers including price history.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	clear(c.mem)
	c.mu.Unlock()
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}
	return nil
}
