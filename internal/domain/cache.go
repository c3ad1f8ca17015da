package domain

import (
	"context"
	"time"
)

// DataKind names the category of a cached value. Each kind has its own
// default time-to-live.
type DataKind string

const (
	KindMarkets      DataKind = "markets"
	KindMarket       DataKind = "market"
	KindOrderbook    DataKind = "orderbook"
	KindPrice        DataKind = "price"
	KindTrades       DataKind = "trades"
	KindPriceHistory DataKind = "price_history"
)

// CacheEntry is one cached value. Value holds JSON. Entries are replaced
// wholesale, never patched.
type CacheEntry struct {
	Key        string
	Value      []byte
	WrittenAt  time.Time
	TTL        time.Duration
	Venue      Venue
	Kind       DataKind
	Identifier string
}

// ExpiredAt reports whether the entry is stale at now.
func (e CacheEntry) ExpiredAt(now time.Time) bool {
	return now.After(e.WrittenAt.Add(e.TTL))
}

// PricePoint is one observation in a market's price history.
type PricePoint struct {
	Price  float64   `json:"price"`
	Volume *float64  `json:"volume,omitempty"`
	At     time.Time `json:"at"`
}

// InvalidateFilter selects cache entries for removal. Empty fields match
// everything.
type InvalidateFilter struct {
	Venue      Venue
	Kind       DataKind
	Identifier string
}

// Matches reports whether e is selected by f.
func (f InvalidateFilter) Matches(e CacheEntry) bool {
	if f.Venue != "" && f.Venue != e.Venue {
		return false
	}
	if f.Kind != "" && f.Kind != e.Kind {
		return false
	}
	if f.Identifier != "" && f.Identifier != e.Identifier {
		return false
	}
	return true
}

// StoreStats describes the durable cache tier.
type StoreStats struct {
	Entries          int64            `json:"entries"`
	PriceHistoryRows int64            `json:"price_history_rows"`
	ByVenue          map[string]int64 `json:"by_venue"`
	ByKind           map[string]int64 `json:"by_kind"`
}

// CacheStore is the durable tier of the market cache.
type CacheStore interface {
	Get(ctx context.Context, key string) (CacheEntry, error)
	Put(ctx context.Context, entry CacheEntry) error
	Delete(ctx context.Context, filter InvalidateFilter) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)

	AppendPricePoint(ctx context.Context, venue Venue, marketID string, p PricePoint) error
	PriceHistory(ctx context.Context, venue Venue, marketID string, since time.Time) ([]PricePoint, error)
	PricesAt(ctx context.Context, venue Venue, at time.Time, tolerance time.Duration) (map[string]float64, error)
	DeletePriceHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Stats(ctx context.Context) (StoreStats, error)
	Clear(ctx context.Context) error
	Close() error
}
