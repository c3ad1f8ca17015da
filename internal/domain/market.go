package domain

import "time"

// Venue identifies one of the two prediction-market platforms.
type Venue string

const (
	VenueKalshi     Venue = "kalshi"
	VenuePolymarket Venue = "polymarket"
)

// Venues lists every supported venue in refresh order.
var Venues = []Venue{VenueKalshi, VenuePolymarket}

// Valid reports whether v names a supported venue.
func (v Venue) Valid() bool {
	return v == VenueKalshi || v == VenuePolymarket
}

// Other returns the paired venue.
func (v Venue) Other() Venue {
	if v == VenueKalshi {
		return VenuePolymarket
	}
	return VenueKalshi
}

// MarketStatus represents the lifecycle state of a listing.
type MarketStatus string

const (
	MarketStatusActive  MarketStatus = "active"
	MarketStatusClosed  MarketStatus = "closed"
	MarketStatusSettled MarketStatus = "settled"
)

// MarketRecord is the canonical, venue-neutral view of one listing. All prices
// are on the 0-1 scale; a zero numeric field means the venue did not report it.
// Records are rebuilt from the raw payload on every refresh.
type MarketRecord struct {
	ID          string       `json:"id"`
	Venue       Venue        `json:"venue"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	YesPrice    float64      `json:"yes_price"`
	NoPrice     float64      `json:"no_price"`
	BestBid     float64      `json:"best_bid"`
	BestAsk     float64      `json:"best_ask"`
	Volume      float64      `json:"volume"`
	Liquidity   float64      `json:"liquidity"`
	EndDate     string       `json:"end_date"`
	Status      MarketStatus `json:"status"`
	Category    string       `json:"category"`
	// TokenIDs holds the YES and NO outcome tokens for venues that trade
	// outcome tokens (Polymarket CLOB).
	TokenIDs [2]string `json:"token_ids"`
}

// MidPrice returns the bid/ask midpoint, falling back to the last yes price.
func (m MarketRecord) MidPrice() float64 {
	if m.BestBid > 0 && m.BestAsk > 0 {
		return (m.BestBid + m.BestAsk) / 2
	}
	return m.YesPrice
}

// Spread returns ask minus bid, and false when either side is missing.
func (m MarketRecord) Spread() (float64, bool) {
	if m.BestBid > 0 && m.BestAsk > 0 {
		return m.BestAsk - m.BestBid, true
	}
	return 0, false
}

// Key returns the private-state key "venue:id" used by signal generators.
func (m MarketRecord) Key() string {
	return MarketKey(m.Venue, m.ID)
}

// MarketKey builds the "venue:id" tracking key.
func MarketKey(v Venue, id string) string {
	return string(v) + ":" + id
}

// MatchedPair is the hypothesis that a Kalshi listing and a Polymarket listing
// denote the same real-world event.
type MatchedPair struct {
	Kalshi             MarketRecord `json:"kalshi"`
	Polymarket         MarketRecord `json:"polymarket"`
	NormalizedTitle    string       `json:"normalized_title"`
	TextSimilarity     float64      `json:"text_similarity"`
	SemanticSimilarity float64      `json:"semantic_similarity"`
	EndDateMatches     bool         `json:"end_date_matches"`
	// EndDateDiffDays is nil when either end date could not be parsed.
	EndDateDiffDays *int    `json:"end_date_diff_days"`
	CombinedScore   float64 `json:"combined_score"`
}

// Record returns the side of the pair listed on venue v.
func (p MatchedPair) Record(v Venue) MarketRecord {
	if v == VenueKalshi {
		return p.Kalshi
	}
	return p.Polymarket
}

// PairKey identifies the pair independent of direction.
func (p MatchedPair) PairKey() string {
	return p.Kalshi.ID + "|" + p.Polymarket.ID
}

// BookLevel is one price level of an order book on the 0-1 scale.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// Orderbook is a normalized YES-side order book snapshot.
type Orderbook struct {
	Venue    Venue       `json:"venue"`
	MarketID string      `json:"market_id"`
	Bids     []BookLevel `json:"bids"`
	Asks     []BookLevel `json:"asks"`
	At       time.Time   `json:"at"`
}

// BestBid returns the highest bid price, or 0.
func (o Orderbook) BestBid() float64 {
	var best float64
	for _, l := range o.Bids {
		if l.Price > best {
			best = l.Price
		}
	}
	return best
}

// BestAsk returns the lowest ask price, or 0.
func (o Orderbook) BestAsk() float64 {
	var best float64
	for _, l := range o.Asks {
		if best == 0 || l.Price < best {
			best = l.Price
		}
	}
	return best
}

// Mid returns the book midpoint, or whichever side exists.
func (o Orderbook) Mid() float64 {
	bid, ask := o.BestBid(), o.BestAsk()
	if bid > 0 && ask > 0 {
		return (bid + ask) / 2
	}
	if bid > 0 {
		return bid
	}
	return ask
}
