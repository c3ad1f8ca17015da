package polymarket

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/infomarkets/marketbot/internal/domain"
)

// Venue joins Gamma discovery with CLOB books so Polymarket can be
// refreshed like any other venue.
type Venue struct {
	Gamma *GammaClient
	Clob  *ClobClient
}

// NewVenue creates a Venue from its two clients.
func NewVenue(gamma *GammaClient, clob *ClobClient) *Venue {
	return &Venue{Gamma: gamma, Clob: clob}
}

// Venue identifies the exchange.
func (v *Venue) Venue() domain.Venue { return domain.VenuePolymarket }

// ListMarkets returns raw Gamma market payloads.
func (v *Venue) ListMarkets(ctx context.Context, limit int) ([]json.RawMessage, error) {
	return v.Gamma.ListMarkets(ctx, limit)
}

// GetOrderbook returns the YES token's book for m.
func (v *Venue) GetOrderbook(ctx context.Context, m domain.MarketRecord) (domain.Orderbook, error) {
	token := m.TokenIDs[0]
	if token == "" {
		return domain.Orderbook{}, fmt.Errorf("polymarket: market %s has no yes token: %w", m.ID, domain.ErrNotFound)
	}
	ob, err := v.Clob.GetBook(ctx, token)
	if err != nil {
		return domain.Orderbook{}, err
	}
	ob.MarketID = m.ID
	return ob, nil
}
