package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/infomarkets/marketbot/internal/domain"
)

// MarketReader is the part of the market manager the API reads.
type MarketReader interface {
	GetAllMarkets(ctx context.Context, venue domain.Venue) []domain.MarketRecord
	GetMarket(ctx context.Context, venue domain.Venue, id string) (domain.MarketRecord, bool)
	MatchedMarkets() []domain.MatchedPair
}

// MarketHandler serves cached listings and the cross-venue match set.
type MarketHandler struct {
	markets MarketReader
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets MarketReader, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, logger: logHandler(logger, "market")}
}

// ListMarkets handles GET /api/markets?venue=.
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	venue := domain.Venue(r.URL.Query().Get("venue"))
	if venue != "" && !venue.Valid() {
		writeError(w, http.StatusBadRequest, "unknown venue "+string(venue))
		return
	}
	markets := h.markets.GetAllMarkets(r.Context(), venue)
	if markets == nil {
		markets = []domain.MarketRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(markets),
		"markets": markets,
	})
}

// GetMarket handles GET /api/markets/{venue}/{id}.
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	venue := domain.Venue(r.PathValue("venue"))
	if !venue.Valid() {
		writeError(w, http.StatusBadRequest, "unknown venue "+string(venue))
		return
	}
	id := r.PathValue("id")
	m, ok := h.markets.GetMarket(r.Context(), venue, id)
	if !ok {
		h.logger.DebugContext(r.Context(), "market not cached", slog.String("venue", string(venue)), slog.String("id", id))
		writeError(w, http.StatusNotFound, "market not found")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ListMatches handles GET /api/matches.
func (h *MarketHandler) ListMatches(w http.ResponseWriter, r *http.Request) {
	pairs := h.markets.MatchedMarkets()
	if pairs == nil {
		pairs = []domain.MatchedPair{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(pairs),
		"matches": pairs,
	})
}
