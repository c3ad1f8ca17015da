package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/infomarkets/marketbot/internal/cache"
)

// CacheStatser reports cache occupancy.
type CacheStatser interface {
	Stats(ctx context.Context) (cache.Stats, error)
}

// CacheHandler serves cache statistics.
type CacheHandler struct {
	cache  CacheStatser
	logger *slog.Logger
}

// NewCacheHandler creates a CacheHandler.
func NewCacheHandler(c CacheStatser, logger *slog.Logger) *CacheHandler {
	return &CacheHandler{cache: c, logger: logHandler(logger, "cache")}
}

// Stats handles GET /api/cache/stats.
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.cache.Stats(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "cache stats failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cache stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
