package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/infomarkets/marketbot/internal/domain"
)

// ReportReader is the read side of the Postgres report mirror.
type ReportReader interface {
	ListCycles(ctx context.Context, since time.Time, limit int) ([]domain.CycleRecord, error)
	ListTradeResults(ctx context.Context, since time.Time, limit int) ([]domain.TradeResult, error)
}

// ReportHandler serves persisted runner history. Without a report store every
// endpoint answers 503.
type ReportHandler struct {
	reports ReportReader
	now     func() time.Time
	logger  *slog.Logger
}

// NewReportHandler creates a ReportHandler. reports may be nil.
func NewReportHandler(reports ReportReader, logger *slog.Logger) *ReportHandler {
	return &ReportHandler{reports: reports, now: time.Now, logger: logHandler(logger, "report")}
}

type cycleJSON struct {
	ID int64 `json:"id"`
	domain.CycleStats
}

// ListCycles handles GET /api/cycles?since=&limit=. since is RFC 3339 and
// defaults to 24 hours ago.
func (h *ReportHandler) ListCycles(w http.ResponseWriter, r *http.Request) {
	since, ok := h.since(w, r)
	if !ok {
		return
	}
	recs, err := h.reports.ListCycles(r.Context(), since, parseLimit(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list cycles failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cycle history unavailable")
		return
	}
	out := make([]cycleJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, cycleJSON{ID: rec.ID, CycleStats: rec.Stats})
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": out, "count": len(out)})
}

// ListTrades handles GET /api/reports/trades?since=&limit=.
func (h *ReportHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	since, ok := h.since(w, r)
	if !ok {
		return
	}
	results, err := h.reports.ListTradeResults(r.Context(), since, parseLimit(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list trade results failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "trade history unavailable")
		return
	}
	if results == nil {
		results = []domain.TradeResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": results, "count": len(results)})
}

func (h *ReportHandler) since(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	if h.reports == nil {
		writeError(w, http.StatusServiceUnavailable, "report store not configured")
		return time.Time{}, false
	}
	v := r.URL.Query().Get("since")
	if v == "" {
		return h.now().Add(-24 * time.Hour), true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
		return time.Time{}, false
	}
	return t, true
}
