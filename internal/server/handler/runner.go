package handler

import (
	"net/http"

	"github.com/infomarkets/marketbot/internal/domain"
)

// RunnerReader is the part of the strategy runner the API reads.
type RunnerReader interface {
	RecentSignals(limit int) []domain.Signal
	RecentTrades(limit int) []domain.TradeResult
	PerformanceSummary() domain.PerformanceSummary
}

// RunnerHandler serves runner history. In monitor mode there is no runner
// and every endpoint answers 503.
type RunnerHandler struct {
	runner RunnerReader
}

// NewRunnerHandler creates a RunnerHandler. runner may be nil.
func NewRunnerHandler(runner RunnerReader) *RunnerHandler {
	return &RunnerHandler{runner: runner}
}

func (h *RunnerHandler) available(w http.ResponseWriter) bool {
	if h.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "strategy runner not active")
		return false
	}
	return true
}

// ListSignals handles GET /api/signals?limit=.
func (h *RunnerHandler) ListSignals(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signals": h.runner.RecentSignals(parseLimit(r))})
}

// ListTrades handles GET /api/trades?limit=.
func (h *RunnerHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": h.runner.RecentTrades(parseLimit(r))})
}

// Summary handles GET /api/summary.
func (h *RunnerHandler) Summary(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.runner.PerformanceSummary())
}
