package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/infomarkets/marketbot/internal/cache"
)

// Sweeper drops expired cache entries and old price history.
type Sweeper interface {
	Sweep(ctx context.Context, retention time.Duration) (cache.SweepResult, error)
}

// Cleaner forgets expired keys and reports how many it dropped.
type Cleaner interface {
	Cleanup() int
}

// ReportPruner deletes persisted runner cycles older than cutoff.
type ReportPruner interface {
	DeleteCyclesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Housekeeper sweeps the market cache, the executor's dedup window and,
// when configured, the report store.
type Housekeeper struct {
	cache     Sweeper
	dedup     Cleaner
	reports   ReportPruner
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewHousekeeper creates a Housekeeper. dedup may be nil.
func NewHousekeeper(c Sweeper, dedup Cleaner, retention time.Duration, logger *slog.Logger) *Housekeeper {
	return &Housekeeper{
		cache:     c,
		dedup:     dedup,
		retention: retention,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "housekeeping")),
	}
}

// WithReports makes every run also delete report cycles older than the
// retention window.
func (h *Housekeeper) WithReports(p ReportPruner) *Housekeeper {
	h.reports = p
	return h
}

// Run performs one sweep.
func (h *Housekeeper) Run(ctx context.Context) error {
	res, err := h.cache.Sweep(ctx, h.retention)
	if err != nil {
		return fmt.Errorf("housekeeping: %w", err)
	}
	var dropped int
	if h.dedup != nil {
		dropped = h.dedup.Cleanup()
	}
	var cycles int64
	if h.reports != nil {
		cycles, err = h.reports.DeleteCyclesBefore(ctx, h.now().Add(-h.retention))
		if err != nil {
			return fmt.Errorf("housekeeping: prune reports: %w", err)
		}
	}
	h.logger.InfoContext(ctx, "housekeeping: sweep complete",
		slog.Int("memory_expired", res.MemoryExpired),
		slog.Int64("store_expired", res.StoreExpired),
		slog.Int64("history_pruned", res.HistoryPruned),
		slog.Int("dedup_dropped", dropped),
		slog.Int64("cycles_pruned", cycles),
	)
	return nil
}
