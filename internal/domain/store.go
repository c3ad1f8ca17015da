package domain

import (
	"context"
	"time"
)

// CycleRecord is a persisted runner cycle.
type CycleRecord struct {
	ID    int64
	Stats CycleStats
}

// ReportStore mirrors runner output into a queryable database for reporting.
// It is never read back by the runner itself.
type ReportStore interface {
	SaveCycle(ctx context.Context, stats CycleStats) (int64, error)
	SaveTradeResults(ctx context.Context, cycleID int64, results []TradeResult) error
	ListCycles(ctx context.Context, since time.Time, limit int) ([]CycleRecord, error)
	ListTradeResults(ctx context.Context, since time.Time, limit int) ([]TradeResult, error)
}
