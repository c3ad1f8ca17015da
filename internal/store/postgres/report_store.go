package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/infomarkets/marketbot/internal/domain"
)

// ReportStore implements domain.ReportStore using PostgreSQL.
type ReportStore struct {
	pool *pgxpool.Pool
}

var _ domain.ReportStore = (*ReportStore)(nil)

// NewReportStore creates a new ReportStore backed by the given connection pool.
func NewReportStore(pool *pgxpool.Pool) *ReportStore {
	return &ReportStore{pool: pool}
}

// SaveCycle inserts one cycle and returns its id.
func (s *ReportStore) SaveCycle(ctx context.Context, stats domain.CycleStats) (int64, error) {
	byStrategy, err := json.Marshal(stats.ByStrategy)
	if err != nil {
		return 0, fmt.Errorf("postgres: encode cycle breakdown: %w", err)
	}
	const query = `
		INSERT INTO runner_cycles (
			started_at, duration_ms, signals, trades, successful, paper_trading, by_strategy
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	var id int64
	err = s.pool.QueryRow(ctx, query,
		stats.Timestamp, stats.DurationMs, stats.SignalCount, stats.TradeCount,
		stats.SuccessCount, stats.PaperMode, byStrategy,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert cycle: %w", err)
	}
	return id, nil
}

// tradeRow is the column projection of a TradeResult. The full result is
// kept as JSON so reads round-trip the complementary leg and signal.
type tradeRow struct {
	signalID    string
	strategy    string
	venue       string
	marketID    string
	side        string
	action      string
	quantity    int64
	price       float64
	success     bool
	orderID     *string
	filledPrice *float64
	filledQty   int64
	errMsg      *string
	executedAt  time.Time
	result      []byte
}

func newTradeRow(r domain.TradeResult) (tradeRow, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return tradeRow{}, err
	}
	row := tradeRow{
		signalID:    r.Trade.Signal.ID,
		strategy:    r.Trade.Signal.StrategyName,
		venue:       string(r.Trade.Venue),
		marketID:    r.Trade.MarketID,
		side:        r.Trade.Side,
		action:      string(r.Trade.Action),
		quantity:    r.Trade.Quantity,
		price:       r.Trade.Price,
		success:     r.Success,
		filledPrice: r.FilledPrice,
		filledQty:   r.FilledQuantity,
		executedAt:  r.Timestamp,
		result:      raw,
	}
	if r.OrderID != "" {
		row.orderID = &r.OrderID
	}
	if r.Error != "" {
		row.errMsg = &r.Error
	}
	return row, nil
}

// SaveTradeResults inserts the results of one cycle in a single batch.
func (s *ReportStore) SaveTradeResults(ctx context.Context, cycleID int64, results []domain.TradeResult) error {
	if len(results) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO trade_results (
			cycle_id, signal_id, strategy, venue, market_id,
			side, action, quantity, price,
			success, order_id, filled_price, filled_quantity,
			error, executed_at, result
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16
		)`

	for i, r := range results {
		row, err := newTradeRow(r)
		if err != nil {
			return fmt.Errorf("postgres: encode trade result %d: %w", i, err)
		}
		batch.Queue(query,
			cycleID, row.signalID, row.strategy, row.venue, row.marketID,
			row.side, row.action, row.quantity, row.price,
			row.success, row.orderID, row.filledPrice, row.filledQty,
			row.errMsg, row.executedAt, row.result,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := range results {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: insert trade result %d: %w", i, err)
		}
	}
	return nil
}

// ListCycles returns cycles started at or after since, newest first.
func (s *ReportStore) ListCycles(ctx context.Context, since time.Time, limit int) ([]domain.CycleRecord, error) {
	query := `SELECT id, started_at, duration_ms, signals, trades, successful, paper_trading, by_strategy
		FROM runner_cycles WHERE started_at >= $1 ORDER BY started_at DESC`
	args := []any{since}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cycles: %w", err)
	}
	defer rows.Close()

	var out []domain.CycleRecord
	for rows.Next() {
		var (
			rec        domain.CycleRecord
			byStrategy []byte
		)
		st := &rec.Stats
		if err := rows.Scan(&rec.ID, &st.Timestamp, &st.DurationMs, &st.SignalCount,
			&st.TradeCount, &st.SuccessCount, &st.PaperMode, &byStrategy); err != nil {
			return nil, fmt.Errorf("postgres: scan cycle: %w", err)
		}
		if err := json.Unmarshal(byStrategy, &st.ByStrategy); err != nil {
			return nil, fmt.Errorf("postgres: decode cycle %d breakdown: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListTradeResults returns results executed at or after since, newest first.
func (s *ReportStore) ListTradeResults(ctx context.Context, since time.Time, limit int) ([]domain.TradeResult, error) {
	query := `SELECT result FROM trade_results WHERE executed_at >= $1 ORDER BY executed_at DESC, id DESC`
	args := []any{since}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade results: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeResult
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres: scan trade result: %w", err)
		}
		var r domain.TradeResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("postgres: decode trade result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteCyclesBefore removes cycles (and their trade results) started
// before cutoff.
func (s *ReportStore) DeleteCyclesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM runner_cycles WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete cycles before: %w", err)
	}
	return tag.RowsAffected(), nil
}
