// Package sqlite implements the durable tier of the market cache on a single
// SQLite file using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/infomarkets/marketbot/internal/domain"
	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS cache (
    key         TEXT PRIMARY KEY,
    value       BLOB NOT NULL,
    written_at  INTEGER NOT NULL,
    ttl_seconds REAL NOT NULL,
    venue       TEXT NOT NULL,
    kind        TEXT NOT NULL,
    identifier  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_cache_venue_kind ON cache (venue, kind);

CREATE TABLE IF NOT EXISTS price_history (
    market_id TEXT NOT NULL,
    venue     TEXT NOT NULL,
    price     REAL NOT NULL,
    volume    REAL,
    ts        INTEGER NOT NULL,
    UNIQUE (market_id, venue, ts)
);

CREATE INDEX IF NOT EXISTS idx_price_history_lookup ON price_history (venue, market_id, ts);
`

// readPoolSize is the number of read-only connections kept beside the writer.
const readPoolSize = 4

// Store is a domain.CacheStore backed by SQLite. Timestamps are stored as
// Unix nanoseconds. Writes go through a single connection; reads use a
// separate read-only pool so they proceed under WAL while a write is in
// progress.
type Store struct {
	db *sql.DB
	ro *sql.DB
}

var _ domain.CacheStore = (*Store)(nil)

// Open opens (and creates if needed) the SQLite cache at path and applies the
// schema. Use ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: database path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create db directory: %w", err)
		}
	}

	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}

	// An in-memory database is private to its connection, so it is read
	// through the writer.
	if path == ":memory:" {
		return &Store{db: db, ro: db}, nil
	}
	ro, err := sql.Open("sqlite", "file:"+path+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: open read pool: %w", err)
	}
	ro.SetMaxOpenConns(readPoolSize)
	ro.SetMaxIdleConns(readPoolSize)
	ro.SetConnMaxLifetime(time.Hour)
	if err := ro.Ping(); err != nil {
		ro.Close()
		db.Close()
		return nil, fmt.Errorf("sqlite: ping read pool: %w", err)
	}
	return &Store{db: db, ro: ro}, nil
}

// Close releases both DB handles.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var errs []error
	if s.ro != nil && s.ro != s.db {
		errs = append(errs, s.ro.Close())
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

func (s *Store) Get(ctx context.Context, key string) (domain.CacheEntry, error) {
	var (
		e       domain.CacheEntry
		written int64
		ttl     float64
		venue   string
		kind    string
	)
	err := s.ro.QueryRowContext(ctx,
		`SELECT key, value, written_at, ttl_seconds, venue, kind, identifier FROM cache WHERE key = ?`, key,
	).Scan(&e.Key, &e.Value, &written, &ttl, &venue, &kind, &e.Identifier)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CacheEntry{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("sqlite: get %s: %w", key, err)
	}
	e.WrittenAt = time.Unix(0, written).UTC()
	e.TTL = time.Duration(ttl * float64(time.Second))
	e.Venue = domain.Venue(venue)
	e.Kind = domain.DataKind(kind)
	return e, nil
}

func (s *Store) Put(ctx context.Context, e domain.CacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache (key, value, written_at, ttl_seconds, venue, kind, identifier)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Key, e.Value, e.WrittenAt.UnixNano(), e.TTL.Seconds(), string(e.Venue), string(e.Kind), e.Identifier,
	)
	if err != nil {
		return fmt.Errorf("sqlite: put %s: %w", e.Key, err)
	}
	return nil
}

// Delete removes every entry matching f and returns the number removed.
func (s *Store) Delete(ctx context.Context, f domain.InvalidateFilter) (int64, error) {
	var (
		conds []string
		args  []any
	)
	if f.Venue != "" {
		conds = append(conds, "venue = ?")
		args = append(args, string(f.Venue))
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Identifier != "" {
		conds = append(conds, "identifier = ?")
		args = append(args, f.Identifier)
	}
	q := "DELETE FROM cache"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExpired removes entries whose TTL elapsed before now.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache WHERE written_at + CAST(ttl_seconds * 1000000000 AS INTEGER) < ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete expired: %w", err)
	}
	return res.RowsAffected()
}

// AppendPricePoint records a price observation. A second point with the same
// market, venue and timestamp is ignored.
func (s *Store) AppendPricePoint(ctx context.Context, venue domain.Venue, marketID string, p domain.PricePoint) error {
	var vol any
	if p.Volume != nil {
		vol = *p.Volume
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO price_history (market_id, venue, price, volume, ts) VALUES (?, ?, ?, ?, ?)`,
		marketID, string(venue), p.Price, vol, p.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append price %s:%s: %w", venue, marketID, err)
	}
	return nil
}

// PriceHistory returns the points recorded at or after since, oldest first.
func (s *Store) PriceHistory(ctx context.Context, venue domain.Venue, marketID string, since time.Time) ([]domain.PricePoint, error) {
	rows, err := s.ro.QueryContext(ctx,
		`SELECT price, volume, ts FROM price_history
		 WHERE venue = ? AND market_id = ? AND ts >= ?
		 ORDER BY ts ASC`,
		string(venue), marketID, since.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: price history %s:%s: %w", venue, marketID, err)
	}
	defer rows.Close()

	var out []domain.PricePoint
	for rows.Next() {
		var (
			p   domain.PricePoint
			vol sql.NullFloat64
			ts  int64
		)
		if err := rows.Scan(&p.Price, &vol, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: scan price point: %w", err)
		}
		if vol.Valid {
			v := vol.Float64
			p.Volume = &v
		}
		p.At = time.Unix(0, ts).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// PricesAt returns, per market on venue, the latest price recorded within
// tolerance of at.
func (s *Store) PricesAt(ctx context.Context, venue domain.Venue, at time.Time, tolerance time.Duration) (map[string]float64, error) {
	rows, err := s.ro.QueryContext(ctx,
		`SELECT market_id, price FROM price_history
		 WHERE venue = ? AND ts BETWEEN ? AND ?
		 ORDER BY ts ASC`,
		string(venue), at.Add(-tolerance).UnixNano(), at.Add(tolerance).UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: prices at: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var (
			id    string
			price float64
		)
		if err := rows.Scan(&id, &price); err != nil {
			return nil, fmt.Errorf("sqlite: scan price: %w", err)
		}
		out[id] = price
	}
	return out, rows.Err()
}

// DeletePriceHistoryBefore removes price points older than cutoff.
func (s *Store) DeletePriceHistoryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM price_history WHERE ts < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite: prune price history: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Stats(ctx context.Context) (domain.StoreStats, error) {
	st := domain.StoreStats{
		ByVenue: map[string]int64{},
		ByKind:  map[string]int64{},
	}
	if err := s.ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache`).Scan(&st.Entries); err != nil {
		return st, fmt.Errorf("sqlite: count cache: %w", err)
	}
	if err := s.ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM price_history`).Scan(&st.PriceHistoryRows); err != nil {
		return st, fmt.Errorf("sqlite: count price history: %w", err)
	}
	if err := s.groupCount(ctx, "venue", st.ByVenue); err != nil {
		return st, err
	}
	if err := s.groupCount(ctx, "kind", st.ByKind); err != nil {
		return st, err
	}
	return st, nil
}

func (s *Store) groupCount(ctx context.Context, column string, into map[string]int64) error {
	rows, err := s.ro.QueryContext(ctx, `SELECT `+column+`, COUNT(*) FROM cache GROUP BY `+column)
	if err != nil {
		return fmt.Errorf("sqlite: group by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k string
			n int64
		)
		if err := rows.Scan(&k, &n); err != nil {
			return fmt.Errorf("sqlite: scan group: %w", err)
		}
		into[k] = n
	}
	return rows.Err()
}

// Clear removes every cache entry and every price point.
func (s *Store) Clear(ctx context.Context) error {
	for _, table := range []string{"cache", "price_history"} {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("sqlite: clear %s: %w", table, err)
		}
	}
	return nil
}
