package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infomarkets/marketbot/internal/bus"
	"github.com/infomarkets/marketbot/internal/cache"
	"github.com/infomarkets/marketbot/internal/domain"
	"github.com/infomarkets/marketbot/internal/server/handler"
	"github.com/infomarkets/marketbot/internal/server/ws"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMarkets struct{}

func (fakeMarkets) GetAllMarkets(_ context.Context, venue domain.Venue) []domain.MarketRecord {
	all := []domain.MarketRecord{
		{ID: "K1", Venue: domain.VenueKalshi, Title: "Fed cut in March"},
		{ID: "P1", Venue: domain.VenuePolymarket, Title: "Fed cut in March"},
	}
	if venue == "" {
		return all
	}
	var out []domain.MarketRecord
	for _, m := range all {
		if m.Venue == venue {
			out = append(out, m)
		}
	}
	return out
}

func (fakeMarkets) GetMarket(_ context.Context, venue domain.Venue, id string) (domain.MarketRecord, bool) {
	if venue == domain.VenueKalshi && id == "K1" {
		return domain.MarketRecord{ID: "K1", Venue: domain.VenueKalshi}, true
	}
	return domain.MarketRecord{}, false
}

func (fakeMarkets) MatchedMarkets() []domain.MatchedPair { return nil }

type fakeRunner struct{}

func (fakeRunner) RecentSignals(limit int) []domain.Signal {
	out := make([]domain.Signal, 0, limit)
	for range min(limit, 3) {
		out = append(out, domain.Signal{StrategyName: "momentum"})
	}
	return out
}

func (fakeRunner) RecentTrades(int) []domain.TradeResult { return []domain.TradeResult{} }

func (fakeRunner) PerformanceSummary() domain.PerformanceSummary {
	return domain.PerformanceSummary{PaperTrading: true, TotalTrades: 4}
}

type fakeCache struct{ err error }

func (f fakeCache) Stats(context.Context) (cache.Stats, error) {
	return cache.Stats{MemoryEntries: 7}, f.err
}

type fakeReports struct {
	since time.Time
	limit int
	err   error
}

func (f *fakeReports) ListCycles(_ context.Context, since time.Time, limit int) ([]domain.CycleRecord, error) {
	f.since, f.limit = since, limit
	if f.err != nil {
		return nil, f.err
	}
	return []domain.CycleRecord{{ID: 9, Stats: domain.CycleStats{SignalCount: 3, PaperMode: true}}}, nil
}

func (f *fakeReports) ListTradeResults(_ context.Context, since time.Time, limit int) ([]domain.TradeResult, error) {
	f.since, f.limit = since, limit
	return nil, f.err
}

func newTestServer(cfg Config, runner handler.RunnerReader, hub *ws.Hub, c fakeCache) *Server {
	return newTestServerWithReports(cfg, runner, hub, c, nil)
}

func newTestServerWithReports(cfg Config, runner handler.RunnerReader, hub *ws.Hub, c fakeCache, reports handler.ReportReader) *Server {
	logger := testLogger()
	return NewServer(cfg, Handlers{
		Health:  handler.NewHealthHandler("run", time.Now()),
		Markets: handler.NewMarketHandler(fakeMarkets{}, logger),
		Runner:  handler.NewRunnerHandler(runner),
		Cache:   handler.NewCacheHandler(c, logger),
		Reports: handler.NewReportHandler(reports, logger),
		Hub:     hub,
	}, logger)
}

func do(t *testing.T, h http.Handler, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestEndpoints(t *testing.T) {
	h := newTestServer(Config{}, fakeRunner{}, nil, fakeCache{}).Handler()

	rec := do(t, h, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	rec = do(t, h, http.MethodGet, "/api/markets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["count"])

	rec = do(t, h, http.MethodGet, "/api/markets?venue=polymarket", nil)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = do(t, h, http.MethodGet, "/api/markets?venue=betfair", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/markets/kalshi/K1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "K1", decode(t, rec)["id"])

	rec = do(t, h, http.MethodGet, "/api/markets/kalshi/NOPE", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/matches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, decode(t, rec)["matches"])

	rec = do(t, h, http.MethodGet, "/api/signals?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["signals"], 2)

	rec = do(t, h, http.MethodGet, "/api/trades", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(4), decode(t, rec)["total_trades"])

	rec = do(t, h, http.MethodGet, "/api/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(7), decode(t, rec)["memory_entries"])

	rec = do(t, h, http.MethodPost, "/api/summary", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRunnerEndpointsWithoutRunner(t *testing.T) {
	h := newTestServer(Config{}, nil, nil, fakeCache{}).Handler()
	for _, path := range []string{"/api/signals", "/api/trades", "/api/summary"} {
		assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, path, nil).Code, path)
	}
}

func TestReportEndpoints(t *testing.T) {
	reports := &fakeReports{}
	h := newTestServerWithReports(Config{}, nil, nil, fakeCache{}, reports).Handler()

	rec := do(t, h, http.MethodGet, "/api/cycles?since=2026-03-01T00:00:00Z&limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["count"])
	cycle := body["cycles"].([]any)[0].(map[string]any)
	assert.Equal(t, float64(9), cycle["id"])
	assert.Equal(t, float64(3), cycle["signals"])
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), reports.since.UTC())
	assert.Equal(t, 5, reports.limit)

	rec = do(t, h, http.MethodGet, "/api/reports/trades", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, decode(t, rec)["trades"])
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), reports.since, time.Minute)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/cycles?since=yesterday", nil).Code)

	reports.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodGet, "/api/cycles", nil).Code)
}

func TestReportEndpointsWithoutStore(t *testing.T) {
	h := newTestServer(Config{}, fakeRunner{}, nil, fakeCache{}).Handler()
	for _, path := range []string{"/api/cycles", "/api/reports/trades"} {
		assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, path, nil).Code, path)
	}
}

func TestCacheStatsError(t *testing.T) {
	h := newTestServer(Config{}, nil, nil, fakeCache{err: errors.New("disk")}).Handler()
	assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodGet, "/api/cache/stats", nil).Code)
}

func TestAuth(t *testing.T) {
	h := newTestServer(Config{APIKey: "secret"}, fakeRunner{}, nil, fakeCache{}).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/summary", nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		do(t, h, http.MethodGet, "/api/summary", map[string]string{"Authorization": "Bearer wrong"}).Code)
	assert.Equal(t, http.StatusOK,
		do(t, h, http.MethodGet, "/api/summary", map[string]string{"Authorization": "Bearer secret"}).Code)
	assert.Equal(t, http.StatusOK,
		do(t, h, http.MethodGet, "/api/summary", map[string]string{"X-API-Key": "secret"}).Code)
}

func TestCORS(t *testing.T) {
	h := newTestServer(Config{CORSOrigins: []string{"http://localhost:3000"}}, fakeRunner{}, nil, fakeCache{}).Handler()

	rec := do(t, h, http.MethodOptions, "/api/summary", map[string]string{"Origin": "http://localhost:3000"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(t, h, http.MethodGet, "/api/health", map[string]string{"Origin": "http://evil.example"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	h := newTestServer(Config{RateLimitRPS: 0.001, RateLimitBurst: 2}, fakeRunner{}, nil, fakeCache{}).Handler()
	ip := map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/health", ip).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/health", ip).Code)
	rec := do(t, h, http.MethodGet, "/api/health", ip)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	other := map[string]string{"X-Real-IP": "10.0.0.9"}
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/health", other).Code)
}

func TestWebsocketRelaysBusEvents(t *testing.T) {
	b := bus.NewMemory(testLogger())
	hub := ws.NewHub(b, ws.Config{Mode: "run"}, testLogger())
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(newTestServer(Config{}, fakeRunner{}, hub, fakeCache{}).Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var status map[string]any
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, "status", status["type"])

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "unsubscribe", "channels": []string{domain.ChannelPrices}}))

	ev, err := domain.NewEvent("trade", map[string]any{"order_id": "PAPER-1"})
	require.NoError(t, err)
	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	// Subscriptions are set up asynchronously; publish until a frame arrives.
	got := make(chan ws.Message, 1)
	go func() {
		var msg ws.Message
		if conn.ReadJSON(&msg) == nil {
			got <- msg
		}
	}()
	require.Eventually(t, func() bool {
		_ = b.Publish(ctx, domain.ChannelTrades, raw)
		return len(got) > 0
	}, 2*time.Second, 20*time.Millisecond)
	msg := <-got

	assert.Equal(t, domain.ChannelTrades, msg.Channel)
	var back domain.Event
	require.NoError(t, json.Unmarshal(msg.Event, &back))
	assert.Equal(t, "trade", back.Type)
	assert.Equal(t, 1, hub.ClientCount())
}
