// Package server exposes the bot's state over a read-only HTTP API and a
// websocket event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/infomarkets/marketbot/internal/server/handler"
	"github.com/infomarkets/marketbot/internal/server/middleware"
	"github.com/infomarkets/marketbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey enables authentication when non-empty.
	APIKey string
	// RateLimitRPS is the per-IP request rate; zero disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Handlers aggregates the route handlers. Hub may be nil.
type Handlers struct {
	Health  *handler.HealthHandler
	Markets *handler.MarketHandler
	Runner  *handler.RunnerHandler
	Cache   *handler.CacheHandler
	Reports *handler.ReportHandler
	Hub     *ws.Hub
}

// Server is the HTTP + websocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain: CORS, logging, rate limit, auth.
func NewServer(cfg Config, h Handlers, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.HandleFunc("GET /api/markets", h.Markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{venue}/{id}", h.Markets.GetMarket)
	mux.HandleFunc("GET /api/matches", h.Markets.ListMatches)
	mux.HandleFunc("GET /api/signals", h.Runner.ListSignals)
	mux.HandleFunc("GET /api/trades", h.Runner.ListTrades)
	mux.HandleFunc("GET /api/summary", h.Runner.Summary)
	mux.HandleFunc("GET /api/cache/stats", h.Cache.Stats)
	mux.HandleFunc("GET /api/cycles", h.Reports.ListCycles)
	mux.HandleFunc("GET /api/reports/trades", h.Reports.ListTrades)
	if h.Hub != nil {
		mux.HandleFunc("GET /ws", h.Hub.HandleWS)
	}

	var chain http.Handler = mux
	chain = middleware.Auth(cfg.APIKey, "/api/health")(chain)
	if cfg.RateLimitRPS > 0 {
		chain = middleware.RateLimit(middleware.NewIPLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst))(chain)
	}
	chain = middleware.Logging(logger)(chain)
	chain = middleware.CORS(cfg.CORSOrigins)(chain)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           chain,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is done, then shuts down gracefully within ten
// seconds.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "server: starting", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
