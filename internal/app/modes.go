package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/infomarkets/marketbot/internal/domain"
	"github.com/infomarkets/marketbot/internal/market"
	"github.com/infomarkets/marketbot/internal/pipeline"
	"github.com/infomarkets/marketbot/internal/server"
	"github.com/infomarkets/marketbot/internal/server/handler"
	"github.com/infomarkets/marketbot/internal/server/ws"
)

// RunMode refreshes markets, runs strategy cycles and the maintenance jobs,
// and serves the API until ctx is cancelled.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting run mode",
		slog.Any("strategies", deps.Runner.Strategies()),
	)

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)

	orch := pipeline.NewOrchestrator(a.pipelineOptions(deps), a.logger)
	g.Go(func() error {
		return orch.Run(ctx)
	})
	return g.Wait()
}

// onceResult is what once mode prints.
type onceResult struct {
	Refresh market.RefreshReport `json:"refresh"`
	Cycle   domain.CycleStats    `json:"cycle"`
}

// OnceMode refreshes every venue, runs exactly one strategy cycle, prints
// the result as JSON and returns.
func (a *App) OnceMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting once mode")

	res := onceResult{Refresh: deps.Markets.RefreshAll(ctx)}
	res.Cycle = deps.Runner.RunCycle(ctx)

	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("app: write cycle result: %w", err)
	}
	return nil
}

// MonitorMode keeps the market cache fresh and serves the API without
// running strategies.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)

	orch := pipeline.NewOrchestrator(a.pipelineOptions(deps), a.logger)
	g.Go(func() error {
		return orch.Run(ctx)
	})
	return g.Wait()
}

// pipelineOptions builds the orchestrator loops available in deps. Nil
// dependencies leave their loop out.
func (a *App) pipelineOptions(deps *Dependencies) pipeline.Options {
	var dedup pipeline.Cleaner
	if deps.Executor != nil {
		dedup = deps.Executor.Dedup()
	}
	hk := pipeline.NewHousekeeper(deps.Cache, dedup, a.cfg.Cache.HistoryRetention.Duration, a.logger)
	if pruner, ok := deps.Reports.(pipeline.ReportPruner); ok {
		hk.WithReports(pruner)
	}
	opts := pipeline.Options{
		Refresh:         deps.Markets,
		RefreshInterval: a.cfg.Data.RefreshInterval.Duration,
		Housekeeping:    hk,
		SweepCron:       a.cfg.Cache.SweepCron,
	}
	if deps.Runner != nil {
		opts.Runner = deps.Runner
		opts.RunInterval = a.cfg.Runner.Interval.Duration
		if deps.Archiver != nil {
			opts.Archive = pipeline.NewArchiver(deps.Runner.AuditLog(), deps.Archiver, a.logger)
			opts.ArchiveCron = a.cfg.Runner.ArchiveCron
		}
	}
	return opts
}

// startHTTPServer adds the API server and websocket hub to g when the server
// is enabled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		a.logger.InfoContext(ctx, "http server disabled")
		return
	}

	hub := ws.NewHub(deps.Bus, ws.Config{Mode: a.cfg.Mode, StartedAt: deps.StartedAt}, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	var runnerReader handler.RunnerReader
	if deps.Runner != nil {
		runnerReader = deps.Runner
	}
	srv := server.NewServer(server.Config{
		Port:           a.cfg.Server.Port,
		CORSOrigins:    a.cfg.Server.CORSOrigins,
		APIKey:         a.cfg.Server.ApiKey,
		RateLimitRPS:   a.cfg.Server.RateLimitRPS,
		RateLimitBurst: a.cfg.Server.RateLimitBurst,
	}, server.Handlers{
		Health:  handler.NewHealthHandler(a.cfg.Mode, deps.StartedAt),
		Markets: handler.NewMarketHandler(deps.Markets, a.logger),
		Runner:  handler.NewRunnerHandler(runnerReader),
		Cache:   handler.NewCacheHandler(deps.Cache, a.logger),
		Reports: handler.NewReportHandler(deps.Reports, a.logger),
		Hub:     hub,
	}, a.logger)
	g.Go(func() error {
		return srv.Run(ctx)
	})
}
