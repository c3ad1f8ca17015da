// Package pipeline supervises the long-running loops of the bot: market
// refresh, the strategy runner and the cron-driven maintenance jobs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Loop runs until ctx is done, doing its work every interval.
type Loop interface {
	Run(ctx context.Context, interval time.Duration) error
}

// Job is one cron-triggered unit of work.
type Job interface {
	Run(ctx context.Context) error
}

// Options configures the Orchestrator. A nil loop or job is not started.
type Options struct {
	Refresh         Loop
	RefreshInterval time.Duration
	Runner          Loop
	RunInterval     time.Duration
	Housekeeping    Job
	SweepCron       string
	Archive         Job
	ArchiveCron     string
}

// Orchestrator runs every configured loop under one errgroup.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(opts Options, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{opts: opts, logger: logger.With(slog.String("component", "orchestrator"))}
}

// Run blocks until ctx is cancelled or a loop fails. Cancellation returns
// nil; the first loop failure cancels the others and is returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.InfoContext(ctx, "orchestrator: starting",
		slog.Duration("refresh_interval", o.opts.RefreshInterval),
		slog.Duration("run_interval", o.opts.RunInterval),
		slog.String("sweep_cron", o.opts.SweepCron),
		slog.String("archive_cron", o.opts.ArchiveCron),
	)

	g, gctx := errgroup.WithContext(ctx)
	if o.opts.Refresh != nil {
		g.Go(o.supervise(gctx, "refresh", func(c context.Context) error {
			return o.opts.Refresh.Run(c, o.opts.RefreshInterval)
		}))
	}
	if o.opts.Runner != nil {
		g.Go(o.supervise(gctx, "runner", func(c context.Context) error {
			return o.opts.Runner.Run(c, o.opts.RunInterval)
		}))
	}
	if o.opts.Housekeeping != nil && o.opts.SweepCron != "" {
		g.Go(o.supervise(gctx, "housekeeping", func(c context.Context) error {
			return RunCron(c, o.opts.SweepCron, o.opts.Housekeeping.Run, o.logger)
		}))
	}
	if o.opts.Archive != nil && o.opts.ArchiveCron != "" {
		g.Go(o.supervise(gctx, "archive", func(c context.Context) error {
			return RunCron(c, o.opts.ArchiveCron, o.opts.Archive.Run, o.logger)
		}))
	}

	if err := g.Wait(); err != nil {
		o.logger.ErrorContext(ctx, "orchestrator: stopped with error", slog.String("error", err.Error()))
		return err
	}
	o.logger.InfoContext(ctx, "orchestrator: stopped cleanly")
	return nil
}

// supervise wraps a loop so that a shutdown-induced return is not an error.
func (o *Orchestrator) supervise(ctx context.Context, name string, fn func(context.Context) error) func() error {
	return func() error {
		o.logger.InfoContext(ctx, "orchestrator: loop started", slog.String("loop", name))
		err := fn(ctx)
		if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("%s: %w", name, err)
	}
}

// JobFunc adapts a function to the Job interface.
type JobFunc func(ctx context.Context) error

// Run calls f.
func (f JobFunc) Run(ctx context.Context) error { return f(ctx) }
