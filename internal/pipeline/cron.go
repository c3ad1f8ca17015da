package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// ParseCron parses a standard five-field cron expression (minute, hour,
// day-of-month, month, day-of-week) or a descriptor such as "@daily".
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("pipeline: cron %q: %w", expr, err)
	}
	return sched, nil
}

// RunCron calls job at every activation of expr until ctx is done. Job
// errors are logged and do not stop the schedule.
func RunCron(ctx context.Context, expr string, job func(context.Context) error, logger *slog.Logger) error {
	sched, err := ParseCron(expr)
	if err != nil {
		return err
	}
	for {
		next := sched.Next(time.Now())
		if next.IsZero() {
			return fmt.Errorf("pipeline: cron %q never fires", expr)
		}
		logger.DebugContext(ctx, "pipeline: waiting for cron trigger",
			slog.String("cron", expr),
			slog.Time("next_run", next),
		)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if err := job(ctx); err != nil {
				logger.ErrorContext(ctx, "pipeline: cron job failed",
					slog.String("cron", expr),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
