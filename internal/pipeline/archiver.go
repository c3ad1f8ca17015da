package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/infomarkets/marketbot/internal/runner"
)

// AuditSource lists finished daily audit logs.
type AuditSource interface {
	Finished(now time.Time) ([]runner.AuditFile, error)
}

// Uploader copies one local file to cold storage and reports whether an
// upload happened.
type Uploader interface {
	Archive(ctx context.Context, localPath string, day time.Time) (bool, error)
}

// Archiver uploads every finished audit log that is not yet in cold
// storage.
type Archiver struct {
	source   AuditSource
	uploader Uploader
	now      func() time.Time
	logger   *slog.Logger
}

// NewArchiver creates a new Archiver.
func NewArchiver(source AuditSource, uploader Uploader, logger *slog.Logger) *Archiver {
	return &Archiver{
		source:   source,
		uploader: uploader,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "archiver")),
	}
}

// Run executes a single archive pass. A failed upload does not stop the
// remaining files; all failures are returned joined.
func (a *Archiver) Run(ctx context.Context) error {
	files, err := a.source.Finished(a.now())
	if err != nil {
		return fmt.Errorf("archiver: list audit logs: %w", err)
	}
	var (
		uploaded int
		errs     []error
	)
	for _, f := range files {
		ok, err := a.uploader.Archive(ctx, f.Path, f.Day)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			uploaded++
		}
	}
	a.logger.InfoContext(ctx, "archiver: run complete",
		slog.Int("files", len(files)),
		slog.Int("uploaded", uploaded),
		slog.Int("failed", len(errs)),
	)
	return errors.Join(errs...)
}
