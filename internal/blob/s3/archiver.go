package s3blob

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/infomarkets/marketbot/internal/domain"
)

// multipartThreshold is the file size above which audit logs are uploaded
// in parts.
const multipartThreshold int64 = 16 * 1024 * 1024

// Archiver copies finished daily audit logs to object storage under
// <prefix>/audit/YYYY/MM/<file>. Local files are never removed.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	prefix string
	logger *slog.Logger
}

// NewArchiver creates an Archiver. prefix may be empty.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, prefix string, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer: writer,
		reader: reader,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With(slog.String("component", "audit_archiver")),
	}
}

// Key returns the object key for a local audit file dated day.
func (a *Archiver) Key(localPath string, day time.Time) string {
	return path.Join(a.prefix, "audit", day.Format("2006"), day.Format("01"), filepath.Base(localPath))
}

// Archive uploads localPath unless the object already exists. It reports
// whether an upload happened.
func (a *Archiver) Archive(ctx context.Context, localPath string, day time.Time) (bool, error) {
	key := a.Key(localPath, day)
	exists, err := a.reader.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("s3blob: archive %s: %w", key, err)
	}
	if exists {
		return false, nil
	}

	f, err := os.Open(localPath)
	if err != nil {
		return false, fmt.Errorf("s3blob: archive open %s: %w", localPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("s3blob: archive stat %s: %w", localPath, err)
	}

	if info.Size() > multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, f, minPartSize)
	} else {
		err = a.writer.Put(ctx, key, f, "application/x-ndjson")
	}
	if err != nil {
		return false, fmt.Errorf("s3blob: archive upload: %w", err)
	}
	a.logger.InfoContext(ctx, "audit_archiver: uploaded",
		slog.String("key", key),
		slog.Int64("bytes", info.Size()),
	)
	return true, nil
}

// Archived lists the audit objects stored for the month containing day.
func (a *Archiver) Archived(ctx context.Context, day time.Time) ([]domain.BlobInfo, error) {
	prefix := path.Join(a.prefix, "audit", day.Format("2006"), day.Format("01")) + "/"
	return a.reader.List(ctx, prefix)
}
