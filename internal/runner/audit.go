package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/infomarkets/marketbot/internal/domain"
)

const (
	auditPrefix = "runner_"
	auditSuffix = ".jsonl"
)

// AuditFileName returns the daily audit log name for t.
func AuditFileName(t time.Time) string {
	return auditPrefix + t.Format("20060102") + auditSuffix
}

// AuditLog appends one JSON line per cycle to a file per calendar day.
type AuditLog struct {
	dir string
	mu  sync.Mutex
}

// NewAuditLog creates an AuditLog rooted at dir. The directory is created on
// first write.
func NewAuditLog(dir string) *AuditLog {
	return &AuditLog{dir: dir}
}

// Dir returns the log directory.
func (a *AuditLog) Dir() string { return a.dir }

// Append writes stats to the file for its timestamp's date.
func (a *AuditLog) Append(stats domain.CycleStats) error {
	line, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("audit: create dir: %w", err)
	}
	path := filepath.Join(a.dir, AuditFileName(stats.Timestamp))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open %s: %w", path, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("audit: write %s: %w", path, err)
	}
	return f.Close()
}

// AuditFile is a daily log on disk.
type AuditFile struct {
	Path string
	Day  time.Time
}

// Finished lists the daily logs dated strictly before today's date at now,
// oldest first. Files that do not follow the naming scheme are ignored.
func (a *AuditLog) Finished(now time.Time) ([]AuditFile, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: read dir: %w", err)
	}
	today := now.Format("20060102")
	var out []AuditFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, auditPrefix) || !strings.HasSuffix(name, auditSuffix) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, auditPrefix), auditSuffix)
		day, err := time.ParseInLocation("20060102", stamp, now.Location())
		if err != nil || stamp >= today {
			continue
		}
		out = append(out, AuditFile{Path: filepath.Join(a.dir, name), Day: day})
	}
	slices.SortFunc(out, func(x, y AuditFile) int { return x.Day.Compare(y.Day) })
	return out, nil
}
