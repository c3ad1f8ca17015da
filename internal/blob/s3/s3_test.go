package s3blob

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infomarkets/marketbot/internal/config"
	"github.com/infomarkets/marketbot/internal/domain"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string]string
	puts    int
}

func (m *memBlobs) Put(_ context.Context, p string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string]string)
	}
	m.objects[p] = string(b)
	m.puts++
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, p string, data io.Reader, _ int64) error {
	return m.Put(ctx, p, data, "")
}

func (m *memBlobs) Exists(_ context.Context, p string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[p]
	return ok, nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	return out, nil
}

func TestArchiverUploadsOnce(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "runner_20260301.jsonl")
	require.NoError(t, os.WriteFile(local, []byte("{\"signals\":1}\n"), 0o644))

	blobs := &memBlobs{}
	a := NewArchiver(blobs, blobs, "/marketbot/", slog.New(slog.NewTextHandler(io.Discard, nil)))
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "marketbot/audit/2026/03/runner_20260301.jsonl", a.Key(local, day))

	uploaded, err := a.Archive(t.Context(), local, day)
	require.NoError(t, err)
	assert.True(t, uploaded)

	uploaded, err = a.Archive(t.Context(), local, day)
	require.NoError(t, err)
	assert.False(t, uploaded)
	assert.Equal(t, 1, blobs.puts)
	assert.Equal(t, "{\"signals\":1}\n", blobs.objects["marketbot/audit/2026/03/runner_20260301.jsonl"])

	listed, err := a.Archived(t.Context(), day)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestArchiverMissingFile(t *testing.T) {
	blobs := &memBlobs{}
	a := NewArchiver(blobs, blobs, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err := a.Archive(t.Context(), filepath.Join(t.TempDir(), "nope.jsonl"), time.Now())
	require.Error(t, err)
	assert.Zero(t, blobs.puts)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://s3.example.com", normaliseEndpoint("https://s3.example.com", false))
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.Defaults().S3)
	assert.Equal(t, "marketbot-data", cfg.Bucket)
	assert.True(t, cfg.ForcePathStyle)
}
