package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infomarkets/marketbot/internal/cache"
	"github.com/infomarkets/marketbot/internal/runner"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCronNext(t *testing.T) {
	base := time.Date(2026, 3, 4, 10, 7, 30, 0, time.UTC) // Wednesday
	tests := []struct {
		expr string
		want time.Time
	}{
		{"*/15 * * * *", time.Date(2026, 3, 4, 10, 15, 0, 0, time.UTC)},
		{"30 0 * * *", time.Date(2026, 3, 5, 0, 30, 0, 0, time.UTC)},
		{"0 9-17/4 * * *", time.Date(2026, 3, 4, 13, 0, 0, 0, time.UTC)},
		{"0,45 10 * * *", time.Date(2026, 3, 4, 10, 45, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"0 12 * * 0", time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)},
		{"@daily", time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)},
		{"0 12 * * 1-5", time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)},
		{"8 10 * * *", time.Date(2026, 3, 4, 10, 8, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s, err := ParseCron(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Next(base))
		})
	}
}

func TestCronInvalid(t *testing.T) {
	for _, expr := range []string{
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"*/0 * * * *",
		"5-1 * * * *",
		"a * * * *",
		"* * * 13 *",
	} {
		_, err := ParseCron(expr)
		assert.Error(t, err, expr)
	}
}

func TestCronNoMatch(t *testing.T) {
	s, err := ParseCron("0 0 31 2 *")
	require.NoError(t, err)
	assert.True(t, s.Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)).IsZero())

	err = RunCron(t.Context(), "0 0 31 2 *", func(context.Context) error { return nil }, testLogger())
	assert.ErrorContains(t, err, "never fires")
}

type blockingLoop struct {
	interval atomic.Int64
	started  chan struct{}
}

func (b *blockingLoop) Run(ctx context.Context, interval time.Duration) error {
	b.interval.Store(int64(interval))
	close(b.started)
	<-ctx.Done()
	return ctx.Err()
}

type failingLoop struct{}

func (failingLoop) Run(context.Context, time.Duration) error { return errors.New("venue down") }

func TestOrchestratorCleanShutdown(t *testing.T) {
	refresh := &blockingLoop{started: make(chan struct{})}
	run := &blockingLoop{started: make(chan struct{})}
	o := NewOrchestrator(Options{
		Refresh: refresh, RefreshInterval: 10 * time.Second,
		Runner: run, RunInterval: 30 * time.Second,
		Housekeeping: JobFunc(func(context.Context) error { return nil }), SweepCron: "*/15 * * * *",
	}, testLogger())

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	<-refresh.started
	<-run.started
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int64(10*time.Second), refresh.interval.Load())
	assert.Equal(t, int64(30*time.Second), run.interval.Load())
}

func TestOrchestratorPropagatesFailure(t *testing.T) {
	run := &blockingLoop{started: make(chan struct{})}
	o := NewOrchestrator(Options{Refresh: failingLoop{}, RefreshInterval: time.Second, Runner: run, RunInterval: time.Second}, testLogger())
	err := o.Run(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refresh: venue down")
}

func TestOrchestratorBadCron(t *testing.T) {
	o := NewOrchestrator(Options{
		Archive:     JobFunc(func(context.Context) error { return nil }),
		ArchiveCron: "not a cron",
	}, testLogger())
	err := o.Run(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive")
}

type stubSource []runner.AuditFile

func (s stubSource) Finished(time.Time) ([]runner.AuditFile, error) { return s, nil }

type stubUploader struct {
	seen map[string]bool
	fail string
}

func (u *stubUploader) Archive(_ context.Context, p string, _ time.Time) (bool, error) {
	if p == u.fail {
		return false, errors.New("upload failed")
	}
	if u.seen[p] {
		return false, nil
	}
	u.seen[p] = true
	return true, nil
}

func TestArchiverContinuesPastFailures(t *testing.T) {
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	src := stubSource{
		{Path: "a.jsonl", Day: day},
		{Path: "b.jsonl", Day: day.AddDate(0, 0, 1)},
		{Path: "c.jsonl", Day: day.AddDate(0, 0, 2)},
	}
	up := &stubUploader{seen: map[string]bool{"a.jsonl": true}, fail: "b.jsonl"}
	a := NewArchiver(src, up, testLogger())

	err := a.Run(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload failed")
	assert.True(t, up.seen["c.jsonl"])
}

type stubSweeper struct{ retention time.Duration }

func (s *stubSweeper) Sweep(_ context.Context, retention time.Duration) (cache.SweepResult, error) {
	s.retention = retention
	return cache.SweepResult{MemoryExpired: 2}, nil
}

type stubCleaner struct{ calls int }

func (c *stubCleaner) Cleanup() int {
	c.calls++
	return 1
}

func TestHousekeeper(t *testing.T) {
	sw := &stubSweeper{}
	cl := &stubCleaner{}
	h := NewHousekeeper(sw, cl, 7*24*time.Hour, testLogger())
	require.NoError(t, h.Run(t.Context()))
	assert.Equal(t, 7*24*time.Hour, sw.retention)
	assert.Equal(t, 1, cl.calls)

	require.NoError(t, NewHousekeeper(sw, nil, 0, testLogger()).Run(t.Context()))
}

type stubPruner struct {
	cutoff time.Time
	err    error
}

func (p *stubPruner) DeleteCyclesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	return 4, p.err
}

func TestHousekeeperPrunesReports(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	pr := &stubPruner{}
	h := NewHousekeeper(&stubSweeper{}, nil, 7*24*time.Hour, testLogger()).WithReports(pr)
	h.now = func() time.Time { return now }

	require.NoError(t, h.Run(t.Context()))
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), pr.cutoff)

	pr.err = errors.New("db down")
	err := h.Run(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prune reports")
}
