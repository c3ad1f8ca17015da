package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryPatternDelivery(t *testing.T) {
	b := NewMemory(testLogger())
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	all, err := b.Subscribe(ctx, "marketbot:*")
	require.NoError(t, err)
	trades, err := b.Subscribe(ctx, "marketbot:trades")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "marketbot:signals", []byte("s1")))
	require.NoError(t, b.Publish(ctx, "marketbot:trades", []byte("t1")))

	assert.Equal(t, []byte("s1"), <-all)
	assert.Equal(t, []byte("t1"), <-all)
	assert.Equal(t, []byte("t1"), <-trades)
	select {
	case msg := <-trades:
		t.Fatalf("unexpected message %q", msg)
	default:
	}
}

func TestMemorySubscriptionClosesOnCancel(t *testing.T) {
	b := NewMemory(testLogger())
	ctx, cancel := context.WithCancel(t.Context())
	ch, err := b.Subscribe(ctx, "x")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription channel not closed")
	}
	assert.NoError(t, b.Publish(t.Context(), "x", []byte("late")))
}

func TestMemoryDropsWhenFull(t *testing.T) {
	b := NewMemory(testLogger())
	ch, err := b.Subscribe(t.Context(), "x")
	require.NoError(t, err)
	for range 200 {
		require.NoError(t, b.Publish(t.Context(), "x", []byte("m")))
	}
	assert.Len(t, ch, 128)
}

func TestMemoryRejectsBadPattern(t *testing.T) {
	b := NewMemory(testLogger())
	_, err := b.Subscribe(t.Context(), "marketbot:[")
	assert.Error(t, err)
}

func TestMemoryClose(t *testing.T) {
	b := NewMemory(testLogger())
	ch, err := b.Subscribe(t.Context(), "x")
	require.NoError(t, err)
	require.NoError(t, b.Close())

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription channel not closed")
	}
	assert.Error(t, b.Publish(t.Context(), "x", []byte("late")))
}
