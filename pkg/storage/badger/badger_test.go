package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/availo/pkg/storage"
	"github.com/nicktill/availo/pkg/storage/storagetest"
)

func newInMemory(t *testing.T) *Storage {
	t.Helper()
	// Use in-memory mode for tests
	store, err := New(Config{InMemory: true, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return store
}

func TestBadgerStorage_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage { return newInMemory(t) })
}

func TestBadgerStorage_Persistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	ts := time.Date(2025, 7, 31, 14, 5, 0, 0, time.UTC)

	// Write to first instance
	{
		store, err := New(Config{Path: dir})
		require.NoError(t, err)

		require.NoError(t, store.PutStatus(ctx, storage.StatusRecord{ID: "d1", CurrentOccupancy: 7, LastUpdated: ts}))
		_, err = store.AppendHistory(ctx, storage.HistoryRecord{ID: storage.HistoryID(ts, "d1"), DeviceID: "d1", Timestamp: ts})
		require.NoError(t, err)
		require.NoError(t, store.Close())
	}

	// Reopen and read back
	store, err := New(Config{Path: dir})
	require.NoError(t, err)
	defer store.Close()

	rec, err := store.GetStatus(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 7, rec.CurrentOccupancy)

	hist, err := store.QueryHistory(ctx, storage.HistoryQuery{DeviceID: "d1"})
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.True(t, hist[0].Timestamp.Equal(ts))
}

func TestHistoryKey_RoundTrip(t *testing.T) {
	ts := time.Date(2025, 7, 31, 14, 5, 0, 123_000_000, time.UTC)

	device, got, ok := parseHistoryKey(historyKey("strathmore-sensor1", ts))
	require.True(t, ok)
	assert.Equal(t, "strathmore-sensor1", device)
	assert.True(t, got.Equal(ts))

	_, _, ok = parseHistoryKey([]byte("status/x"))
	assert.False(t, ok)
}

func TestHistoryKey_SortsByTime(t *testing.T) {
	early := historyKey("d1", time.UnixMilli(1_000))
	late := historyKey("d1", time.UnixMilli(1_000_000_000_000))
	assert.Less(t, string(early), string(late))
}

func TestBadgerStorage_CancelledContext(t *testing.T) {
	store := newInMemory(t)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.QueryHistory(ctx, storage.HistoryQuery{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBadgerStorage_RunGC(t *testing.T) {
	store, err := New(Config{Path: t.TempDir()})
	require.NoError(t, err)
	defer store.Close()

	// Nothing to rewrite on a fresh store; that is not an error.
	assert.NoError(t, store.RunGC(0.5))
}

func TestBadgerStorage_WriteOutlivesCancellation(t *testing.T) {
	store := newInMemory(t)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	rec := storage.HistoryRecord{
		ID:        storage.HistoryID(time.Date(2025, 7, 31, 14, 0, 0, 0, time.UTC), "strathmore-sensor1"),
		Timestamp: time.Date(2025, 7, 31, 14, 0, 0, 0, time.UTC),
		DeviceID:  "strathmore-sensor1",
		Date:      "2025-07-31",
	}

	var created bool
	err := store.write(ctx, "append history", func() error {
		// The caller gives up while the write is in flight.
		cancel()
		var err error
		created, err = store.AppendHistory(context.Background(), rec)
		return err
	})
	require.NoError(t, err, "a write that committed must not report failure")
	assert.True(t, created)

	_, err = store.AppendHistory(ctx, rec)
	require.ErrorIs(t, err, context.Canceled)

	again, err := store.AppendHistory(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, again)
}
