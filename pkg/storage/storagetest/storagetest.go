// Package storagetest holds a conformance suite every storage backend runs.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/availo/pkg/storage"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) storage.Storage

// Run executes the suite against backends built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("StatusOverwrite", func(t *testing.T) { testStatusOverwrite(t, newStore(t)) })
	t.Run("DeviceMerge", func(t *testing.T) { testDeviceMerge(t, newStore(t)) })
	t.Run("DeviceMergeConcurrent", func(t *testing.T) { testDeviceMergeConcurrent(t, newStore(t)) })
	t.Run("HistoryAppendAndQuery", func(t *testing.T) { testHistory(t, newStore(t)) })
	t.Run("DailyUpdate", func(t *testing.T) { testDailyUpdate(t, newStore(t)) })
	t.Run("DailyUpdateConcurrent", func(t *testing.T) { testDailyUpdateConcurrent(t, newStore(t)) })
	t.Run("DailyQuery", func(t *testing.T) { testDailyQuery(t, newStore(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newStore(t)) })
}

var base = time.Date(2025, 7, 31, 14, 0, 0, 0, time.UTC)

func fptr(v float64) *float64 { return &v }
func iptr(v int) *int         { return &v }
func sptr(v string) *string   { return &v }

func testStatusOverwrite(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.GetStatus(ctx, "d1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	first := storage.StatusRecord{ID: "d1", DeviceID: "d1", CurrentOccupancy: 3, MaxCapacity: 20, LastUpdated: base, BatteryLevel: iptr(70)}
	second := storage.StatusRecord{ID: "d1", DeviceID: "d1", CurrentOccupancy: 9, MaxCapacity: 20, LastUpdated: base.Add(time.Minute), SignalStrength: fptr(-80)}
	require.NoError(t, s.PutStatus(ctx, first))
	require.NoError(t, s.PutStatus(ctx, second))
	require.NoError(t, s.PutStatus(ctx, storage.StatusRecord{ID: "d2", DeviceID: "d2", LastUpdated: base}))

	got, err := s.GetStatus(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 9, got.CurrentOccupancy)
	assert.Nil(t, got.BatteryLevel, "overwrite must not merge old fields")
	assert.True(t, got.LastUpdated.Equal(second.LastUpdated))

	all, err := s.ListStatus(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "d1", all[0].ID, "newest first")
}

func testDeviceMerge(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()

	joined := base.Add(-time.Hour)
	_, err := s.MergeDevice(ctx, "d1", storage.DevicePatch{
		Status:       sptr(storage.DeviceJoined),
		LastJoin:     &joined,
		SessionKeyID: sptr("AXk="),
		DevAddr:      sptr("260B1234"),
	})
	require.NoError(t, err)

	rec, err := s.MergeDevice(ctx, "d1", storage.DevicePatch{
		VenueName:         sptr("Strathmore Study Area"),
		MaxCapacity:       iptr(20),
		Status:            sptr(storage.DeviceOnline),
		LastSeen:          &base,
		Telemetry:         &storage.DeviceTelemetry{SignalStrength: fptr(-87)},
		IncrementMessages: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "AXk=", rec.SessionKeyID, "merge keeps join fields")
	assert.Equal(t, storage.DeviceOnline, rec.Status)
	assert.Equal(t, int64(1), rec.TotalMessages)

	got, err := s.GetDevice(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "260B1234", got.DevAddr)
	assert.Equal(t, 20, got.MaxCapacity)
	require.NotNil(t, got.LastJoin)
	assert.True(t, got.LastJoin.Equal(joined))
	require.NotNil(t, got.SignalStrength)
	assert.Equal(t, -87.0, *got.SignalStrength)

	_, err = s.GetDevice(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testDeviceMergeConcurrent(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()

	const workers, each = 8, 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_, err := s.MergeDevice(ctx, "d1", storage.DevicePatch{IncrementMessages: 1})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetDevice(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(workers*each), got.TotalMessages)
}

func testHistory(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		for _, dev := range []string{"d1", "d2"} {
			ts := base.Add(time.Duration(i) * time.Minute)
			created, err := s.AppendHistory(ctx, storage.HistoryRecord{
				ID:               storage.HistoryID(ts, dev),
				Timestamp:        ts,
				DeviceID:         dev,
				CurrentOccupancy: i,
			})
			require.NoError(t, err)
			assert.True(t, created)
		}
	}

	dupTS := base.Add(2 * time.Minute)
	created, err := s.AppendHistory(ctx, storage.HistoryRecord{
		ID:               storage.HistoryID(dupTS, "d1"),
		Timestamp:        dupTS,
		DeviceID:         "d1",
		CurrentOccupancy: 99,
	})
	require.NoError(t, err)
	assert.False(t, created)

	all, err := s.QueryHistory(ctx, storage.HistoryQuery{DeviceID: "d1"})
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, rec := range all {
		assert.Equal(t, i, rec.CurrentOccupancy, "ordered oldest first and duplicate ignored")
	}

	window, err := s.QueryHistory(ctx, storage.HistoryQuery{
		DeviceID: "d2",
		Start:    base.Add(time.Minute),
		End:      base.Add(3 * time.Minute),
	})
	require.NoError(t, err)
	assert.Len(t, window, 3)

	limited, err := s.QueryHistory(ctx, storage.HistoryQuery{Limit: 4})
	require.NoError(t, err)
	assert.Len(t, limited, 4)
}

func testDailyUpdate(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()
	id := storage.DailyID("2025-07-31", "d1")

	_, err := s.GetDaily(ctx, id)
	require.ErrorIs(t, err, storage.ErrNotFound)

	agg, err := s.UpdateDaily(ctx, id, func(cur *storage.DailyAggregate) (storage.DailyAggregate, error) {
		assert.Nil(t, cur)
		return storage.DailyAggregate{
			Date:           "2025-07-31",
			DeviceID:       "d1",
			OccupancyStats: storage.OccupancyStats{TotalReadings: 1},
			UsagePatterns:  storage.UsagePatterns{BusyHours: []int{14}, QuietHours: []int{}, RushPeriods: []int{}},
			HourlyData:     map[string]storage.HourlyBucket{"14": {ReadingsCount: 1}},
			CreatedAt:      base,
			LastUpdated:    base,
		}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, id, agg.ID)

	boom := errors.New("boom")
	_, err = s.UpdateDaily(ctx, id, func(cur *storage.DailyAggregate) (storage.DailyAggregate, error) {
		require.NotNil(t, cur)
		cur.OccupancyStats.TotalReadings = 1000
		return *cur, boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.UpdateDaily(ctx, id, func(cur *storage.DailyAggregate) (storage.DailyAggregate, error) {
		require.NotNil(t, cur)
		next := *cur
		next.OccupancyStats.TotalReadings++
		next.UsagePatterns.BusyHours = append(next.UsagePatterns.BusyHours, 15)
		next.HourlyData["15"] = storage.HourlyBucket{ReadingsCount: 1}
		return next, nil
	})
	require.NoError(t, err)

	got, err := s.GetDaily(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.OccupancyStats.TotalReadings, "failed update left no trace")
	assert.Equal(t, []int{14, 15}, got.UsagePatterns.BusyHours)
	assert.Len(t, got.HourlyData, 2)
	assert.True(t, got.CreatedAt.Equal(base))
}

func testDailyUpdateConcurrent(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()
	id := storage.DailyID("2025-07-31", "d1")

	const workers, each = 8, 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_, err := s.UpdateDaily(ctx, id, func(cur *storage.DailyAggregate) (storage.DailyAggregate, error) {
					if cur == nil {
						return storage.DailyAggregate{Date: "2025-07-31", DeviceID: "d1", OccupancyStats: storage.OccupancyStats{TotalReadings: 1}}, nil
					}
					next := *cur
					next.OccupancyStats.TotalReadings++
					return next, nil
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetDaily(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, workers*each, got.OccupancyStats.TotalReadings, "no lost updates")
}

func testDailyQuery(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()

	for day := 1; day <= 5; day++ {
		for _, dev := range []string{"d1", "d2"} {
			date := fmt.Sprintf("2025-08-%02d", day)
			require.NoError(t, s.PutDaily(ctx, storage.DailyAggregate{
				ID:       storage.DailyID(date, dev),
				Date:     date,
				DeviceID: dev,
			}))
		}
	}

	got, err := s.QueryDaily(ctx, storage.DailyQuery{DeviceID: "d2", From: "2025-08-02", To: "2025-08-04"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "2025-08-02", got[0].Date)
	assert.Equal(t, "2025-08-04", got[2].Date)

	all, err := s.QueryDaily(ctx, storage.DailyQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 10)
}

func testStats(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.PutStatus(ctx, storage.StatusRecord{ID: "d1", LastUpdated: base}))
	_, err := s.MergeDevice(ctx, "d1", storage.DevicePatch{IncrementMessages: 1})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Hour)
		_, err := s.AppendHistory(ctx, storage.HistoryRecord{ID: storage.HistoryID(ts, "d1"), Timestamp: ts, DeviceID: "d1"})
		require.NoError(t, err)
	}
	require.NoError(t, s.PutDaily(ctx, storage.DailyAggregate{ID: "2025-07-31_d1", Date: "2025-07-31", DeviceID: "d1"}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.StatusRecords)
	assert.Equal(t, uint64(1), stats.Devices)
	assert.Equal(t, uint64(3), stats.HistoryRecords)
	assert.Equal(t, uint64(1), stats.DailyAggregates)
	assert.True(t, stats.OldestHistory.Equal(base))
	assert.True(t, stats.NewestHistory.Equal(base.Add(2*time.Hour)))
}
