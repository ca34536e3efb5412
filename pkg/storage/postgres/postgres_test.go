package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nicktill/availo/pkg/storage"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *Storage) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	return db, mock, New(db, zap.NewNop())
}

func mustJSON(t *testing.T, v interface{}) string {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func TestMigrate(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	for range Schema {
		mock.ExpectExec(`CREATE`).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPutStatus(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	ts := time.Date(2025, 7, 31, 14, 5, 0, 0, time.UTC)
	rec := storage.StatusRecord{ID: "d1", DeviceID: "d1", CurrentOccupancy: 5, LastUpdated: ts}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO lounge_status`)).
		WithArgs("d1", ts, mustJSON(t, rec)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.PutStatus(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetStatus_NotFound(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(selectStatus)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetStatus(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListStatus(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"doc"}).
		AddRow(mustJSON(t, storage.StatusRecord{ID: "b", CurrentOccupancy: 2})).
		AddRow(mustJSON(t, storage.StatusRecord{ID: "a", CurrentOccupancy: 1}))
	mock.ExpectQuery(regexp.QuoteMeta(listStatus)).WillReturnRows(rows)

	got, err := store.ListStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeDevice_LocksAndMerges(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	existing := storage.DeviceRecord{ID: "d1", Status: storage.DeviceJoined, SessionKeyID: "AXk=", TotalMessages: 4}
	online := storage.DeviceOnline
	want := existing
	want.Status = storage.DeviceOnline
	want.TotalMessages = 5

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(lockDocument)).
		WithArgs("devices/d1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(lockDevice)).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(mustJSON(t, existing)))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO devices`)).
		WithArgs("d1", mustJSON(t, want)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := store.MergeDevice(context.Background(), "d1", storage.DevicePatch{Status: &online, IncrementMessages: 1})
	require.NoError(t, err)
	assert.Equal(t, want, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeDevice_RollsBackOnError(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(lockDocument)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(lockDevice)).WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO devices`)).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := store.MergeDevice(context.Background(), "d1", storage.DevicePatch{IncrementMessages: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendHistory_Duplicate(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	ts := time.Date(2025, 7, 31, 14, 5, 0, 0, time.UTC)
	rec := storage.HistoryRecord{ID: storage.HistoryID(ts, "d1"), DeviceID: "d1", Timestamp: ts}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO occupancy_history`)).
		WithArgs(rec.ID, "d1", ts, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO occupancy_history`)).
		WithArgs(rec.ID, "d1", ts, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	created, err := store.AppendHistory(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = store.AppendHistory(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, created)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryHistory_BuildsFilters(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	start := time.Date(2025, 7, 31, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT doc FROM occupancy_history WHERE device_id = $1 AND ts >= $2 AND ts <= $3 ORDER BY ts, id LIMIT $4`)).
		WithArgs("d1", start, end, 10).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).
			AddRow(mustJSON(t, storage.HistoryRecord{ID: "1_d1", DeviceID: "d1"})))

	got, err := store.QueryHistory(context.Background(), storage.HistoryQuery{DeviceID: "d1", Start: start, End: end, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateDaily_SeedsWhenMissing(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	id := storage.DailyID("2025-07-31", "d1")
	seed := storage.DailyAggregate{ID: id, Date: "2025-07-31", DeviceID: "d1", OccupancyStats: storage.OccupancyStats{TotalReadings: 1}}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(lockDocument)).
		WithArgs("daily_analytics/" + id).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(lockDaily)).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO daily_analytics`)).
		WithArgs(id, "2025-07-31", "d1", mustJSON(t, seed)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := store.UpdateDaily(context.Background(), id, func(cur *storage.DailyAggregate) (storage.DailyAggregate, error) {
		assert.Nil(t, cur)
		return seed, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, got.OccupancyStats.TotalReadings)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateDaily_FuncErrorRollsBack(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	existing := storage.DailyAggregate{ID: "2025-07-31_d1", OccupancyStats: storage.OccupancyStats{TotalReadings: 3}}
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(lockDocument)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(lockDaily)).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(mustJSON(t, existing)))
	mock.ExpectRollback()

	_, err := store.UpdateDaily(context.Background(), existing.ID, func(cur *storage.DailyAggregate) (storage.DailyAggregate, error) {
		require.NotNil(t, cur)
		assert.Equal(t, 3, cur.OccupancyStats.TotalReadings)
		return storage.DailyAggregate{}, boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryDaily(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT doc FROM daily_analytics WHERE date >= $1 AND date <= $2 ORDER BY date, device_id`)).
		WithArgs("2025-07-01", "2025-07-31").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}))

	got, err := store.QueryDaily(context.Background(), storage.DailyQuery{From: "2025-07-01", To: "2025-07-31"})
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStats(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	oldest := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`pg_database_size`).
		WillReturnRows(sqlmock.NewRows([]string{"s", "d", "h", "a", "min", "max", "size"}).
			AddRow(1, 1, 240, 10, oldest, oldest.Add(time.Hour), 8192))

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(240), stats.HistoryRecords)
	assert.Equal(t, uint64(8192), stats.SizeBytes)
	assert.True(t, stats.OldestHistory.Equal(oldest))
	require.NoError(t, mock.ExpectationsWereMet())
}
