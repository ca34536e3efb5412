// Package postgres stores Availo collections as JSONB documents in
// PostgreSQL, for deployments where several ingest instances share state.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nicktill/availo/pkg/storage"
)

// Schema creates the four collections. Every statement is idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS lounge_status (
		id           TEXT PRIMARY KEY,
		last_updated TIMESTAMPTZ NOT NULL,
		doc          JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id  TEXT PRIMARY KEY,
		doc JSONB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS occupancy_history (
		id        TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		ts        TIMESTAMPTZ NOT NULL,
		doc       JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS occupancy_history_device_ts ON occupancy_history (device_id, ts)`,
	`CREATE TABLE IF NOT EXISTS daily_analytics (
		id        TEXT PRIMARY KEY,
		date      TEXT NOT NULL,
		device_id TEXT NOT NULL,
		doc       JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS daily_analytics_date_device ON daily_analytics (date, device_id)`,
}

// Storage implements storage.Storage on a *sql.DB.
type Storage struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ storage.Storage = (*Storage)(nil)

// Config holds connection pool settings.
type Config struct {
	DSN      string
	MaxConns int
	MaxIdle  int
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Storage, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return New(db, logger), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB, logger *zap.Logger) *Storage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Storage{db: db, logger: logger}
}

// Migrate applies Schema.
func (s *Storage) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	s.logger.Info("postgres schema ready", zap.Int("statements", len(Schema)))
	return nil
}

const (
	upsertStatus  = `INSERT INTO lounge_status (id, last_updated, doc) VALUES ($1, $2, $3) ON CONFLICT (id) DO UPDATE SET last_updated = EXCLUDED.last_updated, doc = EXCLUDED.doc`
	selectStatus  = `SELECT doc FROM lounge_status WHERE id = $1`
	listStatus    = `SELECT doc FROM lounge_status ORDER BY last_updated DESC, id`
	lockDocument  = `SELECT pg_advisory_xact_lock(hashtext($1))`
	selectDevice  = `SELECT doc FROM devices WHERE id = $1`
	lockDevice    = `SELECT doc FROM devices WHERE id = $1 FOR UPDATE`
	upsertDevice  = `INSERT INTO devices (id, doc) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`
	insertHistory = `INSERT INTO occupancy_history (id, device_id, ts, doc) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`
	selectDaily   = `SELECT doc FROM daily_analytics WHERE id = $1`
	lockDaily     = `SELECT doc FROM daily_analytics WHERE id = $1 FOR UPDATE`
	upsertDaily   = `INSERT INTO daily_analytics (id, date, device_id, doc) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`
)

const selectCounts = `SELECT
	(SELECT count(*) FROM lounge_status),
	(SELECT count(*) FROM devices),
	(SELECT count(*) FROM occupancy_history),
	(SELECT count(*) FROM daily_analytics),
	(SELECT min(ts) FROM occupancy_history),
	(SELECT max(ts) FROM occupancy_history),
	pg_database_size(current_database())`

// PutStatus overwrites the snapshot for rec.ID.
func (s *Storage) PutStatus(ctx context.Context, rec storage.StatusRecord) error {
	doc, err := encode(rec)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, upsertStatus, rec.ID, rec.LastUpdated, doc); err != nil {
		return fmt.Errorf("put status %s: %w", rec.ID, err)
	}
	return nil
}

// GetStatus returns the snapshot for id.
func (s *Storage) GetStatus(ctx context.Context, id string) (storage.StatusRecord, error) {
	var rec storage.StatusRecord
	err := s.getDoc(ctx, s.db, selectStatus, id, &rec)
	return rec, err
}

// ListStatus returns every snapshot, newest first.
func (s *Storage) ListStatus(ctx context.Context) ([]storage.StatusRecord, error) {
	var out []storage.StatusRecord
	err := s.queryDocs(ctx, listStatus, nil, func(raw []byte) error {
		var rec storage.StatusRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// MergeDevice applies patch while holding an advisory lock on the device.
func (s *Storage) MergeDevice(ctx context.Context, id string, patch storage.DevicePatch) (storage.DeviceRecord, error) {
	var merged storage.DeviceRecord
	err := s.withLockedTx(ctx, storage.CollectionDevices+"/"+id, func(tx *sql.Tx) error {
		rec := storage.DeviceRecord{ID: id}
		if err := s.getDoc(ctx, tx, lockDevice, id, &rec); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		patch.Apply(&rec)

		doc, err := encode(rec)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, upsertDevice, id, doc); err != nil {
			return fmt.Errorf("upsert device %s: %w", id, err)
		}
		merged = rec
		return nil
	})
	return merged, err
}

// GetDevice returns the device document for id.
func (s *Storage) GetDevice(ctx context.Context, id string) (storage.DeviceRecord, error) {
	var rec storage.DeviceRecord
	err := s.getDoc(ctx, s.db, selectDevice, id, &rec)
	return rec, err
}

// AppendHistory inserts rec unless its id already exists.
func (s *Storage) AppendHistory(ctx context.Context, rec storage.HistoryRecord) (bool, error) {
	doc, err := encode(rec)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, insertHistory, rec.ID, rec.DeviceID, rec.Timestamp, doc)
	if err != nil {
		return false, fmt.Errorf("append history %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append history %s: %w", rec.ID, err)
	}
	return n == 1, nil
}

// QueryHistory returns matching records oldest first.
func (s *Storage) QueryHistory(ctx context.Context, q storage.HistoryQuery) ([]storage.HistoryRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.DeviceID != "" {
		args = append(args, q.DeviceID)
		where = append(where, fmt.Sprintf("device_id = $%d", len(args)))
	}
	if !q.Start.IsZero() {
		args = append(args, q.Start)
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if !q.End.IsZero() {
		args = append(args, q.End)
		where = append(where, fmt.Sprintf("ts <= $%d", len(args)))
	}

	query := "SELECT doc FROM occupancy_history"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts, id"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var out []storage.HistoryRecord
	err := s.queryDocs(ctx, query, args, func(raw []byte) error {
		var rec storage.HistoryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// GetDaily returns the aggregate for id.
func (s *Storage) GetDaily(ctx context.Context, id string) (storage.DailyAggregate, error) {
	var agg storage.DailyAggregate
	err := s.getDoc(ctx, s.db, selectDaily, id, &agg)
	return agg, err
}

// UpdateDaily runs fn while holding an advisory lock on id. The advisory
// lock also serializes the very first insert, which FOR UPDATE alone cannot.
func (s *Storage) UpdateDaily(ctx context.Context, id string, fn storage.DailyUpdateFunc) (storage.DailyAggregate, error) {
	var next storage.DailyAggregate
	err := s.withLockedTx(ctx, storage.CollectionDaily+"/"+id, func(tx *sql.Tx) error {
		var cur *storage.DailyAggregate
		var existing storage.DailyAggregate
		err := s.getDoc(ctx, tx, lockDaily, id, &existing)
		switch {
		case err == nil:
			cur = &existing
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		out, err := fn(cur)
		if err != nil {
			return err
		}
		out.ID = id
		if err := putDaily(ctx, tx, out); err != nil {
			return err
		}
		next = out
		return nil
	})
	return next, err
}

// PutDaily replaces an aggregate.
func (s *Storage) PutDaily(ctx context.Context, agg storage.DailyAggregate) error {
	return putDaily(ctx, s.db, agg)
}

// QueryDaily returns matching aggregates ordered by date then device.
func (s *Storage) QueryDaily(ctx context.Context, q storage.DailyQuery) ([]storage.DailyAggregate, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.DeviceID != "" {
		args = append(args, q.DeviceID)
		where = append(where, fmt.Sprintf("device_id = $%d", len(args)))
	}
	if q.From != "" {
		args = append(args, q.From)
		where = append(where, fmt.Sprintf("date >= $%d", len(args)))
	}
	if q.To != "" {
		args = append(args, q.To)
		where = append(where, fmt.Sprintf("date <= $%d", len(args)))
	}

	query := "SELECT doc FROM daily_analytics"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date, device_id"

	var out []storage.DailyAggregate
	err := s.queryDocs(ctx, query, args, func(raw []byte) error {
		var agg storage.DailyAggregate
		if err := json.Unmarshal(raw, &agg); err != nil {
			return err
		}
		out = append(out, agg)
		return nil
	})
	return out, err
}

// Stats returns row counts and the database size.
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	var (
		stats           storage.Stats
		oldest, newest  sql.NullTime
		status, devices int64
		history, daily  int64
		size            int64
	)
	err := s.db.QueryRowContext(ctx, selectCounts).Scan(&status, &devices, &history, &daily, &oldest, &newest, &size)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	stats.StatusRecords = uint64(status)
	stats.Devices = uint64(devices)
	stats.HistoryRecords = uint64(history)
	stats.DailyAggregates = uint64(daily)
	stats.SizeBytes = uint64(size)
	if oldest.Valid {
		stats.OldestHistory = oldest.Time
	}
	if newest.Valid {
		stats.NewestHistory = newest.Time
	}
	return &stats, nil
}

// Close closes the connection pool.
func (s *Storage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// withLockedTx runs fn in a transaction holding an advisory lock on key.
func (s *Storage) withLockedTx(ctx context.Context, key string, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("rollback failed", zap.String("key", key), zap.Error(rbErr))
			}
		}
	}()

	if _, err := tx.ExecContext(ctx, lockDocument, key); err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

func (s *Storage) getDoc(ctx context.Context, db queryRower, query, id string, v interface{}) error {
	var raw []byte
	err := db.QueryRowContext(ctx, query, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", id, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", id, err)
	}
	return nil
}

func (s *Storage) queryDocs(ctx context.Context, query string, args []interface{}, each func(raw []byte) error) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if err := each(raw); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
	}
	return rows.Err()
}

func putDaily(ctx context.Context, db execer, agg storage.DailyAggregate) error {
	doc, err := encode(agg)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, upsertDaily, agg.ID, agg.Date, agg.DeviceID, doc); err != nil {
		return fmt.Errorf("put daily %s: %w", agg.ID, err)
	}
	return nil
}

// encode marshals v as a string; lib/pq sends []byte as bytea, which
// JSONB columns reject.
func encode(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	return string(b), nil
}
