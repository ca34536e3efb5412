package storage

import (
	"context"
	"time"
)

// StatusStore holds the latest snapshot per device.
type StatusStore interface {
	// PutStatus overwrites the snapshot for rec.ID.
	PutStatus(ctx context.Context, rec StatusRecord) error

	// GetStatus returns ErrNotFound when the device never reported.
	GetStatus(ctx context.Context, id string) (StatusRecord, error)

	// ListStatus returns every snapshot, newest first.
	ListStatus(ctx context.Context) ([]StatusRecord, error)
}

// DeviceStore holds per-device monitoring documents.
type DeviceStore interface {
	// MergeDevice atomically applies patch, creating the record if needed,
	// and returns the merged result.
	MergeDevice(ctx context.Context, id string, patch DevicePatch) (DeviceRecord, error)

	GetDevice(ctx context.Context, id string) (DeviceRecord, error)
}

// HistoryStore is the append-only occupancy log.
type HistoryStore interface {
	// AppendHistory inserts rec unless a record with the same id exists.
	// created is false for a duplicate; the stored record is left untouched.
	AppendHistory(ctx context.Context, rec HistoryRecord) (created bool, err error)

	// QueryHistory returns matching records oldest first.
	QueryHistory(ctx context.Context, q HistoryQuery) ([]HistoryRecord, error)
}

// DailyUpdateFunc computes the next aggregate from the current one. cur is
// nil when no aggregate exists yet. Returning an error aborts the update.
type DailyUpdateFunc func(cur *DailyAggregate) (DailyAggregate, error)

// DailyStore holds per-day aggregates.
type DailyStore interface {
	GetDaily(ctx context.Context, id string) (DailyAggregate, error)

	// UpdateDaily runs fn as an atomic read-modify-write on aggregate id.
	// Concurrent callers on the same id never lose updates. fn may run more
	// than once and must not have side effects.
	UpdateDaily(ctx context.Context, id string, fn DailyUpdateFunc) (DailyAggregate, error)

	// PutDaily replaces an aggregate wholesale.
	PutDaily(ctx context.Context, agg DailyAggregate) error

	// QueryDaily returns matching aggregates ordered by date then device.
	QueryDaily(ctx context.Context, q DailyQuery) ([]DailyAggregate, error)
}

// Storage is implemented by every backend: memory (tests), badger (default)
// and postgres.
type Storage interface {
	StatusStore
	DeviceStore
	HistoryStore
	DailyStore

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage
	Close() error
}

// Stats provides storage health and usage info
type Stats struct {
	StatusRecords   uint64 `json:"status_records"`
	Devices         uint64 `json:"devices"`
	HistoryRecords  uint64 `json:"history_records"`
	DailyAggregates uint64 `json:"daily_aggregates"`

	// Storage size in bytes (estimated for memory)
	SizeBytes uint64 `json:"size_bytes"`

	OldestHistory time.Time `json:"oldest_history,omitempty"`
	NewestHistory time.Time `json:"newest_history,omitempty"`
}

// Observe folds one history timestamp into the oldest/newest bounds.
func (s *Stats) Observe(ts time.Time) {
	if s.OldestHistory.IsZero() || ts.Before(s.OldestHistory) {
		s.OldestHistory = ts
	}
	if s.NewestHistory.IsZero() || ts.After(s.NewestHistory) {
		s.NewestHistory = ts
	}
}
