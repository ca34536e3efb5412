package memory

import (
	"context"
	"sync"

	"github.com/nicktill/availo/pkg/storage"
)

// Storage keeps all collections in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	statusMu sync.RWMutex
	status   map[string]storage.StatusRecord

	devicesMu sync.RWMutex
	devices   map[string]storage.DeviceRecord

	historyMu sync.RWMutex
	history   map[string]storage.HistoryRecord

	dailyMu sync.RWMutex
	daily   map[string]storage.DailyAggregate
}

var _ storage.Storage = (*Storage)(nil)

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		status:  make(map[string]storage.StatusRecord),
		devices: make(map[string]storage.DeviceRecord),
		history: make(map[string]storage.HistoryRecord, 1024),
		daily:   make(map[string]storage.DailyAggregate),
	}
}

// PutStatus overwrites the snapshot for rec.ID.
func (s *Storage) PutStatus(ctx context.Context, rec storage.StatusRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	s.status[rec.ID] = rec
	return nil
}

// GetStatus returns the snapshot for id.
func (s *Storage) GetStatus(ctx context.Context, id string) (storage.StatusRecord, error) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()

	rec, ok := s.status[id]
	if !ok {
		return storage.StatusRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

// ListStatus returns every snapshot, newest first.
func (s *Storage) ListStatus(ctx context.Context) ([]storage.StatusRecord, error) {
	s.statusMu.RLock()
	out := make([]storage.StatusRecord, 0, len(s.status))
	for _, rec := range s.status {
		out = append(out, rec)
	}
	s.statusMu.RUnlock()

	storage.SortStatus(out)
	return out, nil
}

// MergeDevice applies patch under the devices lock.
func (s *Storage) MergeDevice(ctx context.Context, id string, patch storage.DevicePatch) (storage.DeviceRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.DeviceRecord{}, err
	}
	s.devicesMu.Lock()
	defer s.devicesMu.Unlock()

	rec, ok := s.devices[id]
	if !ok {
		rec = storage.DeviceRecord{ID: id}
	}
	patch.Apply(&rec)
	s.devices[id] = rec
	return rec, nil
}

// GetDevice returns the device document for id.
func (s *Storage) GetDevice(ctx context.Context, id string) (storage.DeviceRecord, error) {
	s.devicesMu.RLock()
	defer s.devicesMu.RUnlock()

	rec, ok := s.devices[id]
	if !ok {
		return storage.DeviceRecord{}, storage.ErrNotFound
	}
	return rec, nil
}

// AppendHistory stores rec unless its id is already present.
func (s *Storage) AppendHistory(ctx context.Context, rec storage.HistoryRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	if _, exists := s.history[rec.ID]; exists {
		return false, nil
	}
	s.history[rec.ID] = rec
	return true, nil
}

// QueryHistory returns matching records oldest first.
func (s *Storage) QueryHistory(ctx context.Context, q storage.HistoryQuery) ([]storage.HistoryRecord, error) {
	s.historyMu.RLock()
	var results []storage.HistoryRecord
	for _, rec := range s.history {
		if q.Matches(rec) {
			results = append(results, rec)
		}
	}
	s.historyMu.RUnlock()

	storage.SortHistory(results)
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// GetDaily returns the aggregate for id.
func (s *Storage) GetDaily(ctx context.Context, id string) (storage.DailyAggregate, error) {
	s.dailyMu.RLock()
	defer s.dailyMu.RUnlock()

	agg, ok := s.daily[id]
	if !ok {
		return storage.DailyAggregate{}, storage.ErrNotFound
	}
	return agg.Clone(), nil
}

// UpdateDaily runs fn while holding the aggregates lock.
func (s *Storage) UpdateDaily(ctx context.Context, id string, fn storage.DailyUpdateFunc) (storage.DailyAggregate, error) {
	if err := ctx.Err(); err != nil {
		return storage.DailyAggregate{}, err
	}
	s.dailyMu.Lock()
	defer s.dailyMu.Unlock()

	var cur *storage.DailyAggregate
	if existing, ok := s.daily[id]; ok {
		c := existing.Clone()
		cur = &c
	}

	next, err := fn(cur)
	if err != nil {
		return storage.DailyAggregate{}, err
	}
	next.ID = id
	s.daily[id] = next.Clone()
	return next, nil
}

// PutDaily replaces an aggregate.
func (s *Storage) PutDaily(ctx context.Context, agg storage.DailyAggregate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.dailyMu.Lock()
	defer s.dailyMu.Unlock()

	s.daily[agg.ID] = agg.Clone()
	return nil
}

// QueryDaily returns matching aggregates ordered by date then device.
func (s *Storage) QueryDaily(ctx context.Context, q storage.DailyQuery) ([]storage.DailyAggregate, error) {
	s.dailyMu.RLock()
	var results []storage.DailyAggregate
	for _, agg := range s.daily {
		if q.Matches(agg) {
			results = append(results, agg.Clone())
		}
	}
	s.dailyMu.RUnlock()

	storage.SortDaily(results)
	return results, nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}

	s.statusMu.RLock()
	stats.StatusRecords = uint64(len(s.status))
	s.statusMu.RUnlock()

	s.devicesMu.RLock()
	stats.Devices = uint64(len(s.devices))
	s.devicesMu.RUnlock()

	s.historyMu.RLock()
	stats.HistoryRecords = uint64(len(s.history))
	for _, rec := range s.history {
		stats.Observe(rec.Timestamp)
	}
	s.historyMu.RUnlock()

	s.dailyMu.RLock()
	stats.DailyAggregates = uint64(len(s.daily))
	s.dailyMu.RUnlock()

	// Rough size estimate (history ~400 bytes, aggregates ~2 KB)
	stats.SizeBytes = stats.HistoryRecords*400 + stats.DailyAggregates*2048 +
		(stats.StatusRecords+stats.Devices)*300

	return stats, nil
}
