package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/nicktill/availo/pkg/storage"
)

// Key layout:
//
//	status/{device_id}
//	device/{device_id}
//	history/{device_id}/{epoch_millis as 8 big-endian bytes}
//	daily/{date}_{device_id}
//
// History keys sort by time within a device; daily keys sort by date.
const (
	prefixStatus  = "status/"
	prefixDevice  = "device/"
	prefixHistory = "history/"
	prefixDaily   = "daily/"
)

// maxConflictRetries bounds optimistic transaction retries on ErrConflict.
const maxConflictRetries = 16

// slowQueryThreshold is the scan duration above which a query is logged.
const slowQueryThreshold = 5 * time.Second

// Storage implements storage.Storage using BadgerDB (LSM tree)
type Storage struct {
	db     *badger.DB
	logger *zap.Logger
}

var _ storage.Storage = (*Storage)(nil)

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	MaxMemoryMB int64

	// Logger receives badger's own warnings and slow query reports (nil = discard)
	Logger *zap.Logger
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(cfg.Path).WithLogger(badgerLogger{logger.Sugar()})

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// BadgerDB defaults: 64 MB memtable, 5 x 64 MB = 320 MB total.
	// We stay around 48 MB for a single small gateway deployment.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3 // ~33% for memtable
	}

	// Block and index caches are unbounded unless set explicitly.
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		// Aggregates are ~2 KB JSON; keep documents in the LSM.
		WithValueThreshold(4096).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db, logger: logger}, nil
}

// run executes op in a goroutine so a cancelled context returns promptly
// even when badger is blocked on disk.
func (s *Storage) run(ctx context.Context, name string, op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- op() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s operation cancelled: %w", name, ctx.Err())
	}
}

// write runs a mutating op to completion. Unlike run it never abandons op
// on cancellation, so an error always means nothing was committed and a
// caller that retries cannot find its own earlier write.
func (s *Storage) write(ctx context.Context, name string, op func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s operation cancelled: %w", name, err)
	}
	return op()
}

// update runs fn in a read-write transaction, retrying on ErrConflict.
func (s *Storage) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("transaction retries exhausted: %w", err)
}

// PutStatus overwrites the snapshot for rec.ID.
func (s *Storage) PutStatus(ctx context.Context, rec storage.StatusRecord) error {
	return s.write(ctx, "put status", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			return setJSON(txn, statusKey(rec.ID), rec)
		})
	})
}

// GetStatus returns the snapshot for id.
func (s *Storage) GetStatus(ctx context.Context, id string) (storage.StatusRecord, error) {
	var rec storage.StatusRecord
	err := s.run(ctx, "get status", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return getJSON(txn, statusKey(id), &rec)
		})
	})
	return rec, err
}

// ListStatus returns every snapshot, newest first.
func (s *Storage) ListStatus(ctx context.Context) ([]storage.StatusRecord, error) {
	var out []storage.StatusRecord
	err := s.run(ctx, "list status", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return scanPrefix(ctx, txn, []byte(prefixStatus), func(item *badger.Item) (bool, error) {
				var rec storage.StatusRecord
				if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
					return false, fmt.Errorf("failed to decode status: %w", err)
				}
				out = append(out, rec)
				return true, nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	storage.SortStatus(out)
	return out, nil
}

// MergeDevice applies patch in a serializable transaction.
func (s *Storage) MergeDevice(ctx context.Context, id string, patch storage.DevicePatch) (storage.DeviceRecord, error) {
	var merged storage.DeviceRecord
	err := s.write(ctx, "merge device", func() error {
		return s.update(ctx, func(txn *badger.Txn) error {
			rec := storage.DeviceRecord{ID: id}
			if err := getJSON(txn, deviceKey(id), &rec); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			patch.Apply(&rec)
			merged = rec
			return setJSON(txn, deviceKey(id), rec)
		})
	})
	return merged, err
}

// GetDevice returns the device document for id.
func (s *Storage) GetDevice(ctx context.Context, id string) (storage.DeviceRecord, error) {
	var rec storage.DeviceRecord
	err := s.run(ctx, "get device", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return getJSON(txn, deviceKey(id), &rec)
		})
	})
	return rec, err
}

// AppendHistory stores rec unless its key already exists.
func (s *Storage) AppendHistory(ctx context.Context, rec storage.HistoryRecord) (bool, error) {
	var created bool
	err := s.write(ctx, "append history", func() error {
		return s.update(ctx, func(txn *badger.Txn) error {
			key := historyKey(rec.DeviceID, rec.Timestamp)
			_, err := txn.Get(key)
			switch {
			case err == nil:
				created = false
				return nil
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
			created = true
			return setJSON(txn, key, rec)
		})
	})
	return created, err
}

// QueryHistory returns matching records oldest first.
func (s *Storage) QueryHistory(ctx context.Context, q storage.HistoryQuery) ([]storage.HistoryRecord, error) {
	var results []storage.HistoryRecord
	startTime := time.Now()

	err := s.run(ctx, "query history", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			prefix := []byte(prefixHistory)
			var seek []byte
			if q.DeviceID != "" {
				prefix = historyDevicePrefix(q.DeviceID)
				if !q.Start.IsZero() {
					seek = historyKey(q.DeviceID, q.Start)
				}
			}

			return scanFrom(ctx, txn, prefix, seek, func(item *badger.Item) (bool, error) {
				if q.DeviceID != "" && !q.End.IsZero() {
					if _, ts, ok := parseHistoryKey(item.Key()); ok && ts.After(q.End) {
						return false, nil
					}
				}
				var rec storage.HistoryRecord
				if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
					return false, fmt.Errorf("failed to decode history: %w", err)
				}
				if !q.Matches(rec) {
					return true, nil
				}
				results = append(results, rec)

				// Per-device scans are already time ordered.
				if q.DeviceID != "" && q.Limit > 0 && len(results) >= q.Limit {
					return false, nil
				}
				return true, nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	if elapsed := time.Since(startTime); elapsed > slowQueryThreshold {
		s.logger.Warn("slow history query",
			zap.Duration("elapsed", elapsed),
			zap.String("device_id", q.DeviceID),
			zap.Int("results", len(results)))
	}

	storage.SortHistory(results)
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// GetDaily returns the aggregate for id.
func (s *Storage) GetDaily(ctx context.Context, id string) (storage.DailyAggregate, error) {
	var agg storage.DailyAggregate
	err := s.run(ctx, "get daily", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			return getJSON(txn, dailyKey(id), &agg)
		})
	})
	return agg, err
}

// UpdateDaily runs fn inside a serializable transaction. Badger detects a
// concurrent write to the same key at commit; the whole read-modify-write is
// then retried with fresh data.
func (s *Storage) UpdateDaily(ctx context.Context, id string, fn storage.DailyUpdateFunc) (storage.DailyAggregate, error) {
	var next storage.DailyAggregate
	err := s.write(ctx, "update daily", func() error {
		return s.update(ctx, func(txn *badger.Txn) error {
			var cur *storage.DailyAggregate
			var existing storage.DailyAggregate
			err := getJSON(txn, dailyKey(id), &existing)
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
			next = out
			return setJSON(txn, dailyKey(id), out)
		})
	})
	return next, err
}

// PutDaily replaces an aggregate.
func (s *Storage) PutDaily(ctx context.Context, agg storage.DailyAggregate) error {
	return s.write(ctx, "put daily", func() error {
		return s.update(ctx, func(txn *badger.Txn) error {
			return setJSON(txn, dailyKey(agg.ID), agg)
		})
	})
}

// QueryDaily returns matching aggregates ordered by date then device.
func (s *Storage) QueryDaily(ctx context.Context, q storage.DailyQuery) ([]storage.DailyAggregate, error) {
	var results []storage.DailyAggregate
	err := s.run(ctx, "query daily", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			var seek []byte
			if q.From != "" {
				seek = dailyKey(q.From)
			}
			return scanFrom(ctx, txn, []byte(prefixDaily), seek, func(item *badger.Item) (bool, error) {
				id := string(item.Key()[len(prefixDaily):])
				if q.To != "" && len(id) >= len(q.To) && id[:len(q.To)] > q.To {
					return false, nil
				}
				var agg storage.DailyAggregate
				if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &agg) }); err != nil {
					return false, fmt.Errorf("failed to decode daily aggregate: %w", err)
				}
				if q.Matches(agg) {
					results = append(results, agg)
				}
				return true, nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	storage.SortDaily(results)
	return results, nil
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection
// This reclaims disk space from overwritten status and aggregate documents
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns error only if GC failed, nil if GC not needed or succeeded
func (s *Storage) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}
	err := s.run(ctx, "stats", func() error {
		err := s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 && ctx.Err() != nil {
					return ctx.Err()
				}

				key := it.Item().Key()
				switch {
				case bytes.HasPrefix(key, []byte(prefixStatus)):
					stats.StatusRecords++
				case bytes.HasPrefix(key, []byte(prefixDevice)):
					stats.Devices++
				case bytes.HasPrefix(key, []byte(prefixDaily)):
					stats.DailyAggregates++
				case bytes.HasPrefix(key, []byte(prefixHistory)):
					stats.HistoryRecords++
					if _, ts, ok := parseHistoryKey(key); ok {
						stats.Observe(ts)
					}
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		lsmSize, vlogSize := s.db.Size()
		stats.SizeBytes = uint64(lsmSize + vlogSize)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// scanPrefix visits every item under prefix until visit returns false.
func scanPrefix(ctx context.Context, txn *badger.Txn, prefix []byte, visit func(*badger.Item) (bool, error)) error {
	return scanFrom(ctx, txn, prefix, nil, visit)
}

// scanFrom visits items under prefix starting at seek (or the prefix start).
func scanFrom(ctx context.Context, txn *badger.Txn, prefix, seek []byte, visit func(*badger.Item) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchSize = 100
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	if seek == nil {
		seek = prefix
	}

	var iterCount int
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		iterCount++
		// Check for cancellation every 1000 iterations so long scans do not
		// block shutdown.
		if iterCount%1000 == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		more, err := visit(it.Item())
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

func statusKey(id string) []byte { return []byte(prefixStatus + id) }
func deviceKey(id string) []byte { return []byte(prefixDevice + id) }
func dailyKey(id string) []byte  { return []byte(prefixDaily + id) }

func historyDevicePrefix(deviceID string) []byte {
	return []byte(prefixHistory + deviceID + "/")
}

// historyKey creates a sortable key: prefix + device + "/" + millis.
// Millisecond resolution matches the history document id.
func historyKey(deviceID string, ts time.Time) []byte {
	prefix := historyDevicePrefix(deviceID)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(ts.UnixMilli()))
	return key
}

// parseHistoryKey extracts the device id and timestamp from a history key.
func parseHistoryKey(key []byte) (string, time.Time, bool) {
	if !bytes.HasPrefix(key, []byte(prefixHistory)) || len(key) < len(prefixHistory)+9 {
		return "", time.Time{}, false
	}
	rest := key[len(prefixHistory):]
	device := strings.TrimSuffix(string(rest[:len(rest)-8]), "/")
	millis := binary.BigEndian.Uint64(rest[len(rest)-8:])
	return device, time.UnixMilli(int64(millis)).UTC(), true
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := txn.Set(key, value); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// badgerLogger routes badger's internal logging through zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }
