package aggregate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nicktill/availo/pkg/lock"
	"github.com/nicktill/availo/pkg/storage"
)

// Engine applies observations to stored aggregates.
type Engine struct {
	store  storage.DailyStore
	locker lock.Locker
	logger *zap.Logger
}

// NewEngine creates an Engine. A nil locker uses an in-process lock.Keyed.
func NewEngine(store storage.DailyStore, locker lock.Locker, logger *zap.Logger) *Engine {
	if locker == nil {
		locker = lock.NewKeyed(lock.DefaultStripes)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, locker: locker, logger: logger}
}

// LockKey is the lock held while a (date, device) aggregate is updated.
func LockKey(date, deviceID string) string {
	return "daily/" + date + "/" + deviceID
}

// Lock takes the (date, device) aggregate lock. Callers that must make
// another write atomic with the aggregate update, as the ingest path does
// with the history row, hold it across both and call UpdateLocked.
func (e *Engine) Lock(ctx context.Context, date, deviceID string) (lock.Unlock, error) {
	unlock, err := e.locker.Lock(ctx, LockKey(date, deviceID))
	if err != nil {
		return nil, fmt.Errorf("lock aggregate %s: %w", storage.DailyID(date, deviceID), err)
	}
	return unlock, nil
}

// Update seeds or extends the aggregate o belongs to.
func (e *Engine) Update(ctx context.Context, o Observation) (storage.DailyAggregate, error) {
	unlock, err := e.Lock(ctx, o.Date, o.DeviceID)
	if err != nil {
		return storage.DailyAggregate{}, err
	}
	defer unlock()
	return e.UpdateLocked(ctx, o)
}

// UpdateLocked is Update for a caller already holding Lock(o.Date, o.DeviceID).
func (e *Engine) UpdateLocked(ctx context.Context, o Observation) (storage.DailyAggregate, error) {
	var seeded bool
	agg, err := e.store.UpdateDaily(ctx, o.ID(), func(cur *storage.DailyAggregate) (storage.DailyAggregate, error) {
		if cur == nil {
			seeded = true
			return Seed(o), nil
		}
		seeded = false
		return Apply(*cur, o), nil
	})
	if err != nil {
		return storage.DailyAggregate{}, fmt.Errorf("update aggregate %s: %w", o.ID(), err)
	}

	if seeded {
		e.logger.Info("created daily analytics",
			zap.String("device_id", o.DeviceID),
			zap.String("date", o.Date))
	} else {
		e.logger.Debug("updated daily analytics",
			zap.String("device_id", o.DeviceID),
			zap.String("date", o.Date),
			zap.Int("total_readings", agg.OccupancyStats.TotalReadings))
	}
	return agg, nil
}

// Loader returns a day's observations oldest first.
type Loader func(ctx context.Context) ([]Observation, error)

// Rebuild recomputes the aggregate for (date, device) from load and stores
// it, holding the same lock live updates take. Since the ingest path appends
// history under that lock too, load sees a reading exactly when its live
// update has already been applied. ok is false when load returns nothing, in
// which case the stored aggregate is left alone.
func (e *Engine) Rebuild(ctx context.Context, date, deviceID string, load Loader) (agg storage.DailyAggregate, ok bool, err error) {
	id := storage.DailyID(date, deviceID)
	unlock, err := e.Lock(ctx, date, deviceID)
	if err != nil {
		return storage.DailyAggregate{}, false, err
	}
	defer unlock()

	obs, err := load(ctx)
	if err != nil {
		return storage.DailyAggregate{}, false, fmt.Errorf("load observations %s: %w", id, err)
	}
	agg, ok = Fold(obs)
	if !ok {
		return storage.DailyAggregate{}, false, nil
	}
	if err := e.store.PutDaily(ctx, agg); err != nil {
		return storage.DailyAggregate{}, false, fmt.Errorf("replace aggregate %s: %w", id, err)
	}
	return agg, true, nil
}
