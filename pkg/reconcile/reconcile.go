// Package reconcile rebuilds daily aggregates from the occupancy history.
//
// The live path folds each uplink into its day's aggregate as it arrives.
// When that update is skipped (deadline budget, lock timeout, store error)
// the aggregate drifts from the history log. The Rebuilder recomputes an
// aggregate from scratch with the same Seed/Apply fold the live path uses,
// so a rebuilt aggregate is indistinguishable from one built live.
//
// The periodic pass targets a single, closed day (now minus the configured
// lag) for every registered device. Rebuilding a day that is still receiving
// uplinks is safe: the ingest path appends history and applies the live
// update under the same aggregate lock a rebuild takes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/availo/pkg/aggregate"
	"github.com/nicktill/availo/pkg/registry"
	"github.com/nicktill/availo/pkg/storage"
)

// DateLayout is the YYYY-MM-DD form of aggregate dates.
const DateLayout = "2006-01-02"

// Recorder receives the outcome of every pass.
type Recorder interface {
	RecordSuccess()
	RecordFailure(err error)
}

// Rebuilder recomputes daily aggregates from history.
type Rebuilder struct {
	history  storage.HistoryStore
	engine   *aggregate.Engine
	registry *registry.Registry
	loc      *time.Location
	lag      time.Duration
	monitor  Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Rebuilder.
type Option func(*Rebuilder)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Rebuilder) { r.logger = l }
}

// WithMonitor records the outcome of every RunOnce.
func WithMonitor(m Recorder) Option {
	return func(r *Rebuilder) { r.monitor = m }
}

// WithLag sets how far behind now the periodic pass works.
func WithLag(d time.Duration) Option {
	return func(r *Rebuilder) { r.lag = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Rebuilder) { r.now = now }
}

// DefaultLag leaves a day and a half for late uplinks before a day is
// considered closed.
const DefaultLag = 36 * time.Hour

// New creates a Rebuilder. Dates are interpreted in loc, which must match
// the location history calendar fields were derived in.
func New(history storage.HistoryStore, engine *aggregate.Engine, reg *registry.Registry, loc *time.Location, opts ...Option) *Rebuilder {
	r := &Rebuilder{
		history:  history,
		engine:   engine,
		registry: reg,
		loc:      loc,
		lag:      DefaultLag,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	if r.loc == nil {
		r.loc = time.UTC
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rebuild recomputes the aggregate for deviceID on date. ok is false when
// the device has no history that day.
func (r *Rebuilder) Rebuild(ctx context.Context, deviceID, date string) (storage.DailyAggregate, bool, error) {
	start, err := time.ParseInLocation(DateLayout, date, r.loc)
	if err != nil {
		return storage.DailyAggregate{}, false, fmt.Errorf("invalid date %q: %w", date, err)
	}
	end := start.AddDate(0, 0, 1).Add(-time.Nanosecond)

	load := func(ctx context.Context) ([]aggregate.Observation, error) {
		recs, err := r.history.QueryHistory(ctx, storage.HistoryQuery{
			DeviceID: deviceID,
			Start:    start,
			End:      end,
		})
		if err != nil {
			return nil, err
		}
		obs := make([]aggregate.Observation, 0, len(recs))
		for _, rec := range recs {
			// Records written under another zone setting belong to another day.
			if rec.Date != date {
				continue
			}
			obs = append(obs, aggregate.FromHistory(rec))
		}
		return obs, nil
	}

	agg, ok, err := r.engine.Rebuild(ctx, date, deviceID, load)
	if err != nil {
		return storage.DailyAggregate{}, false, err
	}
	if ok {
		r.logger.Debug("rebuilt daily analytics",
			zap.String("device_id", deviceID),
			zap.String("date", date),
			zap.Int("total_readings", agg.OccupancyStats.TotalReadings))
	}
	return agg, ok, nil
}

// RebuildDay is Rebuild without the result.
func (r *Rebuilder) RebuildDay(ctx context.Context, deviceID, date string) error {
	_, _, err := r.Rebuild(ctx, deviceID, date)
	return err
}

// Report summarises a pass over one date.
type Report struct {
	Date    string   `json:"date"`
	Rebuilt []string `json:"rebuilt"`
	Empty   []string `json:"empty"`
	Failed  []string `json:"failed,omitempty"`
}

// RebuildAll rebuilds date for every registered device. Failures do not
// stop the pass; they are joined into the returned error.
func (r *Rebuilder) RebuildAll(ctx context.Context, date string) (Report, error) {
	report := Report{Date: date, Rebuilt: []string{}, Empty: []string{}}
	var errs []error
	for _, id := range r.registry.IDs() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		_, ok, err := r.Rebuild(ctx, id, date)
		switch {
		case err != nil:
			report.Failed = append(report.Failed, id)
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		case ok:
			report.Rebuilt = append(report.Rebuilt, id)
		default:
			report.Empty = append(report.Empty, id)
		}
	}
	return report, errors.Join(errs...)
}

// ClosedDate is the date the periodic pass works on.
func (r *Rebuilder) ClosedDate() string {
	return r.now().Add(-r.lag).In(r.loc).Format(DateLayout)
}

// Today is the current date in the rebuilder's location.
func (r *Rebuilder) Today() string {
	return r.now().In(r.loc).Format(DateLayout)
}

// RunOnce rebuilds the closed date for every device and records the outcome.
func (r *Rebuilder) RunOnce(ctx context.Context) (Report, error) {
	start := r.now()
	report, err := r.RebuildAll(ctx, r.ClosedDate())

	if r.monitor != nil {
		if err != nil {
			r.monitor.RecordFailure(err)
		} else {
			r.monitor.RecordSuccess()
		}
	}

	fields := []zap.Field{
		zap.String("date", report.Date),
		zap.Int("rebuilt", len(report.Rebuilt)),
		zap.Int("empty", len(report.Empty)),
		zap.Duration("took", r.now().Sub(start)),
	}
	if err != nil {
		r.logger.Error("reconcile pass failed", append(fields, zap.Strings("failed", report.Failed), zap.Error(err))...)
	} else {
		r.logger.Info("reconcile pass completed", fields...)
	}
	return report, err
}
