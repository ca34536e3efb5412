// Package history appends the immutable per-uplink occupancy log.
package history

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/availo/pkg/storage"
)

// Calendar holds the time fields derived from a reading's timestamp.
type Calendar struct {
	Hour      int
	DayOfWeek int // 0 = Sunday
	Date      string
	Month     string
	IsWeekend bool
}

// CalendarOf derives calendar fields for t in loc (UTC when loc is nil).
func CalendarOf(t time.Time, loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	wd := local.Weekday()
	return Calendar{
		Hour:      local.Hour(),
		DayOfWeek: int(wd),
		Date:      local.Format("2006-01-02"),
		Month:     local.Format("2006-01"),
		IsWeekend: wd == time.Saturday || wd == time.Sunday,
	}
}

// OccupancyRate is occupancy over capacity; zero when capacity is unknown.
func OccupancyRate(occupancy, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	return float64(occupancy) / float64(capacity)
}

// Build extends a status snapshot into a history record.
func Build(rec storage.StatusRecord, loc *time.Location) storage.HistoryRecord {
	cal := CalendarOf(rec.LastUpdated, loc)
	return storage.HistoryRecord{
		ID:               storage.HistoryID(rec.LastUpdated, rec.DeviceID),
		Timestamp:        rec.LastUpdated,
		DeviceID:         rec.DeviceID,
		VenueName:        rec.VenueName,
		VenueType:        rec.VenueType,
		CurrentOccupancy: rec.CurrentOccupancy,
		MaxCapacity:      rec.MaxCapacity,
		OccupancyRate:    OccupancyRate(rec.CurrentOccupancy, rec.MaxCapacity),
		WifiDevices:      rec.WifiDevices,
		BleDevices:       rec.BleDevices,
		Hour:             cal.Hour,
		DayOfWeek:        cal.DayOfWeek,
		Date:             cal.Date,
		Month:            cal.Month,
		IsWeekend:        cal.IsWeekend,
		SignalStrength:   rec.SignalStrength,
		SNR:              rec.SNR,
		GatewayID:        rec.GatewayID,
		BatteryLevel:     rec.BatteryLevel,
	}
}

// Recorder appends history records.
type Recorder struct {
	store  storage.HistoryStore
	loc    *time.Location
	logger *zap.Logger
}

// NewRecorder creates a Recorder deriving calendar fields in loc.
func NewRecorder(store storage.HistoryStore, loc *time.Location, logger *zap.Logger) *Recorder {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, loc: loc, logger: logger}
}

// Location returns the zone calendar fields are derived in.
func (r *Recorder) Location() *time.Location {
	return r.loc
}

// Append writes the history record for rec. created is false when the same
// uplink was already recorded.
func (r *Recorder) Append(ctx context.Context, rec storage.StatusRecord) (storage.HistoryRecord, bool, error) {
	h := Build(rec, r.loc)
	created, err := r.store.AppendHistory(ctx, h)
	if err != nil {
		return h, false, fmt.Errorf("append history %s: %w", h.ID, err)
	}
	if !created {
		r.logger.Info("duplicate uplink, history unchanged",
			zap.String("device_id", h.DeviceID),
			zap.String("history_id", h.ID))
	}
	return h, created, nil
}
