// Package aggregate maintains the per-day, per-device occupancy summaries.
//
// Seed builds a day's aggregate from its first reading and Apply folds every
// later reading in. Both are pure; Engine wraps them in a keyed lock and an
// atomic store update so concurrent uplinks never lose a reading.
//
// The running statistics (mean, extrema, counts, hour sets) are commutative,
// so the result does not depend on arrival order beyond floating point
// rounding. Fields documented as "first reading" are order dependent.
package aggregate

import (
	"sort"
	"strconv"
	"time"

	"github.com/nicktill/availo/pkg/history"
	"github.com/nicktill/availo/pkg/storage"
)

// Occupancy rate thresholds.
const (
	BusyThreshold        = 0.5 // rate > busy marks a busy hour
	QuietThreshold       = 0.2 // rate < quiet marks a quiet hour
	OptimalLow           = 0.2 // optimal band is (OptimalLow, OptimalHigh)
	OptimalHigh          = 0.7
	OvercrowdedThreshold = 0.8
)

// Sensor health defaults for readings without telemetry.
const (
	DefaultSignalStrength = -75.0
	DefaultBattery        = 85
	LowBatteryThreshold   = 20

	BatteryGood    = "good"
	BatteryWarning = "warning"
)

// Observation is a single reading as seen by the aggregator.
type Observation struct {
	DeviceID    string
	VenueName   string
	Date        string
	Hour        int
	Occupancy   int
	Rate        float64
	WifiDevices int
	BleDevices  int
	Battery     *int
	Signal      *float64
	Timestamp   time.Time
}

// FromHistory converts a history record into an Observation.
func FromHistory(h storage.HistoryRecord) Observation {
	return Observation{
		DeviceID:    h.DeviceID,
		VenueName:   h.VenueName,
		Date:        h.Date,
		Hour:        h.Hour,
		Occupancy:   h.CurrentOccupancy,
		Rate:        history.OccupancyRate(h.CurrentOccupancy, h.MaxCapacity),
		WifiDevices: h.WifiDevices,
		BleDevices:  h.BleDevices,
		Battery:     h.BatteryLevel,
		Signal:      h.SignalStrength,
		Timestamp:   h.Timestamp,
	}
}

// ID returns the aggregate id the observation belongs to.
func (o Observation) ID() string {
	return storage.DailyID(o.Date, o.DeviceID)
}

func hourKey(h int) string { return strconv.Itoa(h) }

// Seed creates a day's aggregate from its first reading.
func Seed(o Observation) storage.DailyAggregate {
	x := o.Occupancy

	agg := storage.DailyAggregate{
		ID:        o.ID(),
		Date:      o.Date,
		DeviceID:  o.DeviceID,
		VenueName: o.VenueName,
		OccupancyStats: storage.OccupancyStats{
			AvgOccupancy:     float64(x),
			AvgOccupancyRate: o.Rate,
			MaxOccupancy:     x,
			MinOccupancy:     x,
			PeakHour:         o.Hour,
			TotalReadings:    1,
		},
		UsagePatterns: storage.UsagePatterns{
			BusyHours:   []int{},
			QuietHours:  []int{},
			RushPeriods: []int{},
		},
		HourlyData: map[string]storage.HourlyBucket{
			hourKey(o.Hour): seedBucket(o),
		},
		StudyEfficiency: storage.StudyEfficiency{
			UtilizationRate:    o.Rate,
			OptimalHours:       []int{},
			OvercrowdedPeriods: []int{},
		},
		SensorHealth: storage.SensorHealth{
			UptimePercentage:  100,
			AvgSignalStrength: DefaultSignalStrength,
			BatteryStatus:     batteryStatus(o.Battery),
			DataQualityScore:  100,
		},
		CreatedAt:   o.Timestamp,
		LastUpdated: o.Timestamp,
	}

	if o.Signal != nil && *o.Signal != 0 {
		agg.SensorHealth.AvgSignalStrength = *o.Signal
	}
	if o.Rate > BusyThreshold {
		agg.UsagePatterns.BusyHours = []int{o.Hour}
	}
	if o.Rate < QuietThreshold {
		agg.UsagePatterns.QuietHours = []int{o.Hour}
	}
	if o.Rate > OptimalLow && o.Rate < OptimalHigh {
		agg.StudyEfficiency.OptimalHours = []int{o.Hour}
	}
	if o.Rate > OvercrowdedThreshold {
		agg.StudyEfficiency.OvercrowdedPeriods = []int{o.Hour}
	}
	return agg
}

// Apply folds o into agg and returns the result. agg is not modified.
func Apply(agg storage.DailyAggregate, o Observation) storage.DailyAggregate {
	out := agg.Clone()
	x := o.Occupancy
	stats := &out.OccupancyStats

	n := float64(stats.TotalReadings)
	next := n + 1
	stats.AvgOccupancy = (stats.AvgOccupancy*n + float64(x)) / next
	stats.AvgOccupancyRate = (stats.AvgOccupancyRate*n + o.Rate) / next

	if x > stats.MaxOccupancy {
		stats.PeakHour = o.Hour
		stats.MaxOccupancy = x
	}
	if stats.TotalReadings == 0 || x < stats.MinOccupancy {
		stats.MinOccupancy = x
	}
	stats.TotalReadings++

	if out.HourlyData == nil {
		out.HourlyData = make(map[string]storage.HourlyBucket)
	}
	key := hourKey(o.Hour)
	if bucket, ok := out.HourlyData[key]; ok {
		out.HourlyData[key] = applyBucket(bucket, o)
	} else {
		out.HourlyData[key] = seedBucket(o)
	}

	if o.Rate > BusyThreshold {
		out.UsagePatterns.BusyHours = addHour(out.UsagePatterns.BusyHours, o.Hour)
	}
	if o.Rate < QuietThreshold {
		out.UsagePatterns.QuietHours = addHour(out.UsagePatterns.QuietHours, o.Hour)
	}

	if o.Timestamp.After(out.LastUpdated) {
		out.LastUpdated = o.Timestamp
	}
	if out.CreatedAt.IsZero() || o.Timestamp.Before(out.CreatedAt) {
		out.CreatedAt = o.Timestamp
	}
	return out
}

// Fold rebuilds an aggregate from a day's observations in the given order.
// ok is false when obs is empty.
func Fold(obs []Observation) (agg storage.DailyAggregate, ok bool) {
	if len(obs) == 0 {
		return storage.DailyAggregate{}, false
	}
	agg = Seed(obs[0])
	for _, o := range obs[1:] {
		agg = Apply(agg, o)
	}
	return agg, true
}

func seedBucket(o Observation) storage.HourlyBucket {
	return storage.HourlyBucket{
		AvgOccupancy:   float64(o.Occupancy),
		MaxOccupancy:   o.Occupancy,
		ReadingsCount:  1,
		AvgWifiDevices: float64(o.WifiDevices),
		AvgBleDevices:  float64(o.BleDevices),
	}
}

// applyBucket keeps the bucket averages as running means, like the day stats.
func applyBucket(b storage.HourlyBucket, o Observation) storage.HourlyBucket {
	n := float64(b.ReadingsCount)
	next := n + 1
	b.AvgOccupancy = (b.AvgOccupancy*n + float64(o.Occupancy)) / next
	b.AvgWifiDevices = (b.AvgWifiDevices*n + float64(o.WifiDevices)) / next
	b.AvgBleDevices = (b.AvgBleDevices*n + float64(o.BleDevices)) / next
	if o.Occupancy > b.MaxOccupancy {
		b.MaxOccupancy = o.Occupancy
	}
	b.ReadingsCount++
	return b
}

func batteryStatus(battery *int) string {
	level := DefaultBattery
	if battery != nil && *battery != 0 {
		level = *battery
	}
	if level > LowBatteryThreshold {
		return BatteryGood
	}
	return BatteryWarning
}

// addHour inserts h into the sorted set hours if missing.
func addHour(hours []int, h int) []int {
	i := sort.SearchInts(hours, h)
	if i < len(hours) && hours[i] == h {
		return hours
	}
	hours = append(hours, 0)
	copy(hours[i+1:], hours[i:])
	hours[i] = h
	return hours
}
