package storage

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Collection names. Backends use them as key prefixes or table names.
const (
	CollectionStatus  = "lounge_status"
	CollectionDevices = "devices"
	CollectionHistory = "occupancy_history"
	CollectionDaily   = "daily_analytics"
)

// Collections lists every collection in a stable order.
var Collections = []string{CollectionStatus, CollectionDevices, CollectionHistory, CollectionDaily}

// Device status values.
const (
	DeviceJoined = "joined"
	DeviceOnline = "online"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// StatusRecord is the current occupancy snapshot for a device. It is
// overwritten on every uplink.
type StatusRecord struct {
	ID               string    `json:"id"`
	CurrentOccupancy int       `json:"current_occupancy"`
	MaxCapacity      int       `json:"max_capacity"`
	LastUpdated      time.Time `json:"last_updated"`
	DeviceID         string    `json:"device_id"`
	WifiDevices      int       `json:"wifi_devices"`
	BleDevices       int       `json:"ble_devices"`
	VenueName        string    `json:"venue_name"`
	VenueType        string    `json:"venue_type"`
	SignalStrength   *float64  `json:"signal_strength"`
	SNR              *float64  `json:"snr"`
	GatewayID        *string   `json:"gateway_id"`
	BatteryLevel     *int      `json:"battery_level"`
}

// DeviceRecord is the monitoring document kept per device. It is only ever
// changed through a DevicePatch merge.
type DeviceRecord struct {
	ID             string     `json:"id"`
	VenueName      string     `json:"venue_name,omitempty"`
	VenueType      string     `json:"venue_type,omitempty"`
	MaxCapacity    int        `json:"max_capacity,omitempty"`
	Location       string     `json:"location,omitempty"`
	Status         string     `json:"status,omitempty"`
	LastSeen       *time.Time `json:"last_seen,omitempty"`
	LastJoin       *time.Time `json:"last_join,omitempty"`
	SessionKeyID   string     `json:"session_key_id,omitempty"`
	DevAddr        string     `json:"dev_addr,omitempty"`
	SignalStrength *float64   `json:"signal_strength"`
	BatteryLevel   *int       `json:"battery_level"`
	TotalMessages  int64      `json:"total_messages"`
}

// DevicePatch is a partial update. Nil fields are left untouched.
type DevicePatch struct {
	VenueName    *string
	VenueType    *string
	MaxCapacity  *int
	Location     *string
	Status       *string
	LastSeen     *time.Time
	LastJoin     *time.Time
	SessionKeyID *string
	DevAddr      *string

	// Telemetry replaces signal and battery together when set; nil members
	// inside it clear the stored values.
	Telemetry *DeviceTelemetry

	IncrementMessages int64
}

// DeviceTelemetry is the radio and power state reported with an uplink.
type DeviceTelemetry struct {
	SignalStrength *float64
	BatteryLevel   *int
}

// Apply merges p into rec.
func (p DevicePatch) Apply(rec *DeviceRecord) {
	setString(&rec.VenueName, p.VenueName)
	setString(&rec.VenueType, p.VenueType)
	setString(&rec.Location, p.Location)
	setString(&rec.Status, p.Status)
	setString(&rec.SessionKeyID, p.SessionKeyID)
	setString(&rec.DevAddr, p.DevAddr)
	if p.MaxCapacity != nil {
		rec.MaxCapacity = *p.MaxCapacity
	}
	if p.LastSeen != nil {
		t := *p.LastSeen
		rec.LastSeen = &t
	}
	if p.LastJoin != nil {
		t := *p.LastJoin
		rec.LastJoin = &t
	}
	if p.Telemetry != nil {
		rec.SignalStrength = copyFloat(p.Telemetry.SignalStrength)
		rec.BatteryLevel = copyInt(p.Telemetry.BatteryLevel)
	}
	rec.TotalMessages += p.IncrementMessages
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// HistoryRecord is an immutable per-uplink sample.
type HistoryRecord struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	DeviceID         string    `json:"device_id"`
	VenueName        string    `json:"venue_name"`
	VenueType        string    `json:"venue_type"`
	CurrentOccupancy int       `json:"current_occupancy"`
	MaxCapacity      int       `json:"max_capacity"`
	OccupancyRate    float64   `json:"occupancy_rate"`
	WifiDevices      int       `json:"wifi_devices"`
	BleDevices       int       `json:"ble_devices"`
	Hour             int       `json:"hour"`
	DayOfWeek        int       `json:"day_of_week"`
	Date             string    `json:"date"`
	Month            string    `json:"month"`
	IsWeekend        bool      `json:"is_weekend"`
	SignalStrength   *float64  `json:"signal_strength"`
	SNR              *float64  `json:"snr"`
	GatewayID        *string   `json:"gateway_id"`
	BatteryLevel     *int      `json:"battery_level"`
}

// DailyAggregate summarizes one device's day.
type DailyAggregate struct {
	ID              string                  `json:"id"`
	Date            string                  `json:"date"`
	DeviceID        string                  `json:"device_id"`
	VenueName       string                  `json:"venue_name"`
	OccupancyStats  OccupancyStats          `json:"occupancy_stats"`
	UsagePatterns   UsagePatterns           `json:"usage_patterns"`
	HourlyData      map[string]HourlyBucket `json:"hourly_data"`
	StudyEfficiency StudyEfficiency         `json:"study_efficiency"`
	SensorHealth    SensorHealth            `json:"sensor_health"`
	CreatedAt       time.Time               `json:"created_at"`
	LastUpdated     time.Time               `json:"last_updated"`
}

// OccupancyStats are the running day-level statistics.
type OccupancyStats struct {
	AvgOccupancy     float64 `json:"avg_occupancy"`
	AvgOccupancyRate float64 `json:"avg_occupancy_rate"`
	MaxOccupancy     int     `json:"max_occupancy"`
	MinOccupancy     int     `json:"min_occupancy"`
	PeakHour         int     `json:"peak_hour"`
	TotalReadings    int     `json:"total_readings"`
}

// UsagePatterns hold hour sets. They are kept sorted and only ever grow.
type UsagePatterns struct {
	BusyHours   []int `json:"busy_hours"`
	QuietHours  []int `json:"quiet_hours"`
	RushPeriods []int `json:"rush_periods"`
}

// HourlyBucket summarizes the readings of one hour of the day.
type HourlyBucket struct {
	AvgOccupancy   float64 `json:"avg_occupancy"`
	MaxOccupancy   int     `json:"max_occupancy"`
	ReadingsCount  int     `json:"readings_count"`
	AvgWifiDevices float64 `json:"avg_wifi_devices"`
	AvgBleDevices  float64 `json:"avg_ble_devices"`
}

// StudyEfficiency is computed from the first reading of the day.
type StudyEfficiency struct {
	UtilizationRate    float64 `json:"utilization_rate"`
	OptimalHours       []int   `json:"optimal_hours"`
	OvercrowdedPeriods []int   `json:"overcrowded_periods"`
}

// SensorHealth is computed from the first reading of the day.
type SensorHealth struct {
	UptimePercentage  float64 `json:"uptime_percentage"`
	AvgSignalStrength float64 `json:"avg_signal_strength"`
	BatteryStatus     string  `json:"battery_status"`
	DataQualityScore  float64 `json:"data_quality_score"`
}

// Clone returns a deep copy, so stored aggregates never alias caller memory.
func (a DailyAggregate) Clone() DailyAggregate {
	out := a
	out.UsagePatterns = UsagePatterns{
		BusyHours:   cloneInts(a.UsagePatterns.BusyHours),
		QuietHours:  cloneInts(a.UsagePatterns.QuietHours),
		RushPeriods: cloneInts(a.UsagePatterns.RushPeriods),
	}
	out.StudyEfficiency.OptimalHours = cloneInts(a.StudyEfficiency.OptimalHours)
	out.StudyEfficiency.OvercrowdedPeriods = cloneInts(a.StudyEfficiency.OvercrowdedPeriods)
	if a.HourlyData != nil {
		out.HourlyData = make(map[string]HourlyBucket, len(a.HourlyData))
		for k, v := range a.HourlyData {
			out.HourlyData[k] = v
		}
	}
	return out
}

// HistoryQuery selects history records. Start and End are inclusive; a zero
// value leaves that side open.
type HistoryQuery struct {
	DeviceID string
	Start    time.Time
	End      time.Time
	// Limit caps the number of results (0 = no limit).
	Limit int
}

// Matches reports whether rec falls inside the query.
func (q HistoryQuery) Matches(rec HistoryRecord) bool {
	if q.DeviceID != "" && rec.DeviceID != q.DeviceID {
		return false
	}
	if !q.Start.IsZero() && rec.Timestamp.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && rec.Timestamp.After(q.End) {
		return false
	}
	return true
}

// DailyQuery selects aggregates by inclusive YYYY-MM-DD date range.
type DailyQuery struct {
	DeviceID string
	From     string
	To       string
}

// Matches reports whether agg falls inside the query.
func (q DailyQuery) Matches(agg DailyAggregate) bool {
	if q.DeviceID != "" && agg.DeviceID != q.DeviceID {
		return false
	}
	if q.From != "" && agg.Date < q.From {
		return false
	}
	if q.To != "" && agg.Date > q.To {
		return false
	}
	return true
}

// HistoryID is the history document id: {epoch_millis}_{device_id}.
func HistoryID(ts time.Time, deviceID string) string {
	return fmt.Sprintf("%d_%s", ts.UnixMilli(), deviceID)
}

// DailyID is the aggregate document id: {date}_{device_id}.
func DailyID(date, deviceID string) string {
	return date + "_" + deviceID
}

// SortHistory orders records oldest first, breaking ties by id.
func SortHistory(recs []HistoryRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].Timestamp.Before(recs[j].Timestamp)
		}
		return recs[i].ID < recs[j].ID
	})
}

// SortDaily orders aggregates by date, then device.
func SortDaily(aggs []DailyAggregate) {
	sort.Slice(aggs, func(i, j int) bool {
		if aggs[i].Date != aggs[j].Date {
			return aggs[i].Date < aggs[j].Date
		}
		return aggs[i].DeviceID < aggs[j].DeviceID
	})
}

// SortStatus orders snapshots newest first.
func SortStatus(recs []StatusRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].LastUpdated.Equal(recs[j].LastUpdated) {
			return recs[i].LastUpdated.After(recs[j].LastUpdated)
		}
		return recs[i].ID < recs[j].ID
	})
}

func cloneInts(v []int) []int {
	if v == nil {
		return nil
	}
	return append(make([]int, 0, len(v)), v...)
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
