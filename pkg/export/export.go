package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nicktill/availo/pkg/storage"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// FormatVersion is written into JSON exports and checked on import.
const FormatVersion = "1.0"

// Exporter writes occupancy history to JSON or CSV.
type Exporter struct {
	storage storage.HistoryStore
}

// NewExporter creates a new exporter
func NewExporter(store storage.HistoryStore) *Exporter {
	return &Exporter{storage: store}
}

// ExportOptions configures the export operation
type ExportOptions struct {
	Start time.Time
	End   time.Time

	// DeviceID limits the export to one device; empty exports all.
	DeviceID string

	// Format: "json" or "csv"
	Format string
}

// ExportResult contains stats about the export
type ExportResult struct {
	RecordsExported int       `json:"records_exported"`
	TimeRange       string    `json:"time_range"`
	Format          string    `json:"format"`
	ExportedAt      time.Time `json:"exported_at"`
}

// Metadata heads a JSON export.
type Metadata struct {
	ExportedAt  time.Time `json:"exported_at"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	DeviceID    string    `json:"device_id,omitempty"`
	RecordCount int       `json:"record_count"`
	Format      string    `json:"format"`
	Version     string    `json:"version"`
}

// Document is the JSON export layout. Import reads the same layout back.
type Document struct {
	Metadata Metadata                `json:"metadata"`
	Records  []storage.HistoryRecord `json:"records"`
}

// CSVHeader lists the CSV columns in order.
var CSVHeader = []string{
	"id", "timestamp", "device_id", "venue_name", "venue_type",
	"current_occupancy", "max_capacity", "occupancy_rate", "wifi_devices", "ble_devices",
	"hour", "day_of_week", "date", "month", "is_weekend",
	"signal_strength", "snr", "gateway_id", "battery_level",
}

func (e *Exporter) query(ctx context.Context, opts ExportOptions) ([]storage.HistoryRecord, error) {
	recs, err := e.storage.QueryHistory(ctx, storage.HistoryQuery{
		DeviceID: opts.DeviceID,
		Start:    opts.Start,
		End:      opts.End,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	return recs, nil
}

func result(n int, format string, opts ExportOptions, at time.Time) *ExportResult {
	return &ExportResult{
		RecordsExported: n,
		TimeRange:       fmt.Sprintf("%s to %s", opts.Start.Format(time.RFC3339), opts.End.Format(time.RFC3339)),
		Format:          format,
		ExportedAt:      at,
	}
}

// ExportToJSON exports history as JSON to the given writer
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	recs, err := e.query(ctx, opts)
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []storage.HistoryRecord{}
	}

	doc := Document{
		Metadata: Metadata{
			ExportedAt:  time.Now().UTC(),
			StartTime:   opts.Start,
			EndTime:     opts.End,
			DeviceID:    opts.DeviceID,
			RecordCount: len(recs),
			Format:      FormatJSON,
			Version:     FormatVersion,
		},
		Records: recs,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return result(len(recs), FormatJSON, opts, doc.Metadata.ExportedAt), nil
}

// ExportToCSV exports history as CSV to the given writer
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	recs, err := e.query(ctx, opts)
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(CSVHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, rec := range recs {
		if err := writer.Write(csvRow(rec)); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}

	return result(len(recs), FormatCSV, opts, time.Now().UTC()), nil
}

func csvRow(rec storage.HistoryRecord) []string {
	return []string{
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.DeviceID,
		rec.VenueName,
		rec.VenueType,
		strconv.Itoa(rec.CurrentOccupancy),
		strconv.Itoa(rec.MaxCapacity),
		strconv.FormatFloat(rec.OccupancyRate, 'f', -1, 64),
		strconv.Itoa(rec.WifiDevices),
		strconv.Itoa(rec.BleDevices),
		strconv.Itoa(rec.Hour),
		strconv.Itoa(rec.DayOfWeek),
		rec.Date,
		rec.Month,
		strconv.FormatBool(rec.IsWeekend),
		optFloat(rec.SignalStrength),
		optFloat(rec.SNR),
		optString(rec.GatewayID),
		optInt(rec.BatteryLevel),
	}
}

// Absent optional values are written as empty cells.
func optFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func optInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func optString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
