package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/nicktill/availo/pkg/storage"
)

// MaxImportRecords caps the records accepted in one import.
const MaxImportRecords = 100000

// Importer restores history from JSON exports.
type Importer struct {
	storage storage.HistoryStore
	now     func() time.Time
}

// NewImporter creates a new importer
func NewImporter(store storage.HistoryStore) *Importer {
	return &Importer{storage: store, now: time.Now}
}

// DeviceDay names a (device, date) whose history changed.
type DeviceDay struct {
	DeviceID string `json:"device_id"`
	Date     string `json:"date"`
}

// ImportResult contains stats about the import operation
type ImportResult struct {
	RecordsImported int         `json:"records_imported"`
	Duplicates      int         `json:"duplicates"`
	TimeRange       string      `json:"time_range"`
	ImportedAt      time.Time   `json:"imported_at"`
	Days            []DeviceDay `json:"days,omitempty"`
	Errors          []string    `json:"errors,omitempty"`
}

// ImportFromJSON appends every valid record of a JSON export. Records
// already present are counted as duplicates and left unchanged.
func (im *Importer) ImportFromJSON(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	if doc.Metadata.Version != "" && doc.Metadata.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported export version %q", doc.Metadata.Version)
	}
	if len(doc.Records) > MaxImportRecords {
		return nil, fmt.Errorf("too many records: %d (max %d)", len(doc.Records), MaxImportRecords)
	}

	result := &ImportResult{ImportedAt: im.now().UTC(), TimeRange: "empty"}
	days := make(map[DeviceDay]bool)
	var minTime, maxTime time.Time

	for i, rec := range doc.Records {
		if err := im.validate(rec); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", i, err))
			continue
		}

		created, err := im.storage.AppendHistory(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("failed to write record %s: %w", rec.ID, err)
		}
		if !created {
			result.Duplicates++
			continue
		}

		result.RecordsImported++
		days[DeviceDay{DeviceID: rec.DeviceID, Date: rec.Date}] = true
		if minTime.IsZero() || rec.Timestamp.Before(minTime) {
			minTime = rec.Timestamp
		}
		if rec.Timestamp.After(maxTime) {
			maxTime = rec.Timestamp
		}
	}

	if result.RecordsImported > 0 {
		result.TimeRange = fmt.Sprintf("%s to %s", minTime.Format(time.RFC3339), maxTime.Format(time.RFC3339))
	}
	for d := range days {
		result.Days = append(result.Days, d)
	}
	sort.Slice(result.Days, func(i, j int) bool {
		if result.Days[i].Date != result.Days[j].Date {
			return result.Days[i].Date < result.Days[j].Date
		}
		return result.Days[i].DeviceID < result.Days[j].DeviceID
	})
	return result, nil
}

// validate checks a record before import.
func (im *Importer) validate(rec storage.HistoryRecord) error {
	if rec.DeviceID == "" {
		return fmt.Errorf("device_id cannot be empty")
	}
	if rec.Timestamp.IsZero() {
		return fmt.Errorf("timestamp cannot be zero")
	}
	if want := storage.HistoryID(rec.Timestamp, rec.DeviceID); rec.ID != want {
		return fmt.Errorf("id %q does not match timestamp and device (want %q)", rec.ID, want)
	}
	if _, err := time.Parse("2006-01-02", rec.Date); err != nil {
		return fmt.Errorf("invalid date %q", rec.Date)
	}
	if rec.CurrentOccupancy < 0 || rec.WifiDevices < 0 || rec.BleDevices < 0 {
		return fmt.Errorf("counts cannot be negative")
	}

	now := im.now()
	if rec.Timestamp.Before(now.Add(-10 * 365 * 24 * time.Hour)) {
		return fmt.Errorf("timestamp too far in past: %s", rec.Timestamp)
	}
	if rec.Timestamp.After(now.Add(24 * time.Hour)) {
		return fmt.Errorf("timestamp too far in future: %s", rec.Timestamp)
	}
	return nil
}
