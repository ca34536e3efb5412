// Package status maintains the per-device "current state" documents: the
// lounge_status snapshot read by the app and the devices monitoring record.
package status

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/availo/pkg/decoder"
	"github.com/nicktill/availo/pkg/registry"
	"github.com/nicktill/availo/pkg/storage"
)

// Uplink is one decoded reading from a registered device.
type Uplink struct {
	Venue   registry.VenueInfo
	Reading decoder.Reading
	// At is the validated reception time.
	At        time.Time
	Signal    *float64
	SNR       *float64
	GatewayID *string
}

// Join is a network join reported for a device.
type Join struct {
	DeviceID     string
	SessionKeyID string
	DevAddr      string
	At           time.Time
}

// Notifier is told about every snapshot written. Implementations must not
// block.
type Notifier interface {
	StatusUpdated(rec storage.StatusRecord)
}

// Build produces the snapshot for u.
func Build(u Uplink) storage.StatusRecord {
	rec := storage.StatusRecord{
		ID:               u.Venue.ID,
		CurrentOccupancy: u.Reading.Occupancy,
		MaxCapacity:      u.Venue.MaxCapacity,
		LastUpdated:      u.At,
		DeviceID:         u.Venue.ID,
		WifiDevices:      u.Reading.WifiDevices,
		BleDevices:       u.Reading.BleDevices,
		VenueName:        u.Venue.VenueName,
		VenueType:        u.Venue.VenueType,
		SignalStrength:   nonZero(u.Signal),
		SNR:              nonZero(u.SNR),
		GatewayID:        u.GatewayID,
	}
	// A zero battery byte means "not measured".
	if b := u.Reading.Battery; b != nil && *b > 0 {
		v := *b
		rec.BatteryLevel = &v
	}
	return rec
}

// nonZero drops a zero radio metric; gateways report 0 when they did not
// measure.
func nonZero(v *float64) *float64 {
	if v == nil || *v == 0 {
		return nil
	}
	x := *v
	return &x
}

// Store writes status and device documents.
type Store struct {
	status   storage.StatusStore
	devices  storage.DeviceStore
	notifier Notifier
	logger   *zap.Logger
}

// NewStore creates a Store. notifier may be nil.
func NewStore(status storage.StatusStore, devices storage.DeviceStore, notifier Notifier, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{status: status, devices: devices, notifier: notifier, logger: logger}
}

// Upsert overwrites the snapshot for rec.ID and notifies listeners.
func (s *Store) Upsert(ctx context.Context, rec storage.StatusRecord) error {
	if err := s.status.PutStatus(ctx, rec); err != nil {
		return fmt.Errorf("write status for %s: %w", rec.ID, err)
	}
	if s.notifier != nil {
		s.notifier.StatusUpdated(rec)
	}
	return nil
}

// TouchDevice merges venue info and telemetry into the device record and
// counts the message.
func (s *Store) TouchDevice(ctx context.Context, rec storage.StatusRecord, venue registry.VenueInfo) error {
	online := storage.DeviceOnline
	seen := rec.LastUpdated
	patch := storage.DevicePatch{
		VenueName:   &venue.VenueName,
		VenueType:   &venue.VenueType,
		MaxCapacity: &venue.MaxCapacity,
		Location:    &venue.Location,
		Status:      &online,
		LastSeen:    &seen,
		Telemetry: &storage.DeviceTelemetry{
			SignalStrength: rec.SignalStrength,
			BatteryLevel:   rec.BatteryLevel,
		},
		IncrementMessages: 1,
	}
	if _, err := s.devices.MergeDevice(ctx, rec.ID, patch); err != nil {
		return fmt.Errorf("update device %s: %w", rec.ID, err)
	}
	return nil
}

// RecordJoin marks a device as joined.
func (s *Store) RecordJoin(ctx context.Context, j Join) (storage.DeviceRecord, error) {
	joined := storage.DeviceJoined
	at := j.At
	patch := storage.DevicePatch{
		Status:       &joined,
		LastJoin:     &at,
		SessionKeyID: &j.SessionKeyID,
	}
	if j.DevAddr != "" {
		patch.DevAddr = &j.DevAddr
	}

	rec, err := s.devices.MergeDevice(ctx, j.DeviceID, patch)
	if err != nil {
		return storage.DeviceRecord{}, fmt.Errorf("record join for %s: %w", j.DeviceID, err)
	}
	s.logger.Info("device joined",
		zap.String("device_id", j.DeviceID),
		zap.String("session_key_id", j.SessionKeyID),
		zap.Time("joined_at", at))
	return rec, nil
}
