package ingest

import (
	"errors"
	"fmt"

	"github.com/nicktill/availo/pkg/config"
	"github.com/nicktill/availo/pkg/ttn"
)

var (
	// ErrMissingDeviceID is returned when end_device_ids.device_id is absent.
	ErrMissingDeviceID = errors.New("missing device_id")

	// ErrDeviceIDTooLong is returned when a device id exceeds MaxDeviceIDLength.
	ErrDeviceIDTooLong = fmt.Errorf("device_id too long (max %d chars)", config.MaxDeviceIDLength)

	// ErrPayloadTooLong is returned when frm_payload exceeds MaxFrmPayloadLength.
	ErrPayloadTooLong = fmt.Errorf("frm_payload too long (max %d chars)", config.MaxFrmPayloadLength)
)

// ValidateEnvelope checks the fields every event needs before it is classified.
func ValidateEnvelope(env *ttn.Envelope) error {
	if env == nil {
		return ErrMissingDeviceID
	}

	id := env.DeviceID()
	if id == "" {
		return ErrMissingDeviceID
	}
	if len(id) > config.MaxDeviceIDLength {
		return fmt.Errorf("%w: %d chars", ErrDeviceIDTooLong, len(id))
	}

	if msg := env.UplinkMessage; msg != nil && len(msg.FrmPayload) > config.MaxFrmPayloadLength {
		return fmt.Errorf("%w: device %q sent %d chars", ErrPayloadTooLong, id, len(msg.FrmPayload))
	}
	return nil
}
