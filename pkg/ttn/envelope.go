// Package ttn models The Things Network v3 integration payloads and sorts
// them into the event kinds the ingestion pipeline handles.
package ttn

import (
	"bytes"
	"encoding/json"
	"time"
)

// Envelope is the JSON body TTN posts to webhooks and publishes over MQTT.
// Only the fields this service reads are modelled; everything else is ignored.
type Envelope struct {
	EndDeviceIDs     EndDeviceIDs    `json:"end_device_ids"`
	CorrelationIDs   []string        `json:"correlation_ids,omitempty"`
	ReceivedAt       string          `json:"received_at,omitempty"`
	UplinkMessage    *UplinkMessage  `json:"uplink_message,omitempty"`
	JoinAccept       *JoinAccept     `json:"join_accept,omitempty"`
	NormalizedUplink json.RawMessage `json:"normalized_uplink,omitempty"`

	// keys lists the top-level fields present in the raw body.
	keys []string
}

// EndDeviceIDs identifies the device an event belongs to.
type EndDeviceIDs struct {
	DeviceID       string         `json:"device_id"`
	ApplicationIDs ApplicationIDs `json:"application_ids"`
	DevEUI         string         `json:"dev_eui,omitempty"`
	JoinEUI        string         `json:"join_eui,omitempty"`
	DevAddr        string         `json:"dev_addr,omitempty"`
}

// ApplicationIDs identifies the TTN application.
type ApplicationIDs struct {
	ApplicationID string `json:"application_id"`
}

// UplinkMessage is the uplink_message object.
type UplinkMessage struct {
	FPort          int             `json:"f_port,omitempty"`
	FCnt           int             `json:"f_cnt,omitempty"`
	FrmPayload     string          `json:"frm_payload,omitempty"`
	DecodedPayload json.RawMessage `json:"decoded_payload,omitempty"`
	RxMetadata     []RxMetadata    `json:"rx_metadata,omitempty"`
	ReceivedAt     string          `json:"received_at,omitempty"`
}

// RxMetadata is per-gateway reception metadata.
type RxMetadata struct {
	GatewayIDs GatewayIDs `json:"gateway_ids"`
	RSSI       *float64   `json:"rssi,omitempty"`
	SNR        *float64   `json:"snr,omitempty"`
}

// GatewayIDs identifies the receiving gateway.
type GatewayIDs struct {
	GatewayID string `json:"gateway_id"`
	EUI       string `json:"eui,omitempty"`
}

// JoinAccept is the join_accept object.
type JoinAccept struct {
	SessionKeyID string `json:"session_key_id"`
	ReceivedAt   string `json:"received_at,omitempty"`
}

// DecodedPayload holds the fields a TTN payload formatter may produce.
// A nil field was absent from the payload.
type DecodedPayload struct {
	Occupancy *float64
	WifiCount *float64
	BleCount  *float64
	Battery   *float64
}

// Parse decodes a raw envelope body and remembers its top-level keys.
func Parse(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err == nil {
		env.keys = make([]string, 0, len(top))
		for k := range top {
			env.keys = append(env.keys, k)
		}
	}
	return &env, nil
}

// Keys returns the top-level fields seen by Parse.
func (e *Envelope) Keys() []string {
	return e.keys
}

// DeviceID returns end_device_ids.device_id.
func (e *Envelope) DeviceID() string {
	return e.EndDeviceIDs.DeviceID
}

// Decoded returns the decoded_payload when it is a JSON object, else nil.
// Non-numeric members are treated as absent.
func (m *UplinkMessage) Decoded() *DecodedPayload {
	if m == nil || !present(m.DecodedPayload) {
		return nil
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(m.DecodedPayload, &fields); err != nil {
		return nil
	}
	return &DecodedPayload{
		Occupancy: number(fields, "occupancy"),
		WifiCount: number(fields, "wifi_count"),
		BleCount:  number(fields, "ble_count"),
		Battery:   number(fields, "battery"),
	}
}

// PrimaryGateway returns the first reception metadata entry, or nil.
func (m *UplinkMessage) PrimaryGateway() *RxMetadata {
	if m == nil || len(m.RxMetadata) == 0 {
		return nil
	}
	return &m.RxMetadata[0]
}

// ParseTime parses an RFC 3339 timestamp, falling back to now when the value
// is missing or malformed. ok reports whether value was usable.
func ParseTime(value string, now time.Time) (t time.Time, ok bool) {
	if value == "" {
		return now, false
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return now, false
	}
	return parsed, true
}

func number(fields map[string]interface{}, key string) *float64 {
	v, ok := fields[key].(float64)
	if !ok {
		return nil
	}
	return &v
}

// present reports whether a raw JSON member exists and is not null.
func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
