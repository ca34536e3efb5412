package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/availo/pkg/ttn"
)

// Uplink payload styles a simulated sensor can send.
const (
	ModeDecoded = "decoded" // decoded_payload from a TTN formatter
	ModeRaw     = "raw"     // 4-byte firmware frame in frm_payload
	ModeTest    = "test"    // DE AD BE EF fixture frame
	ModeMixed   = "mixed"   // cycles through the three above
)

var mixedModes = []string{ModeDecoded, ModeRaw, ModeTest}

// ValidMode reports whether m is a known payload style.
func ValidMode(m string) bool {
	switch m {
	case ModeDecoded, ModeRaw, ModeTest, ModeMixed:
		return true
	}
	return false
}

// sensor simulates one ESP32 occupancy sensor.
type sensor struct {
	deviceID      string
	applicationID string
	gatewayID     string
	capacity      int
	mode          string
	battery       int

	fcnt int
	rng  *rand.Rand
}

func newSensor(deviceID, applicationID string, capacity int, mode string, rng *rand.Rand) *sensor {
	return &sensor{
		deviceID:      deviceID,
		applicationID: applicationID,
		gatewayID:     "sim-gateway",
		capacity:      capacity,
		mode:          mode,
		battery:       100,
		rng:           rng,
	}
}

// occupancyAt follows a campus day: empty overnight, a rise through the
// morning and a peak mid afternoon, with some noise.
func (s *sensor) occupancyAt(t time.Time) int {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	if hour < 7 || hour >= 23 {
		return s.rng.Intn(2)
	}
	load := math.Sin(math.Pi * (hour - 7) / 16)
	noise := s.rng.Float64()*0.2 - 0.1
	occ := int(math.Round(float64(s.capacity) * math.Max(0, load*0.85+noise)))
	return min(occ, s.capacity)
}

// nextMode returns the payload style for the next uplink.
func (s *sensor) nextMode() string {
	if s.mode != ModeMixed {
		return s.mode
	}
	return mixedModes[s.fcnt%len(mixedModes)]
}

// drain lowers the battery by a percent every hundred uplinks.
func (s *sensor) drain() {
	if s.fcnt > 0 && s.fcnt%100 == 0 && s.battery > 1 {
		s.battery--
	}
}

// Uplink builds the next uplink envelope at now.
func (s *sensor) Uplink(now time.Time) (*ttn.Envelope, error) {
	s.fcnt++
	s.drain()

	occ := s.occupancyAt(now)
	// Roughly two phones and one wearable per person.
	wifi := occ*2 + s.rng.Intn(3)
	ble := occ + s.rng.Intn(2)

	msg := &ttn.UplinkMessage{
		FPort:      1,
		FCnt:       s.fcnt,
		ReceivedAt: now.UTC().Format(time.RFC3339Nano),
		RxMetadata: []ttn.RxMetadata{s.rxMetadata()},
	}

	switch mode := s.nextMode(); mode {
	case ModeDecoded:
		decoded, err := json.Marshal(map[string]int{
			"occupancy":  occ,
			"wifi_count": wifi,
			"ble_count":  ble,
			"battery":    s.battery,
		})
		if err != nil {
			return nil, fmt.Errorf("encode decoded payload: %w", err)
		}
		msg.DecodedPayload = decoded
	case ModeRaw:
		msg.FrmPayload = base64.StdEncoding.EncodeToString([]byte{
			byte(min(wifi, 255)),
			byte(min(ble, 255)),
			byte(s.battery),
			0,
		})
	case ModeTest:
		msg.FrmPayload = base64.StdEncoding.EncodeToString([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}

	env := s.envelope(now)
	env.UplinkMessage = msg
	return env, nil
}

// Join builds a join accept envelope at now.
func (s *sensor) Join(now time.Time) *ttn.Envelope {
	env := s.envelope(now)
	env.JoinAccept = &ttn.JoinAccept{
		SessionKeyID: uuid.NewString(),
		ReceivedAt:   now.UTC().Format(time.RFC3339Nano),
	}
	return env
}

func (s *sensor) envelope(now time.Time) *ttn.Envelope {
	return &ttn.Envelope{
		EndDeviceIDs: ttn.EndDeviceIDs{
			DeviceID:       s.deviceID,
			ApplicationIDs: ttn.ApplicationIDs{ApplicationID: s.applicationID},
		},
		CorrelationIDs: []string{"as:up:" + uuid.NewString()},
		ReceivedAt:     now.UTC().Format(time.RFC3339Nano),
	}
}

func (s *sensor) rxMetadata() ttn.RxMetadata {
	rssi := -60 - float64(s.rng.Intn(40))
	snr := math.Round((s.rng.Float64()*15-5)*10) / 10
	return ttn.RxMetadata{
		GatewayIDs: ttn.GatewayIDs{GatewayID: s.gatewayID},
		RSSI:       &rssi,
		SNR:        &snr,
	}
}
