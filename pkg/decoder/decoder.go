// Package decoder turns a TTN uplink into an occupancy Reading.
//
// Decoding never fails: every problem (no payload, malformed base64, short
// frames) degrades to a zero or best-effort reading. The only source of
// non-determinism is the DE AD BE EF test frame, which draws from an
// injected random source.
package decoder

import (
	"bytes"
	"encoding/base64"
	"math"
	"math/rand"
	"strings"
	"sync"

	"github.com/nicktill/availo/pkg/registry"
	"github.com/nicktill/availo/pkg/ttn"
)

// Estimation constants used by the ESP32 firmware contract.
const (
	// OccupancyFactor converts detected radios into people.
	OccupancyFactor = 0.4
	// BleWeight discounts BLE devices, which are often wearables.
	BleWeight = 0.5

	// Test frame synthesis.
	TestFrameMinOccupancy = 1
	TestFrameMaxOccupancy = 8
	TestFrameBattery      = 85

	// MaxCount caps decoded counts so formatter output cannot overflow int.
	MaxCount = math.MaxInt32
	// MaxBattery is the top of the battery percentage scale.
	MaxBattery = 100
)

// testFrame is the fixture frame sent by firmware without real sensors.
var testFrame = []byte{0xDE, 0xAD, 0xBE, 0xEF}

// Reading is a normalized occupancy sample.
type Reading struct {
	Occupancy   int  `json:"occupancy"`
	WifiDevices int  `json:"wifi_devices"`
	BleDevices  int  `json:"ble_devices"`
	Battery     *int `json:"battery,omitempty"`
}

// ZeroReading is returned whenever nothing usable could be decoded.
var ZeroReading = Reading{}

// Capacities reports the venue capacity for a device.
type Capacities interface {
	Capacity(deviceID string) int
}

// Decoder decodes uplinks. It is safe for concurrent use.
type Decoder struct {
	capacities Capacities

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Decoder. A nil capacities falls back to
// registry.DefaultCapacity for every device; a nil rng is seeded from
// the global source.
func New(capacities Capacities, rng *rand.Rand) *Decoder {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Decoder{capacities: capacities, rng: rng}
}

// Decode produces a Reading from the raw frm_payload and the optional
// formatter output. The decoded payload wins when present.
func (d *Decoder) Decode(raw string, decoded *ttn.DecodedPayload, deviceID string) Reading {
	if decoded != nil {
		return fromDecoded(decoded)
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ZeroReading
	}

	frame, ok := decodeBase64(raw)
	if !ok {
		return ZeroReading
	}

	switch {
	case bytes.Equal(frame, testFrame):
		return d.testReading()
	case len(frame) >= 4:
		wifi, ble, batt := int(frame[0]), int(frame[1]), int(frame[2])
		estimated := estimate(float64(wifi) + float64(ble)*BleWeight)
		r := Reading{
			Occupancy:   min(estimated, d.capacity(deviceID)),
			WifiDevices: wifi,
			BleDevices:  ble,
		}
		if batt > 0 {
			r.Battery = &batt
		}
		return r
	default:
		var count int
		if len(frame) > 0 {
			count = int(frame[0])
		}
		return Reading{
			Occupancy:   estimate(float64(count)),
			WifiDevices: count,
		}
	}
}

func (d *Decoder) testReading() Reading {
	d.mu.Lock()
	occ := TestFrameMinOccupancy + d.rng.Intn(TestFrameMaxOccupancy-TestFrameMinOccupancy+1)
	d.mu.Unlock()

	battery := TestFrameBattery
	return Reading{
		Occupancy:   occ,
		WifiDevices: occ * 2,
		BleDevices:  int(math.Floor(float64(occ) * BleWeight)),
		Battery:     &battery,
	}
}

func (d *Decoder) capacity(deviceID string) int {
	if d.capacities == nil {
		return registry.DefaultCapacity
	}
	if c := d.capacities.Capacity(deviceID); c > 0 {
		return c
	}
	return registry.DefaultCapacity
}

func fromDecoded(p *ttn.DecodedPayload) Reading {
	wifi := count(p.WifiCount)
	ble := count(p.BleCount)

	r := Reading{WifiDevices: wifi, BleDevices: ble}
	if p.Occupancy != nil {
		r.Occupancy = count(p.Occupancy)
	} else {
		r.Occupancy = estimate(float64(wifi + ble))
	}
	if p.Battery != nil && !math.IsNaN(*p.Battery) {
		b := int(math.Min(math.Max(*p.Battery, 0), MaxBattery))
		r.Battery = &b
	}
	return r
}

// estimate applies floor(max(0, devices*OccupancyFactor)).
func estimate(devices float64) int {
	return int(math.Floor(math.Max(0, devices*OccupancyFactor)))
}

// count converts an optional JSON number to an int in [0, MaxCount],
// truncating fractions.
func count(v *float64) int {
	if v == nil || *v <= 0 || math.IsNaN(*v) {
		return 0
	}
	if *v >= MaxCount {
		return MaxCount
	}
	return int(*v)
}

// decodeBase64 accepts padded or unpadded input in either alphabet, as the
// network server and hand-written test fixtures are not consistent.
func decodeBase64(s string) ([]byte, bool) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, true
		}
	}
	return nil, false
}
