package main

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/availo/pkg/config"
	"github.com/nicktill/availo/pkg/decoder"
	"github.com/nicktill/availo/pkg/ingest"
	"github.com/nicktill/availo/pkg/registry"
	"github.com/nicktill/availo/pkg/server"
	"github.com/nicktill/availo/pkg/storage/memory"
	"github.com/nicktill/availo/pkg/ttn"
)

var afternoon = time.Date(2025, 7, 31, 14, 30, 0, 0, time.UTC)

func newTestSensor(mode string) *sensor {
	return newSensor("strathmore-sensor1", "availo-sim", 20, mode, rand.New(rand.NewSource(1)))
}

// roundTrip marshals env and parses it back the way the webhook does.
func roundTrip(t *testing.T, env *ttn.Envelope) ttn.Event {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	parsed, err := ttn.Parse(body)
	require.NoError(t, err)
	return ttn.Classify(parsed)
}

func TestSensor_MixedModeCycles(t *testing.T) {
	s := newTestSensor(ModeMixed)
	dec := decoder.New(registry.Default(), rand.New(rand.NewSource(1)))

	var modes []string
	for i := 0; i < 6; i++ {
		env, err := s.Uplink(afternoon)
		require.NoError(t, err)

		ev, ok := roundTrip(t, env).(ttn.UplinkEvent)
		require.True(t, ok, "uplink %d did not classify as an uplink", i)
		assert.Equal(t, "strathmore-sensor1", ev.IDs.DeviceID)
		assert.Equal(t, i+1, ev.FCnt)
		require.NotNil(t, ev.Gateway)
		assert.Equal(t, "sim-gateway", ev.Gateway.GatewayIDs.GatewayID)

		switch {
		case ev.Decoded != nil:
			modes = append(modes, ModeDecoded)
		case ev.FrmPayload == "3q2+7w==":
			modes = append(modes, ModeTest)
		default:
			modes = append(modes, ModeRaw)
		}

		r := dec.Decode(ev.FrmPayload, ev.Decoded, ev.IDs.DeviceID)
		assert.GreaterOrEqual(t, r.Occupancy, 0)
		assert.LessOrEqual(t, r.Occupancy, 20)
		require.NotNil(t, r.Battery)
	}
	// fcnt starts at 1, so the cycle begins at the second entry.
	assert.Equal(t, []string{ModeRaw, ModeTest, ModeDecoded, ModeRaw, ModeTest, ModeDecoded}, modes)
}

func TestSensor_RawFrameLayout(t *testing.T) {
	s := newTestSensor(ModeRaw)
	env, err := s.Uplink(afternoon)
	require.NoError(t, err)

	ev := roundTrip(t, env).(ttn.UplinkEvent)
	assert.Nil(t, ev.Decoded)

	r := decoder.New(registry.Default(), nil).Decode(ev.FrmPayload, nil, ev.IDs.DeviceID)
	require.NotNil(t, r.Battery)
	assert.Equal(t, 100, *r.Battery)
	assert.Greater(t, r.WifiDevices, 0)
}

func TestSensor_OccupancyFollowsDay(t *testing.T) {
	s := newTestSensor(ModeDecoded)
	for hour := 0; hour < 24; hour++ {
		occ := s.occupancyAt(time.Date(2025, 7, 31, hour, 0, 0, 0, time.UTC))
		assert.GreaterOrEqual(t, occ, 0, "hour %d", hour)
		assert.LessOrEqual(t, occ, 20, "hour %d", hour)
		if hour < 7 || hour == 23 {
			assert.LessOrEqual(t, occ, 1, "hour %d", hour)
		}
	}
	assert.Greater(t, s.occupancyAt(afternoon), 5)
}

func TestSensor_BatteryDrains(t *testing.T) {
	s := newTestSensor(ModeDecoded)
	for i := 0; i < 250; i++ {
		_, err := s.Uplink(afternoon)
		require.NoError(t, err)
	}
	assert.Equal(t, 98, s.battery)
}

func TestSensor_Join(t *testing.T) {
	ev, ok := roundTrip(t, newTestSensor(ModeMixed).Join(afternoon)).(ttn.JoinEvent)
	require.True(t, ok)
	assert.NotEmpty(t, ev.SessionKeyID)
	assert.Equal(t, "availo-sim", ev.IDs.ApplicationIDs.ApplicationID)
}

func TestWebhookSender(t *testing.T) {
	var gotAuth, gotType string
	var gotEnv ttn.Envelope
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotEnv)
		w.WriteHeader(status)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	sender := NewWebhookSender(srv.URL, "secret")
	env := newTestSensor(ModeDecoded).Join(afternoon)
	require.NoError(t, sender.Send(context.Background(), env))
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "strathmore-sensor1", gotEnv.EndDeviceIDs.DeviceID)

	status = http.StatusBadRequest
	err := sender.Send(context.Background(), env)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	assert.Equal(t, "nope", statusErr.Body)
	assert.False(t, statusErr.Retryable())

	status = http.StatusServiceUnavailable
	require.ErrorAs(t, sender.Send(context.Background(), env), &statusErr)
	assert.True(t, statusErr.Retryable())
}

type recordingSender struct {
	mu   sync.Mutex
	envs []*ttn.Envelope
}

func (r *recordingSender) Send(_ context.Context, env *ttn.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func TestSimulator_TickSendsPerSensor(t *testing.T) {
	cfg := simConfig{Mode: ModeDecoded, ApplicationID: "availo-sim"}
	sensors, err := buildSensors(registry.Default(), cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	rec := &recordingSender{}
	sim := &simulator{sender: rec, sensors: sensors, logger: zap.NewNop(), now: func() time.Time { return afternoon }}
	sim.Tick(context.Background())

	assert.Len(t, rec.envs, registry.Default().Len())
	seen := make(map[string]bool)
	for _, env := range rec.envs {
		seen[env.DeviceID()] = true
	}
	assert.Len(t, seen, registry.Default().Len())
}

func TestBuildSensors_ExplicitDevices(t *testing.T) {
	cfg := simConfig{Mode: ModeRaw, Devices: []string{"strathmore-sensor1", "garage-sensor9"}}
	sensors, err := buildSensors(registry.Default(), cfg, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	require.Len(t, sensors, 2)
	assert.Equal(t, registry.DefaultCapacity, sensors[1].capacity)
}

func TestSimConfig_Validate(t *testing.T) {
	ok := simConfig{Endpoint: "http://localhost:8080/v1/ttn/webhook", Interval: time.Second, Mode: ModeMixed}
	require.NoError(t, ok.validate())

	bad := ok
	bad.Mode = "carrier-pigeon"
	assert.Error(t, bad.validate())

	bad = ok
	bad.Interval = 0
	assert.Error(t, bad.validate())
}

func TestSimulator_AgainstServer(t *testing.T) {
	cfg := config.Config{
		Port:              "8080",
		Storage:           config.StorageMemory,
		Timezone:          "UTC",
		WebhookTimeout:    10 * time.Second,
		AggregationBudget: 2 * time.Second,
		ReconcileInterval: time.Hour,
		ReconcileLag:      36 * time.Hour,
	}
	app, err := server.Build(cfg, zaptest.NewLogger(t), memory.New(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	sensors, err := buildSensors(app.Registry, simConfig{Mode: ModeMixed, ApplicationID: "availo-sim"}, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	clock := time.Now().Add(-time.Hour).Truncate(time.Second)
	sim := &simulator{
		sender:  NewWebhookSender(srv.URL+"/v1/ttn/webhook", ""),
		sensors: sensors,
		logger:  zaptest.NewLogger(t),
		now: func() time.Time {
			clock = clock.Add(time.Minute)
			return clock
		},
	}
	for _, sn := range sensors {
		require.NoError(t, sim.sender.Send(context.Background(), sn.Join(sim.now())))
	}
	sim.Tick(context.Background())
	sim.Tick(context.Background())

	events := app.Processor.Metrics().Events
	assert.Equal(t, float64(2*len(sensors)), testutil.ToFloat64(events.WithLabelValues(string(ingest.OutcomeStored))))
	assert.Equal(t, float64(len(sensors)), testutil.ToFloat64(events.WithLabelValues(string(ingest.OutcomeJoined))))
}
