package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/availo/pkg/config"
	"github.com/nicktill/availo/pkg/query"
	"github.com/nicktill/availo/pkg/server"
	"github.com/nicktill/availo/pkg/storage"
	"github.com/nicktill/availo/pkg/storage/memory"
)

const device = "strathmore-sensor1"

func setupApp(t *testing.T) (*server.App, http.Handler) {
	t.Helper()
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
	return app, app.Handler()
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func get(t *testing.T, h http.Handler, path string, v interface{}) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	if v != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
	}
	return w
}

func uplink(deviceID, receivedAt, decoded string) string {
	return `{
		"end_device_ids": {"device_id": "` + deviceID + `", "application_ids": {"application_id": "availo"}},
		"received_at": "` + receivedAt + `",
		"uplink_message": {
			"f_port": 1,
			"frm_payload": "CgIy",
			"decoded_payload": ` + decoded + `,
			"rx_metadata": [{"gateway_ids": {"gateway_id": "gw-strathmore"}, "rssi": -87, "snr": 9.5}]
		}
	}`
}

// TestE2E_JoinAccept covers a join for a known device.
func TestE2E_JoinAccept(t *testing.T) {
	app, h := setupApp(t)

	w := post(t, h, "/v1/ttn/webhook", `{
		"end_device_ids": {"device_id": "strathmore-sensor1"},
		"received_at": "2025-07-31T08:00:00Z",
		"join_accept": {"session_key_id": "AYX1"}
	}`)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	dev, err := app.Store.GetDevice(context.Background(), device)
	require.NoError(t, err)
	assert.Equal(t, storage.DeviceJoined, dev.Status)

	var devResp storage.DeviceRecord
	get(t, h, "/v1/devices/"+device, &devResp)
	assert.Equal(t, storage.DeviceJoined, devResp.Status)
}

// TestE2E_UnregisteredDevice writes nothing for an unknown sensor.
func TestE2E_UnregisteredDevice(t *testing.T) {
	app, h := setupApp(t)

	w := post(t, h, "/v1/ttn/webhook", uplink("rogue-sensor", "2025-07-31T14:05:00Z", `{"occupancy": 3}`))
	require.Equal(t, http.StatusNoContent, w.Code)

	stats, err := app.Store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.StatusRecords)
	assert.Zero(t, stats.HistoryRecords)
	assert.Zero(t, stats.DailyAggregates)
}

// TestE2E_DecodedUplink follows one uplink through every read endpoint.
func TestE2E_DecodedUplink(t *testing.T) {
	_, h := setupApp(t)

	w := post(t, h, "/processTTNWebhook", uplink(device, "2025-07-31T14:05:00Z",
		`{"occupancy": 5, "wifi_count": 10, "ble_count": 2, "battery": 60}`))
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	var lounges query.LoungesResponse
	require.Equal(t, http.StatusOK, get(t, h, "/getLoungeOccupancy", &lounges).Code)
	require.Len(t, lounges.Lounges, 1)
	assert.Equal(t, 5, lounges.Lounges[0].CurrentOccupancy)
	assert.Equal(t, 20, lounges.Lounges[0].MaxCapacity)

	var hist query.HistoryResponse
	require.Equal(t, http.StatusOK, get(t, h,
		"/v1/history?device="+device+"&start=2025-07-31T00:00:00Z&end=2025-07-31T23:59:59Z", &hist).Code)
	require.Len(t, hist.Records, 1)
	rec := hist.Records[0]
	assert.Equal(t, 0.25, rec.OccupancyRate)
	assert.Equal(t, 14, rec.Hour)
	assert.Equal(t, 4, rec.DayOfWeek)
	assert.Equal(t, "2025-07-31", rec.Date)

	var agg storage.DailyAggregate
	require.Equal(t, http.StatusOK, get(t, h, "/v1/analytics/daily/2025-07-31/"+device, &agg).Code)
	assert.Equal(t, 5.0, agg.OccupancyStats.AvgOccupancy)
	assert.Equal(t, 1, agg.OccupancyStats.TotalReadings)
}

// TestE2E_SequentialUplinks aggregates two readings on the same day.
func TestE2E_SequentialUplinks(t *testing.T) {
	_, h := setupApp(t)

	require.Equal(t, http.StatusNoContent,
		post(t, h, "/v1/ttn/webhook", uplink(device, "2025-07-31T09:00:00Z", `{"occupancy": 2}`)).Code)
	require.Equal(t, http.StatusNoContent,
		post(t, h, "/v1/ttn/webhook", uplink(device, "2025-07-31T10:00:00Z", `{"occupancy": 8}`)).Code)

	var agg storage.DailyAggregate
	require.Equal(t, http.StatusOK, get(t, h, "/v1/analytics/daily/2025-07-31/"+device, &agg).Code)
	stats := agg.OccupancyStats
	assert.Equal(t, 5.0, stats.AvgOccupancy)
	assert.Equal(t, 8, stats.MaxOccupancy)
	assert.Equal(t, 2, stats.MinOccupancy)
	assert.Equal(t, 2, stats.TotalReadings)

	// A rebuild from history reproduces the live aggregate.
	w := post(t, h, "/v1/analytics/rebuild?device="+device+"&date=2025-07-31", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var rebuilt storage.DailyAggregate
	require.Equal(t, http.StatusOK, get(t, h, "/v1/analytics/daily/2025-07-31/"+device, &rebuilt).Code)
	assert.Equal(t, agg, rebuilt)
}

// TestE2E_WebhookRejectsGet checks the method guard through the router.
func TestE2E_WebhookRejectsGet(t *testing.T) {
	_, h := setupApp(t)

	for _, path := range []string{"/v1/ttn/webhook", "/processTTNWebhook"} {
		w := get(t, h, path, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, path)
		assert.Equal(t, http.MethodPost, w.Header().Get("Allow"))
	}
}

// TestE2E_InvalidRequests tests error handling
func TestE2E_InvalidRequests(t *testing.T) {
	_, h := setupApp(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed json", `{not json`, http.StatusBadRequest},
		{"missing device id", `{"end_device_ids": {}, "uplink_message": {}}`, http.StatusBadRequest},
		{"unknown event", `{"end_device_ids": {"device_id": "strathmore-sensor1"}, "location_solved": {}}`, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(t, h, "/v1/ttn/webhook", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

// TestE2E_ExportImport round-trips history into a second instance.
func TestE2E_ExportImport(t *testing.T) {
	_, src := setupApp(t)
	now := time.Now().UTC().Truncate(time.Second)
	for i, occ := range []string{"3", "7"} {
		ts := now.Add(time.Duration(i-2) * time.Minute).Format(time.RFC3339)
		require.Equal(t, http.StatusNoContent,
			post(t, src, "/v1/ttn/webhook", uplink(device, ts, `{"occupancy": `+occ+`}`)).Code)
	}

	w := get(t, src, "/v1/export?format=json&device="+device, nil)
	require.Equal(t, http.StatusOK, w.Code)
	backup := w.Body.String()

	dstApp, dst := setupApp(t)
	w = post(t, dst, "/v1/import", backup)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	recs, err := dstApp.Store.QueryHistory(context.Background(), storage.HistoryQuery{DeviceID: device})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	// Import rebuilt the aggregates for the imported days.
	aggs, err := dstApp.Store.QueryDaily(context.Background(), storage.DailyQuery{DeviceID: device})
	require.NoError(t, err)
	total := 0
	for _, a := range aggs {
		total += a.OccupancyStats.TotalReadings
	}
	assert.Equal(t, 2, total)
}
