package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nicktill/availo/pkg/config"
	"github.com/nicktill/availo/pkg/httpx"
	"github.com/nicktill/availo/pkg/storage/memory"
)

func testConfig() config.Config {
	return config.Config{
		Port:              "8080",
		Storage:           config.StorageMemory,
		Timezone:          "UTC",
		WebhookTimeout:    10 * time.Second,
		AggregationBudget: 2 * time.Second,
		ReconcileInterval: time.Hour,
		ReconcileLag:      36 * time.Hour,
		RedisStream:       "availo:status",
	}
}

func newTestApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	app, err := Build(cfg, zaptest.NewLogger(t), memory.New(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	return app
}

func serve(app *App, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	app.Handler().ServeHTTP(w, req)
	return w
}

func TestBuild_DefaultRegistry(t *testing.T) {
	app := newTestApp(t, testConfig())
	assert.Equal(t, []string{"strathmore-sensor1"}, app.Registry.IDs())
	assert.Nil(t, app.Publisher)
	assert.Nil(t, app.Subscriber)
	assert.Nil(t, app.Disk)
}

func TestBuild_RegistryFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`devices:
  - id: library-sensor1
    venue_name: Library
    venue_type: library
    max_capacity: 40
`), 0o644))

	cfg := testConfig()
	cfg.DevicesFile = path
	app := newTestApp(t, cfg)
	assert.Equal(t, []string{"library-sensor1"}, app.Registry.IDs())

	cfg.DevicesFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := Build(cfg, zaptest.NewLogger(t), memory.New(), nil)
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	app := newTestApp(t, testConfig())

	for _, path := range []string{"/v1/health", "/healthCheck"} {
		w := serve(app, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code, path)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, Version, resp.Version)
		assert.Equal(t, []string{"strathmore-sensor1"}, resp.Devices)
		assert.Equal(t, Collections, resp.Collections)
		assert.Equal(t, AggregationJob, resp.Aggregation.Name)
		assert.Equal(t, ReconcileJob, resp.Reconcile.Name)
	}
}

func TestHealth_DegradedWhenReconcileFails(t *testing.T) {
	app := newTestApp(t, testConfig())
	for i := 0; i < 5; i++ {
		app.ReconcileMonitor.RecordFailure(errors.New("history unavailable"))
	}

	w := serve(app, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.False(t, resp.Reconcile.Healthy)
	assert.Equal(t, "history unavailable", resp.Reconcile.LastError)
}

func TestStorageEndpoint(t *testing.T) {
	app := newTestApp(t, testConfig())

	w := serve(app, http.MethodGet, "/v1/storage", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp StorageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, config.StorageMemory, resp.Backend)
	require.NotNil(t, resp.Stats)
	assert.Nil(t, resp.Disk)
}

func TestMetricsEndpoint(t *testing.T) {
	app := newTestApp(t, testConfig())

	body := `{
		"end_device_ids": {"device_id": "strathmore-sensor1", "application_ids": {"application_id": "availo"}},
		"received_at": "2025-07-31T14:00:00Z",
		"uplink_message": {"decoded_payload": {"occupancy": 5}}
	}`
	req := httptest.NewRequest(http.MethodPost, "/v1/ttn/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	app.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = serve(app, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))

	out := w.Body.String()
	assert.Contains(t, out, `availo_events_total{outcome="stored"} 1`)
	assert.Contains(t, out, `availo_occupancy{device_id="strathmore-sensor1",venue_name="Strathmore Study Area"} 5`)
	assert.Contains(t, out, `availo_device_messages_total{device_id="strathmore-sensor1"} 1`)
	assert.Contains(t, out, "go_goroutines")
}

func TestRoutes_MethodHandling(t *testing.T) {
	app := newTestApp(t, testConfig())

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/v1/ttn/webhook", http.StatusMethodNotAllowed},
		{http.MethodGet, "/processTTNWebhook", http.StatusMethodNotAllowed},
		{http.MethodPut, "/v1/ttn/webhook", http.StatusMethodNotAllowed},
		{http.MethodGet, "/v1/analytics/rebuild", http.StatusMethodNotAllowed},
		{http.MethodPost, "/v1/lounges", http.StatusMethodNotAllowed},
		{http.MethodGet, "/v1/lounges", http.StatusOK},
		{http.MethodGet, "/getLoungeOccupancy", http.StatusOK},
		{http.MethodGet, "/v1/devices/config", http.StatusOK},
		{http.MethodGet, "/getDeviceConfig?device=strathmore-sensor1", http.StatusOK},
		{http.MethodGet, "/getDeviceConfig?device=nope", http.StatusNotFound},
		{http.MethodGet, "/v1/analytics/daily", http.StatusOK},
		{http.MethodGet, "/v1/history", http.StatusOK},
		{http.MethodGet, "/v1/topology", http.StatusOK},
		{http.MethodGet, "/v1/export", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/nowhere", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := serve(app, tt.method, tt.path, nil)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestMiddleware_RequestID(t *testing.T) {
	app := newTestApp(t, testConfig())

	w := serve(app, http.MethodGet, "/v1/health", nil)
	assert.NotEmpty(t, w.Header().Get(httpx.RequestIDHeader))

	w = serve(app, http.MethodGet, "/v1/health", map[string]string{httpx.RequestIDHeader: "ttn-42"})
	assert.Equal(t, "ttn-42", w.Header().Get(httpx.RequestIDHeader))
}

func TestMiddleware_CORS(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.availo.example"}
	app := newTestApp(t, cfg)

	w := serve(app, http.MethodGet, "/v1/lounges", map[string]string{"Origin": "https://app.availo.example"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://app.availo.example", w.Header().Get("Access-Control-Allow-Origin"))

	w = serve(app, http.MethodGet, "/v1/lounges", map[string]string{"Origin": "https://evil.example"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMiddleware_RecoversPanics(t *testing.T) {
	app := newTestApp(t, testConfig())
	app.Router.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	w := serve(app, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestStart_StopsOnCancel(t *testing.T) {
	app := newTestApp(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	require.NoError(t, app.Start(ctx, &wg))

	// The startup reconcile pass runs immediately and succeeds on an empty store.
	require.Eventually(t, func() bool {
		return app.ReconcileMonitor.Status().Successes == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("background tasks did not stop")
	}
}
