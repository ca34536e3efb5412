package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nicktill/availo/pkg/config"
	"github.com/nicktill/availo/pkg/httpx"
	"github.com/nicktill/availo/pkg/logger"
	"github.com/nicktill/availo/pkg/server/monitor"
	"github.com/nicktill/availo/pkg/storage"
)

// Version is reported by the health endpoint.
var Version = "1.0.0"

var startTime = time.Now()

// Collections lists the document collections the service writes.
var Collections = []string{
	storage.CollectionStatus,
	storage.CollectionDevices,
	storage.CollectionHistory,
	storage.CollectionDaily,
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string             `json:"status"`
	Version     string             `json:"version"`
	Uptime      string             `json:"uptime"`
	Timestamp   time.Time          `json:"timestamp"`
	Devices     []string           `json:"devices"`
	Collections []string           `json:"collections"`
	Aggregation monitor.JobStatus  `json:"aggregation"`
	Reconcile   monitor.JobStatus  `json:"reconcile"`
	Disk        *monitor.DiskUsage `json:"disk,omitempty"`
}

// StorageResponse describes the active backend.
type StorageResponse struct {
	Backend string             `json:"backend"`
	Stats   *storage.Stats     `json:"stats"`
	Disk    *monitor.DiskUsage `json:"disk,omitempty"`
}

// handleHealth returns service health status. A failing job or a full
// data directory reports "degraded" with 503.
func handleHealth(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:      "healthy",
			Version:     Version,
			Uptime:      time.Since(startTime).Round(time.Second).String(),
			Timestamp:   time.Now().UTC(),
			Devices:     app.Registry.IDs(),
			Collections: Collections,
			Aggregation: app.AggregationMonitor.Status(),
			Reconcile:   app.ReconcileMonitor.Status(),
		}
		healthy := resp.Aggregation.Healthy && resp.Reconcile.Healthy

		if app.Disk != nil {
			usage, err := app.Disk.Usage()
			if err != nil {
				app.Logger.Warn("failed to measure data directory", zap.Error(err))
			} else {
				resp.Disk = &usage
				healthy = healthy && !usage.OverLimit
			}
		}

		code := http.StatusOK
		if !healthy {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		httpx.RespondJSON(w, code, resp)
	}
}

// handleStorage returns backend statistics and, for badger, disk usage.
func handleStorage(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), config.QueryTimeout)
		defer cancel()

		stats, err := app.Store.Stats(ctx)
		if err != nil {
			app.Logger.Error("failed to read storage stats",
				zap.String("request_id", httpx.RequestIDFrom(r.Context())),
				zap.Error(err))
			httpx.RespondError(w, http.StatusInternalServerError, err)
			return
		}

		resp := StorageResponse{Backend: app.Config.Storage, Stats: stats}
		if app.Disk != nil {
			usage, err := app.Disk.Usage()
			if err != nil {
				httpx.RespondError(w, http.StatusInternalServerError, err)
				return
			}
			resp.Disk = &usage
		}
		httpx.RespondJSON(w, http.StatusOK, resp)
	}
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, app *App) {
	// Webhook routes take every method so the handler can answer 405 itself.
	router.HandleFunc("/processTTNWebhook", app.Ingest.HandleWebhook)
	router.HandleFunc("/getDeviceConfig", app.Query.HandleDeviceConfig).Methods(http.MethodGet)
	router.HandleFunc("/getLoungeOccupancy", app.Query.HandleLounges).Methods(http.MethodGet)
	router.HandleFunc("/healthCheck", handleHealth(app)).Methods(http.MethodGet)

	api := router.PathPrefix("/v1").Subrouter()

	// Ingestion
	api.HandleFunc("/ttn/webhook", app.Ingest.HandleWebhook)

	// Current state
	api.HandleFunc("/lounges", app.Query.HandleLounges).Methods(http.MethodGet)
	api.HandleFunc("/lounges/{id}", app.Query.HandleLounge).Methods(http.MethodGet)
	api.HandleFunc("/devices/config", app.Query.HandleDeviceConfig).Methods(http.MethodGet)
	api.HandleFunc("/devices/{id}", app.Query.HandleDevice).Methods(http.MethodGet)
	api.HandleFunc("/topology", app.Query.HandleTopology).Methods(http.MethodGet)

	// History and analytics
	api.HandleFunc("/history", app.Query.HandleHistory).Methods(http.MethodGet)
	api.HandleFunc("/analytics/daily", app.Query.HandleDailyList).Methods(http.MethodGet)
	api.HandleFunc("/analytics/daily/{date}/{device}", app.Query.HandleDaily).Methods(http.MethodGet)
	api.HandleFunc("/analytics/rebuild", app.Reconcile.HandleRebuild).Methods(http.MethodPost)

	// Export/import
	api.HandleFunc("/export", app.Export.HandleExport).Methods(http.MethodGet)
	api.HandleFunc("/import", app.Export.HandleImport).Methods(http.MethodPost)

	// Operations
	api.HandleFunc("/health", handleHealth(app)).Methods(http.MethodGet)
	api.HandleFunc("/storage", handleStorage(app)).Methods(http.MethodGet)

	// WebSocket for real-time status updates
	api.HandleFunc("/ws", app.Hub.HandleWebSocket).Methods(http.MethodGet)

	// Prometheus scrape endpoint
	router.Handle("/metrics", promhttp.HandlerFor(app.Metrics, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(app.Logger.Named("metrics")),
		ErrorHandling: promhttp.ContinueOnError,
	})).Methods(http.MethodGet)
}

// Handler wraps the router in the service middleware: request ids, panic
// recovery, CORS and proxy header handling.
func (a *App) Handler() http.Handler {
	origins := a.Config.AllowedOrigins
	if len(origins) == 0 {
		// Local development defaults.
		origins = []string{
			"http://localhost:" + a.Config.Port,
			"http://127.0.0.1:" + a.Config.Port,
			"http://localhost:3000",
			"http://127.0.0.1:3000",
		}
	}

	var h http.Handler = a.Router
	h = handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", httpx.RequestIDHeader}),
	)(h)
	h = handlers.RecoveryHandler(
		handlers.RecoveryLogger(logger.RecoveryLogger{Logger: a.Logger}),
		handlers.PrintRecoveryStack(true),
	)(h)
	h = httpx.RequestID(h)
	return handlers.ProxyHeaders(h)
}
