package export

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/availo/pkg/config"
	"github.com/nicktill/availo/pkg/httpx"
	"github.com/nicktill/availo/pkg/query"
	"github.com/nicktill/availo/pkg/storage"
)

// MaxImportBodyBytes caps an import request body.
const MaxImportBodyBytes = 64 << 20

// DayRebuilder recomputes a day's aggregate after its history changed.
type DayRebuilder interface {
	RebuildDay(ctx context.Context, deviceID, date string) error
}

// Handler handles export/import HTTP endpoints
type Handler struct {
	exporter  *Exporter
	importer  *Importer
	rebuilder DayRebuilder
	logger    *zap.Logger
	now       func() time.Time
}

// NewHandler creates a new export/import handler. rebuilder may be nil, in
// which case imports leave aggregates untouched.
func NewHandler(store storage.HistoryStore, rebuilder DayRebuilder, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		exporter:  NewExporter(store),
		importer:  NewImporter(store),
		rebuilder: rebuilder,
		logger:    logger,
		now:       time.Now,
	}
}

// HandleExport handles GET /v1/export
// Query params:
//   - format: "json" or "csv" (default: json)
//   - start, end: unix seconds or RFC3339 (default: the last 24 hours)
//   - device: device id filter (optional)
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()

	format := q.Get("format")
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatCSV {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Invalid format. Must be 'json' or 'csv'")
		return
	}

	tr, err := query.ParseRange(q, h.now().UTC(), config.DefaultExportWindow, config.MaxExportWindow)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	opts := ExportOptions{
		Start:    tr.Start,
		End:      tr.End,
		DeviceID: q.Get("device"),
		Format:   format,
	}

	timestamp := h.now().UTC().Format("20060102-150405")
	if format == FormatJSON {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=availo-history-%s.%s", timestamp, format))

	var result *ExportResult
	if format == FormatJSON {
		result, err = h.exporter.ExportToJSON(r.Context(), w, opts)
	} else {
		result, err = h.exporter.ExportToCSV(r.Context(), w, opts)
	}
	if err != nil {
		// Headers may already be out; the log is the reliable signal.
		h.logger.Error("history export failed",
			zap.String("request_id", httpx.RequestIDFrom(r.Context())),
			zap.Error(err))
		http.Error(w, "Export failed", http.StatusInternalServerError)
		return
	}

	h.logger.Info("exported history",
		zap.Int("records", result.RecordsExported),
		zap.String("format", format),
		zap.String("time_range", result.TimeRange),
		zap.String("device_id", opts.DeviceID))
}

// HandleImport handles POST /v1/import
// Accepts a JSON export and appends its records to history, then rebuilds
// the aggregates of every day that gained records.
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.Header.Get("Content-Type") != "application/json" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "Content-Type must be application/json")
		return
	}

	body := http.MaxBytesReader(w, r.Body, MaxImportBodyBytes)
	result, err := h.importer.ImportFromJSON(r.Context(), body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.RespondErrorString(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		h.logger.Warn("history import failed", zap.Error(err))
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("import failed: %w", err))
		return
	}

	if n := len(result.Errors); n > 0 {
		shown := result.Errors
		if len(shown) > 10 {
			shown = shown[:10]
		}
		h.logger.Warn("import completed with validation errors",
			zap.Int("errors", n),
			zap.Strings("first_errors", shown))
	}

	if h.rebuilder != nil {
		for _, d := range result.Days {
			if err := h.rebuilder.RebuildDay(r.Context(), d.DeviceID, d.Date); err != nil {
				h.logger.Error("rebuild after import failed",
					zap.String("device_id", d.DeviceID),
					zap.String("date", d.Date),
					zap.Error(err))
				httpx.RespondError(w, http.StatusInternalServerError, fmt.Errorf("rebuild %s %s: %w", d.DeviceID, d.Date, err))
				return
			}
		}
	}

	h.logger.Info("imported history",
		zap.Int("records", result.RecordsImported),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("days", len(result.Days)),
		zap.String("time_range", result.TimeRange))

	httpx.RespondJSON(w, http.StatusOK, result)
}
