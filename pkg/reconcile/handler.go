package reconcile

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/availo/pkg/httpx"
	"github.com/nicktill/availo/pkg/storage"
)

// RebuildResponse is returned by the rebuild endpoint.
type RebuildResponse struct {
	Report
	Aggregates []storage.DailyAggregate `json:"aggregates"`
}

// Handler serves the on-demand rebuild endpoint.
type Handler struct {
	rebuilder *Rebuilder
	logger    *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(r *Rebuilder, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{rebuilder: r, logger: logger}
}

// HandleRebuild handles POST /v1/analytics/rebuild
// Query params:
//   - date: YYYY-MM-DD (default: today)
//   - device: device id (default: every registered device)
func (h *Handler) HandleRebuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	date := q.Get("date")
	if date == "" {
		date = h.rebuilder.Today()
	} else if _, err := time.Parse(DateLayout, date); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid date %q: want YYYY-MM-DD", date))
		return
	}

	devices := h.rebuilder.registry.IDs()
	if id := q.Get("device"); id != "" {
		if _, ok := h.rebuilder.registry.Lookup(id); !ok {
			httpx.RespondErrorString(w, http.StatusNotFound, fmt.Sprintf("Device %s not found", id))
			return
		}
		devices = []string{id}
	}

	resp := RebuildResponse{
		Report:     Report{Date: date, Rebuilt: []string{}, Empty: []string{}},
		Aggregates: []storage.DailyAggregate{},
	}
	for _, id := range devices {
		agg, ok, err := h.rebuilder.Rebuild(r.Context(), id, date)
		if err != nil {
			h.logger.Error("rebuild failed",
				zap.String("request_id", httpx.RequestIDFrom(r.Context())),
				zap.String("device_id", id),
				zap.String("date", date),
				zap.Error(err))
			httpx.RespondErrorString(w, http.StatusInternalServerError, fmt.Sprintf("rebuild %s failed", id))
			return
		}
		if !ok {
			resp.Empty = append(resp.Empty, id)
			continue
		}
		resp.Rebuilt = append(resp.Rebuilt, id)
		resp.Aggregates = append(resp.Aggregates, agg)
	}

	h.logger.Info("rebuilt daily analytics on request",
		zap.String("date", date),
		zap.Int("rebuilt", len(resp.Rebuilt)))
	httpx.RespondJSON(w, http.StatusOK, resp)
}
