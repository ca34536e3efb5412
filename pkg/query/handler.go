// Package query serves the read side of the pipeline: current lounge
// status, device records, occupancy history and daily analytics.
package query

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/availo/pkg/config"
	"github.com/nicktill/availo/pkg/httpx"
	"github.com/nicktill/availo/pkg/registry"
	"github.com/nicktill/availo/pkg/storage"
)

// Handler serves read requests.
type Handler struct {
	store    storage.Storage
	registry *registry.Registry
	loc      *time.Location
	logger   *zap.Logger
	now      func() time.Time
}

// NewHandler creates a query handler. Default daily ranges are computed in loc.
func NewHandler(store storage.Storage, reg *registry.Registry, loc *time.Location, logger *zap.Logger) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, registry: reg, loc: loc, logger: logger, now: time.Now}
}

// LoungesResponse is the body of the lounge list.
type LoungesResponse struct {
	Lounges []storage.StatusRecord `json:"lounges"`
}

// DeviceConfigResponse is the body of the device config lookup.
type DeviceConfigResponse struct {
	Success           bool                          `json:"success"`
	Device            string                        `json:"device,omitempty"`
	Config            *registry.VenueInfo           `json:"config,omitempty"`
	RegisteredDevices map[string]registry.VenueInfo `json:"registered_devices,omitempty"`
}

// LookupError is the body of a failed lookup.
type LookupError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// HistoryResponse is the body of a history query.
type HistoryResponse struct {
	DeviceID string                  `json:"device_id,omitempty"`
	Start    time.Time               `json:"start"`
	End      time.Time               `json:"end"`
	Count    int                     `json:"count"`
	Records  []storage.HistoryRecord `json:"records"`
}

// DailyResponse is the body of a daily analytics query.
type DailyResponse struct {
	DeviceID   string                   `json:"device_id,omitempty"`
	From       string                   `json:"from"`
	To         string                   `json:"to"`
	Count      int                      `json:"count"`
	Aggregates []storage.DailyAggregate `json:"aggregates"`
}

// HandleLounges handles GET /v1/lounges.
func (h *Handler) HandleLounges(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.ListStatus(r.Context())
	if err != nil {
		h.internalError(w, r, "list lounges", err)
		return
	}
	if recs == nil {
		recs = []storage.StatusRecord{}
	}
	httpx.RespondJSON(w, http.StatusOK, LoungesResponse{Lounges: recs})
}

// HandleLounge handles GET /v1/lounges/{id}.
func (h *Handler) HandleLounge(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := h.store.GetStatus(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		httpx.RespondJSON(w, http.StatusNotFound, LookupError{Error: fmt.Sprintf("Lounge %s not found", id)})
		return
	}
	if err != nil {
		h.internalError(w, r, "get lounge", err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, rec)
}

// HandleDeviceConfig handles GET /v1/devices/config[?device=ID].
func (h *Handler) HandleDeviceConfig(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("device")
	if id == "" {
		httpx.RespondJSON(w, http.StatusOK, DeviceConfigResponse{
			Success:           true,
			RegisteredDevices: h.registry.All(),
		})
		return
	}

	venue, ok := h.registry.Lookup(id)
	if !ok {
		httpx.RespondJSON(w, http.StatusNotFound, LookupError{Error: fmt.Sprintf("Device %s not found", id)})
		return
	}
	httpx.RespondJSON(w, http.StatusOK, DeviceConfigResponse{Success: true, Device: id, Config: &venue})
}

// HandleDevice handles GET /v1/devices/{id}.
func (h *Handler) HandleDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := h.store.GetDevice(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		httpx.RespondJSON(w, http.StatusNotFound, LookupError{Error: fmt.Sprintf("Device %s not found", id)})
		return
	}
	if err != nil {
		h.internalError(w, r, "get device", err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, rec)
}

// HandleHistory handles GET /v1/history?device=&start=&end=&limit=.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	rng, err := ParseRange(q, h.now(), config.HistoryDefaultWindow, config.HistoryMaxWindow)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := ParseLimit(q.Get("limit"), config.HistoryDefaultLimit)
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	device := q.Get("device")
	recs, err := h.store.QueryHistory(r.Context(), storage.HistoryQuery{
		DeviceID: device,
		Start:    rng.Start,
		End:      rng.End,
		Limit:    limit,
	})
	if err != nil {
		h.internalError(w, r, "query history", err)
		return
	}
	if recs == nil {
		recs = []storage.HistoryRecord{}
	}

	httpx.RespondJSON(w, http.StatusOK, HistoryResponse{
		DeviceID: device,
		Start:    rng.Start,
		End:      rng.End,
		Count:    len(recs),
		Records:  recs,
	})
}

// HandleDailyList handles GET /v1/analytics/daily?device=&from=&to=.
// The default range is the last DailyDefaultWindowDays days.
func (h *Handler) HandleDailyList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	today := h.now().In(h.loc)

	to, err := ParseDate(q.Get("to"), today.Format(DateLayout))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	toDay, _ := time.ParseInLocation(DateLayout, to, h.loc)
	from, err := ParseDate(q.Get("from"), toDay.AddDate(0, 0, -(config.DailyDefaultWindowDays-1)).Format(DateLayout))
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	fromDay, _ := time.ParseInLocation(DateLayout, from, h.loc)
	if fromDay.After(toDay) {
		httpx.RespondErrorString(w, http.StatusBadRequest, "from must not be after to")
		return
	}
	if toDay.Sub(fromDay) > time.Duration(config.DailyMaxWindowDays)*24*time.Hour {
		httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("%w: max %d days", ErrRangeTooLarge, config.DailyMaxWindowDays))
		return
	}

	device := q.Get("device")
	aggs, err := h.store.QueryDaily(r.Context(), storage.DailyQuery{DeviceID: device, From: from, To: to})
	if err != nil {
		h.internalError(w, r, "query daily analytics", err)
		return
	}
	if aggs == nil {
		aggs = []storage.DailyAggregate{}
	}

	httpx.RespondJSON(w, http.StatusOK, DailyResponse{
		DeviceID:   device,
		From:       from,
		To:         to,
		Count:      len(aggs),
		Aggregates: aggs,
	})
}

// HandleDaily handles GET /v1/analytics/daily/{date}/{device}.
func (h *Handler) HandleDaily(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	date, err := ParseDate(vars["date"], "")
	if err != nil || date == "" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "invalid date: want YYYY-MM-DD")
		return
	}

	id := storage.DailyID(date, vars["device"])
	agg, err := h.store.GetDaily(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		httpx.RespondJSON(w, http.StatusNotFound, LookupError{Error: fmt.Sprintf("No analytics for %s", id)})
		return
	}
	if err != nil {
		h.internalError(w, r, "get daily analytics", err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, agg)
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error(op+" failed",
		zap.String("request_id", httpx.RequestIDFrom(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	httpx.RespondErrorString(w, http.StatusInternalServerError, "Internal Server Error")
}
