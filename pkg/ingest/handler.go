package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/availo/pkg/config"
	"github.com/nicktill/availo/pkg/httpx"
	"github.com/nicktill/availo/pkg/ttn"
)

// Handler serves the TTN webhook.
type Handler struct {
	processor *Processor
	logger    *zap.Logger
	timeout   time.Duration
}

// NewHandler creates a webhook handler. Each request gets timeout to finish
// its writes; zero means no deadline beyond the client's.
func NewHandler(p *Processor, logger *zap.Logger, timeout time.Duration) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{processor: p, logger: logger, timeout: timeout}
}

// FailureResponse is the body of a 500 response.
type FailureResponse struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// HandleWebhook handles the /v1/ttn/webhook endpoint.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxWebhookBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusBadRequest)
			return
		}
		http.Error(w, "Unable to read request body", http.StatusBadRequest)
		return
	}

	env, err := ttn.Parse(body)
	if err != nil {
		h.logger.Warn("invalid webhook body",
			zap.String("request_id", httpx.RequestIDFrom(r.Context())),
			zap.Error(err))
		http.Error(w, "Invalid TTN payload: malformed JSON", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	res := h.processor.Process(ctx, env)
	switch {
	case res.Status == http.StatusNoContent:
		httpx.NoContent(w)
	case res.Status == http.StatusBadRequest:
		http.Error(w, "Invalid TTN payload: "+res.Err.Error(), http.StatusBadRequest)
	default:
		httpx.RespondJSON(w, res.Status, FailureResponse{
			Success:   false,
			Error:     "Internal processing error",
			Timestamp: time.Now().UTC(),
		})
	}
}
