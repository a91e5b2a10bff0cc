package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/controlcentre/section21/internal/api/middleware"
	"github.com/controlcentre/section21/internal/infrastructure/redpanda"
	"github.com/controlcentre/section21/internal/pipeline"
)

// Syncer runs a synchronization for one form.
type Syncer interface {
	Sync(ctx context.Context, formID string) (pipeline.Result, error)
	IsExcluded(formID string) bool
}

// SyncPublisher queues a synchronization for a worker.
type SyncPublisher interface {
	PublishSyncRequest(ctx context.Context, req redpanda.SyncRequest) error
}

// SyncHandler handles sync triggers
type SyncHandler struct {
	syncer    Syncer
	publisher SyncPublisher
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewSyncHandler creates a new handler. publisher may be nil, which disables
// asynchronous triggers. A positive timeout bounds synchronous runs.
func NewSyncHandler(syncer Syncer, publisher SyncPublisher, timeout time.Duration, logger *zap.Logger) *SyncHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncHandler{
		syncer:    syncer,
		publisher: publisher,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}
}

// Routes returns the handler routes
func (h *SyncHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Sync)
	return r
}

// SyncRequest is the request body for a sync trigger
type SyncRequest struct {
	FormID string `json:"form_id"`
}

// SyncResponse is the response for a completed synchronous run
type SyncResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	FormID    string `json:"form_id"`
	FormTitle string `json:"form_title"`
	Synced    int    `json:"synced"`
	Errors    int    `json:"errors"`
	Truncated bool   `json:"truncated"`
}

// QueuedResponse is the response for an accepted asynchronous trigger
type QueuedResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	FormID  string `json:"form_id"`
}

// Sync handles POST /sync
func (h *SyncHandler) Sync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	formID := strings.TrimSpace(req.FormID)
	if formID == "" {
		jsonError(w, "Form ID is required", http.StatusBadRequest)
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("form.id", formID))

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		h.enqueue(w, r, formID)
		return
	}

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	res, err := h.syncer.Sync(ctx, formID)
	if err != nil {
		status := statusFor(err)
		h.logger.Warn("sync request failed",
			zap.String("form_id", formID),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Int("status", status),
			zap.Error(err))
		jsonError(w, publicMessage(err, status), status)
		return
	}

	writeJSON(w, http.StatusOK, SyncResponse{
		Success:   true,
		Message:   fmt.Sprintf("Synced %d records, %d errors", res.Synced, res.Errors),
		FormID:    res.FormID,
		FormTitle: res.FormTitle,
		Synced:    res.Synced,
		Errors:    res.Errors,
		Truncated: res.Truncated,
	})
}

func (h *SyncHandler) enqueue(w http.ResponseWriter, r *http.Request, formID string) {
	if h.publisher == nil {
		jsonError(w, "asynchronous sync is not configured", http.StatusServiceUnavailable)
		return
	}
	if h.syncer.IsExcluded(formID) {
		jsonError(w, fmt.Sprintf("%s: %s", pipeline.ErrFormExcluded, formID), http.StatusUnprocessableEntity)
		return
	}

	req := redpanda.SyncRequest{
		FormID:      formID,
		RequestedAt: h.now().UTC(),
		RequestedBy: middleware.GetClientID(r.Context()),
	}
	if err := h.publisher.PublishSyncRequest(r.Context(), req); err != nil {
		h.logger.Error("failed to queue sync",
			zap.String("form_id", formID),
			zap.Error(err))
		jsonError(w, "failed to queue sync", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusAccepted, QueuedResponse{
		Success: true,
		Message: "Sync queued",
		FormID:  formID,
	})
}
