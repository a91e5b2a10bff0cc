package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/controlcentre/section21/internal/notification"
)

// NotificationLister computes expiry notifications.
type NotificationLister interface {
	List(ctx context.Context, status string) (notification.Report, error)
}

// NotificationHandler serves outcome-letter expiry notifications
type NotificationHandler struct {
	lister NotificationLister
	logger *zap.Logger
}

// NewNotificationHandler creates a new handler
func NewNotificationHandler(lister NotificationLister, logger *zap.Logger) *NotificationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationHandler{lister: lister, logger: logger}
}

// Routes returns the handler routes
func (h *NotificationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	return r
}

// List handles GET /notifications?status=expiring_soon|expired|all
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	report, err := h.lister.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("failed to list notifications", zap.Error(err))
		}
		jsonError(w, publicMessage(err, status), status)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
