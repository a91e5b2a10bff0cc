package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/controlcentre/section21/internal/jotform"
)

// FormCatalog lists provider forms and their fields.
type FormCatalog interface {
	ListForms(ctx context.Context, excluded map[string]struct{}) ([]jotform.Form, error)
	FetchQuestions(ctx context.Context, formID string) ([]jotform.Question, error)
}

// ManagedForms returns the form ids bound to a location.
type ManagedForms interface {
	ManagedFormIDs(ctx context.Context) ([]string, error)
}

// FormsHandler serves the form picker and field listing used to configure mappings
type FormsHandler struct {
	catalog  FormCatalog
	managed  ManagedForms
	excluded map[string]struct{}
	titles   map[string]string
	logger   *zap.Logger
}

// NewFormsHandler creates a new handler. managed may be nil.
func NewFormsHandler(catalog FormCatalog, managed ManagedForms, excluded map[string]struct{}, titles map[string]string, logger *zap.Logger) *FormsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FormsHandler{
		catalog:  catalog,
		managed:  managed,
		excluded: excluded,
		titles:   titles,
		logger:   logger,
	}
}

// Routes returns the handler routes
func (h *FormsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/{formID}/fields", h.Fields)
	return r
}

// FormView is a form as shown in the picker
type FormView struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Status  string `json:"status,omitempty"`
	Count   int    `json:"count"`
	Managed bool   `json:"managed"`
}

// List handles GET /forms
func (h *FormsHandler) List(w http.ResponseWriter, r *http.Request) {
	forms, err := h.catalog.ListForms(r.Context(), h.excluded)
	if err != nil {
		status := statusFor(err)
		h.logger.Error("failed to list forms", zap.Error(err))
		jsonError(w, publicMessage(err, status), status)
		return
	}

	managed := map[string]bool{}
	if h.managed != nil {
		ids, err := h.managed.ManagedFormIDs(r.Context())
		if err != nil {
			// The picker is still usable without the markers.
			h.logger.Warn("failed to load managed forms", zap.Error(err))
		}
		for _, id := range ids {
			managed[id] = true
		}
	}

	views := make([]FormView, 0, len(forms))
	for _, f := range forms {
		title := f.Title
		if t := strings.TrimSpace(h.titles[f.ID]); t != "" {
			title = t
		}
		views = append(views, FormView{
			ID:      f.ID,
			Title:   title,
			Status:  f.Status,
			Count:   f.Count,
			Managed: managed[f.ID],
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"forms": views,
		"count": len(views),
	})
}

// Fields handles GET /forms/{formID}/fields
func (h *FormsHandler) Fields(w http.ResponseWriter, r *http.Request) {
	formID := strings.TrimSpace(chi.URLParam(r, "formID"))
	if _, ok := h.excluded[formID]; ok {
		jsonError(w, "form is excluded", http.StatusUnprocessableEntity)
		return
	}

	questions, err := h.catalog.FetchQuestions(r.Context(), formID)
	if err != nil {
		status := statusFor(err)
		h.logger.Error("failed to fetch form fields",
			zap.String("form_id", formID),
			zap.Error(err))
		jsonError(w, publicMessage(err, status), status)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"form_id": formID,
		"fields":  questions,
	})
}
