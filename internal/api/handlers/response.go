// Package handlers provides HTTP handlers for the sync API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/controlcentre/section21/internal/jotform"
	"github.com/controlcentre/section21/internal/notification"
	"github.com/controlcentre/section21/internal/pipeline"
	"github.com/controlcentre/section21/pkg/circuitbreaker"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrFormIDRequired), errors.Is(err, notification.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrFormExcluded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, jotform.ErrUnexpectedStatus),
		errors.Is(err, jotform.ErrProviderUnavailable),
		circuitbreaker.IsOpenError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage hides internal details of unexpected errors.
func publicMessage(err error, status int) string {
	switch status {
	case http.StatusInternalServerError:
		return "internal server error"
	case http.StatusBadGateway:
		return "form provider request failed"
	case http.StatusGatewayTimeout:
		return "form provider timed out"
	default:
		return err.Error()
	}
}
