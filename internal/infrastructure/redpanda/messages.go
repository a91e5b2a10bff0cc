package redpanda

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidMessage marks a record that cannot be decoded into a sync request.
var ErrInvalidMessage = errors.New("invalid sync message")

// SyncRequest asks a worker to synchronize one form.
type SyncRequest struct {
	FormID      string    `json:"form_id"`
	RequestedAt time.Time `json:"requested_at"`
	RequestedBy string    `json:"requested_by,omitempty"`
}

// DecodeSyncRequest parses a request record value. A blank form id falls
// back to the record key; a missing timestamp falls back to ts.
func DecodeSyncRequest(key, value []byte, ts time.Time) (SyncRequest, error) {
	var req SyncRequest
	if err := json.Unmarshal(value, &req); err != nil {
		return SyncRequest{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	req.FormID = strings.TrimSpace(req.FormID)
	if req.FormID == "" {
		req.FormID = strings.TrimSpace(string(key))
	}
	if req.FormID == "" {
		return SyncRequest{}, fmt.Errorf("%w: missing form_id", ErrInvalidMessage)
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = ts
	}
	return req, nil
}

// SyncResult reports the outcome of a sync run.
type SyncResult struct {
	FormID      string    `json:"form_id"`
	FormTitle   string    `json:"form_title,omitempty"`
	Synced      int       `json:"synced"`
	Errors      int       `json:"errors"`
	Truncated   bool      `json:"truncated"`
	DurationMS  int64     `json:"duration_ms"`
	Duplicate   bool      `json:"duplicate,omitempty"`
	Error       string    `json:"error,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	CompletedAt time.Time `json:"completed_at"`
}
