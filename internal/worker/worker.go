// Package worker handles queued sync requests.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/controlcentre/section21/internal/infrastructure/redpanda"
	"github.com/controlcentre/section21/internal/jotform"
	"github.com/controlcentre/section21/internal/observability/metrics"
	"github.com/controlcentre/section21/internal/pipeline"
	"github.com/controlcentre/section21/pkg/idempotency"
)

// HandlerName identifies the worker in inbox entries.
const HandlerName = "sync-worker"

// Syncer runs a synchronization for one form.
type Syncer interface {
	Sync(ctx context.Context, formID string) (pipeline.Result, error)
}

// Deduper runs fn at most once per key.
type Deduper interface {
	Process(ctx context.Context, t idempotency.Trigger, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// ResultPublisher reports finished runs.
type ResultPublisher interface {
	PublishSyncResult(ctx context.Context, res redpanda.SyncResult) error
}

// Worker turns sync request records into pipeline runs.
type Worker struct {
	syncer    Syncer
	inbox     Deduper
	publisher ResultPublisher
	timeout   time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a worker. publisher and m may be nil.
func New(syncer Syncer, inbox Deduper, publisher ResultPublisher, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		syncer:    syncer,
		inbox:     inbox,
		publisher: publisher,
		timeout:   timeout,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// IsTerminal reports sync errors that will fail the same way on every retry.
func IsTerminal(err error) bool {
	if errors.Is(err, pipeline.ErrFormExcluded) || errors.Is(err, pipeline.ErrFormIDRequired) {
		return true
	}
	var se *jotform.StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 400 && se.StatusCode < 500 && se.StatusCode != http.StatusTooManyRequests
	}
	return false
}

// Handle processes one record. It returns an error only when the request
// should be redelivered.
func (w *Worker) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	req, err := redpanda.DecodeSyncRequest(msg.Key, msg.Value, msg.Timestamp)
	if err != nil {
		w.logger.Warn("dropping undecodable sync request",
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}
	w.metrics.MessageConsumed()

	key := idempotency.GenerateKey(req.FormID, req.RequestedAt)
	logger := w.logger.With(
		zap.String("form_id", req.FormID),
		zap.String("idempotency_key", key),
		zap.String("requested_by", req.RequestedBy))

	trigger := idempotency.Trigger{Key: key, Handler: HandlerName, FormID: req.FormID, Payload: msg.Value}
	pr, err := w.inbox.Process(ctx, trigger, func(ctx context.Context) (json.RawMessage, error) {
		return w.run(ctx, req)
	})

	switch {
	case errors.Is(err, idempotency.ErrDuplicateMessage), errors.Is(err, idempotency.ErrMessageInProgress):
		logger.Info("sync request already being handled")
		w.publish(ctx, redpanda.SyncResult{FormID: req.FormID, Duplicate: true, RequestedAt: req.RequestedAt, CompletedAt: w.now().UTC()})
		return nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		logger.Info("sync request failed permanently before, skipping")
		return nil
	case err != nil && IsTerminal(err):
		logger.Warn("sync request rejected", zap.Error(err))
		w.publish(ctx, redpanda.SyncResult{FormID: req.FormID, Error: err.Error(), RequestedAt: req.RequestedAt, CompletedAt: w.now().UTC()})
		return nil
	case err != nil:
		return fmt.Errorf("sync form %s: %w", req.FormID, err)
	}

	var res redpanda.SyncResult
	if err := json.Unmarshal(pr.Result, &res); err != nil {
		// Finished without a usable result; nothing to report.
		logger.Warn("stored sync result is unreadable", zap.Error(err))
		return nil
	}
	if pr.Duplicate {
		logger.Info("duplicate sync request")
		res.Duplicate = true
	} else if pr.Attempt > 1 {
		logger.Info("sync request recovered", zap.Int("attempt", pr.Attempt))
	}
	w.publish(ctx, res)
	return nil
}

func (w *Worker) run(ctx context.Context, req redpanda.SyncRequest) (json.RawMessage, error) {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	res, err := w.syncer.Sync(ctx, req.FormID)
	if err != nil {
		return nil, err
	}

	w.logger.Info("queued sync completed",
		zap.String("form_id", res.FormID),
		zap.Int("synced", res.Synced),
		zap.Int("errors", res.Errors),
		zap.Duration("duration", res.Duration))

	return json.Marshal(redpanda.SyncResult{
		FormID:      res.FormID,
		FormTitle:   res.FormTitle,
		Synced:      res.Synced,
		Errors:      res.Errors,
		Truncated:   res.Truncated,
		DurationMS:  res.Duration.Milliseconds(),
		RequestedAt: req.RequestedAt,
		CompletedAt: w.now().UTC(),
	})
}

func (w *Worker) publish(ctx context.Context, res redpanda.SyncResult) {
	if w.publisher == nil {
		return
	}
	if err := w.publisher.PublishSyncResult(ctx, res); err != nil {
		w.logger.Warn("failed to publish sync result",
			zap.String("form_id", res.FormID),
			zap.Error(err))
		return
	}
	w.metrics.MessageProduced()
}
