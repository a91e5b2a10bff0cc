// Package idempotency makes sure a sync trigger runs once per form and minute.
// Triggers are keyed by Hash(FormID+RequestedAt truncated to the minute) and
// claimed in the sync_inbox table before the pipeline runs.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status is the lifecycle state of a claimed trigger.
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrDuplicateMessage is returned when another worker won the claim race.
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress is returned while a fresh STARTED claim exists.
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed is returned for keys that failed with a terminal error.
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// InboxConfig controls retention and recovery of claims.
type InboxConfig struct {
	// DefaultTTL is how long a key is remembered after its first claim.
	DefaultTTL time.Duration
	// JanitorInterval is how often expired rows are deleted and stale claims released.
	JanitorInterval time.Duration
	// RecoveryTimeout is the age after which a STARTED claim is considered abandoned.
	RecoveryTimeout time.Duration
	// IsTerminal reports handler errors that must not be retried. A nil
	// func treats every error as recoverable.
	IsTerminal func(error) bool
}

// DefaultInboxConfig returns the worker defaults.
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		DefaultTTL:      24 * time.Hour,
		JanitorInterval: time.Hour,
		RecoveryTimeout: 10 * time.Minute,
	}
}

// Trigger identifies one unit of work to claim.
type Trigger struct {
	Key     string
	Handler string
	FormID  string
	Payload json.RawMessage
}

// ProcessResult describes a claim that ended with a stored result.
type ProcessResult struct {
	// Attempt is 1 for a first run and higher for recovered claims. It is 0
	// when fn did not run.
	Attempt int
	// Duplicate is set when the key had already finished and fn was not run.
	Duplicate bool
	Result    json.RawMessage
}

// ProcessFunc runs the claimed work and returns the result to store.
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Inbox stores sync trigger claims in Postgres.
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer
}

// NewInbox returns an inbox backed by pool.
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
	}
}

// GenerateKey creates a deterministic idempotency key for a sync trigger.
// Triggers for the same form within the same minute share a key.
func GenerateKey(formID string, requestedAt time.Time) string {
	minute := requestedAt.UTC().Truncate(time.Minute).Format(time.RFC3339)
	sum := sha256.Sum256([]byte(strings.Join([]string{"sync", strings.TrimSpace(formID), minute}, "|")))
	return hex.EncodeToString(sum[:])
}

// Process claims t and runs fn if the claim succeeds. Finished keys return
// their stored result marked Duplicate without running fn.
func (i *Inbox) Process(ctx context.Context, t Trigger, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", t.Key),
			attribute.String("form_id", t.FormID),
		))
	defer span.End()

	attempt, err := i.claim(ctx, t)
	if errors.Is(err, pgx.ErrNoRows) {
		status, result, lerr := i.lookup(ctx, t.Key)
		if lerr != nil {
			return nil, fmt.Errorf("inbox lookup: %w", lerr)
		}
		span.SetAttributes(attribute.String("existing_status", string(status)))
		return settled(t.Key, status, result)
	}
	if err != nil {
		return nil, fmt.Errorf("inbox claim: %w", err)
	}
	span.SetAttributes(attribute.Int("attempt", attempt))

	result, runErr := fn(ctx)
	if runErr != nil {
		status := StatusRecoverable
		if i.isTerminal(runErr) {
			status = StatusFailed
		}
		if err := i.release(ctx, t.Key, status, runErr); err != nil {
			i.logger.Error("failed to record sync failure",
				zap.String("idempotency_key", t.Key),
				zap.String("status", string(status)),
				zap.Error(err))
		}
		span.RecordError(runErr)
		return nil, runErr
	}

	if err := i.finish(ctx, t.Key, result); err != nil {
		// The sync itself succeeded; a lost FINISHED mark only costs a rerun.
		i.logger.Error("failed to record sync result", zap.String("idempotency_key", t.Key), zap.Error(err))
	}
	return &ProcessResult{Attempt: attempt, Result: result}, nil
}

// settled maps an existing claim that could not be taken over to its outcome.
func settled(key string, status Status, result json.RawMessage) (*ProcessResult, error) {
	switch status {
	case StatusFinished:
		return &ProcessResult{Duplicate: true, Result: result}, nil
	case StatusFailed:
		return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
	case StatusStarted:
		return nil, ErrMessageInProgress
	default:
		// Released between our claim and lookup; another worker has it now.
		return nil, ErrDuplicateMessage
	}
}

// claim inserts a STARTED row or takes over a recoverable or abandoned one.
// pgx.ErrNoRows means the key is held in some other state.
func (i *Inbox) claim(ctx context.Context, t Trigger) (int, error) {
	const q = `
		INSERT INTO sync_inbox (idempotency_key, handler_name, form_id, status, payload, expires_at)
		VALUES ($1, $2, $3, 'STARTED', $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = 'STARTED', attempts = sync_inbox.attempts + 1, last_error = NULL, updated_at = NOW()
		WHERE sync_inbox.status = 'RECOVERABLE'
		   OR (sync_inbox.status = 'STARTED' AND sync_inbox.updated_at < NOW() - make_interval(secs => $6))
		RETURNING attempts
	`
	var attempts int
	err := i.pool.QueryRow(ctx, q, t.Key, t.Handler, strings.TrimSpace(t.FormID), t.Payload,
		time.Now().Add(i.config.DefaultTTL), i.config.RecoveryTimeout.Seconds()).Scan(&attempts)
	return attempts, err
}

func (i *Inbox) lookup(ctx context.Context, key string) (Status, json.RawMessage, error) {
	var (
		status Status
		result json.RawMessage
	)
	err := i.pool.QueryRow(ctx,
		`SELECT status, result FROM sync_inbox WHERE idempotency_key = $1`, key).Scan(&status, &result)
	if errors.Is(err, pgx.ErrNoRows) {
		// Expired between claim and lookup.
		return "", nil, nil
	}
	return status, result, err
}

func (i *Inbox) finish(ctx context.Context, key string, result json.RawMessage) error {
	_, err := i.pool.Exec(ctx,
		`UPDATE sync_inbox SET status = 'FINISHED', result = $2, updated_at = NOW() WHERE idempotency_key = $1`,
		key, result)
	return err
}

func (i *Inbox) release(ctx context.Context, key string, status Status, cause error) error {
	_, err := i.pool.Exec(ctx,
		`UPDATE sync_inbox SET status = $2, last_error = $3, updated_at = NOW() WHERE idempotency_key = $1`,
		key, status, cause.Error())
	return err
}

func (i *Inbox) isTerminal(err error) bool {
	return i.config.IsTerminal != nil && i.config.IsTerminal(err)
}

// RecoverStaleEntries releases STARTED claims older than the recovery timeout.
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `
		UPDATE sync_inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED' AND updated_at < NOW() - make_interval(secs => $1)
	`, i.config.RecoveryTimeout.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Purge deletes rows past their expiry.
func (i *Inbox) Purge(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `DELETE FROM sync_inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RunJanitor purges expired rows and releases stale claims every
// JanitorInterval until ctx is done.
func (i *Inbox) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(i.config.JanitorInterval)
	defer ticker.Stop()

	i.logger.Info("inbox janitor started", zap.Duration("interval", i.config.JanitorInterval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.sweep(ctx)
		}
	}
}

func (i *Inbox) sweep(ctx context.Context) {
	purged, err := i.Purge(ctx)
	if err != nil {
		i.logger.Error("inbox purge failed", zap.Error(err))
	}
	recovered, err := i.RecoverStaleEntries(ctx)
	if err != nil {
		i.logger.Error("inbox recovery failed", zap.Error(err))
	}
	if purged > 0 || recovered > 0 {
		i.logger.Info("inbox swept", zap.Int64("purged", purged), zap.Int64("recovered", recovered))
	}
}

// Failure is a trigger that ended FAILED or RECOVERABLE.
type Failure struct {
	FormID    string
	Status    Status
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// Counts returns the number of rows per status.
func (i *Inbox) Counts(ctx context.Context) (map[Status]int64, error) {
	rows, err := i.pool.Query(ctx, `SELECT status, COUNT(*) FROM sync_inbox GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int64, 4)
	for rows.Next() {
		var (
			s Status
			n int64
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

// RecentFailures lists the latest failed or recoverable triggers, newest first.
func (i *Inbox) RecentFailures(ctx context.Context, limit int) ([]Failure, error) {
	rows, err := i.pool.Query(ctx, `
		SELECT form_id, status, attempts, COALESCE(last_error, ''), updated_at
		FROM sync_inbox
		WHERE status IN ('FAILED', 'RECOVERABLE')
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Failure, error) {
		var f Failure
		err := row.Scan(&f.FormID, &f.Status, &f.Attempts, &f.LastError, &f.UpdatedAt)
		return f, err
	})
}
