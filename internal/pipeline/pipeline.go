// Package pipeline synchronizes a form's provider submissions into the patient store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/controlcentre/section21/internal/domain/location"
	"github.com/controlcentre/section21/internal/domain/patient"
	"github.com/controlcentre/section21/internal/extraction"
	"github.com/controlcentre/section21/internal/jotform"
	"github.com/controlcentre/section21/internal/observability/metrics"
	"github.com/controlcentre/section21/pkg/workerpool"
)

var (
	// ErrFormIDRequired is returned when Sync is called without a form id.
	ErrFormIDRequired = errors.New("form id is required")
	// ErrFormExcluded is returned for form ids on the exclusion list.
	ErrFormExcluded = errors.New("form is excluded from synchronization")
)

// FormProvider fetches form metadata and submissions.
type FormProvider interface {
	FetchFormTitle(ctx context.Context, formID string) (string, error)
	FetchSubmissions(ctx context.Context, formID string, limit int) (*jotform.SubmissionBatch, error)
}

// LocationFinder resolves the location that owns a form. It returns nil, nil
// when no location is bound to the form.
type LocationFinder interface {
	FindByFormID(ctx context.Context, formID string) (*location.Location, error)
}

// RecordUpserter stores a draft keyed by its patient unique id.
type RecordUpserter interface {
	Upsert(ctx context.Context, d *patient.Draft) error
}

// Config holds pipeline configuration
type Config struct {
	// FormTitles are admin-configured titles that take precedence over the provider's.
	FormTitles map[string]string
	// ExcludedFormIDs are never synchronized.
	ExcludedFormIDs map[string]struct{}
	// SubmissionLimit is the page size requested from the provider.
	SubmissionLimit int
	// Workers bounds concurrent submission processing within one run.
	Workers int
	// MaxRetries applies to store failures only.
	MaxRetries int
	RetryDelay time.Duration
	// Timezone is the zone provider timestamps are expressed in.
	Timezone *time.Location
}

// DefaultConfig returns defaults
func DefaultConfig() Config {
	return Config{
		SubmissionLimit: jotform.MaxSubmissionLimit,
		Workers:         8,
		MaxRetries:      2,
		RetryDelay:      200 * time.Millisecond,
		Timezone:        time.UTC,
	}
}

// Result summarizes one sync run.
type Result struct {
	FormID    string        `json:"form_id"`
	FormTitle string        `json:"form_title"`
	Synced    int           `json:"synced"`
	Errors    int           `json:"errors"`
	Truncated bool          `json:"truncated"`
	Duration  time.Duration `json:"-"`
}

// Pipeline runs synchronizations. It holds no per-run state, so concurrent
// Sync calls for different forms are independent.
type Pipeline struct {
	cfg       Config
	provider  FormProvider
	locations LocationFinder
	records   RecordUpserter
	extractor *extraction.Extractor
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New creates a pipeline. m may be nil.
func New(cfg Config, provider FormProvider, locations LocationFinder, records RecordUpserter, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.SubmissionLimit <= 0 || cfg.SubmissionLimit > jotform.MaxSubmissionLimit {
		cfg.SubmissionLimit = def.SubmissionLimit
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Timezone == nil {
		cfg.Timezone = def.Timezone
	}

	return &Pipeline{
		cfg:       cfg,
		provider:  provider,
		locations: locations,
		records:   records,
		extractor: extraction.New(extraction.WithTimezone(cfg.Timezone)),
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("section21-pipeline"),
	}
}

// IsExcluded reports whether formID is on the exclusion list.
func (p *Pipeline) IsExcluded(formID string) bool {
	_, ok := p.cfg.ExcludedFormIDs[strings.TrimSpace(formID)]
	return ok
}

// Sync fetches every submission of formID and upserts it. A provider failure
// fails the whole run with zero counts. Individual submissions that cannot be
// extracted or stored are counted in Errors and never stop the run.
func (p *Pipeline) Sync(ctx context.Context, formID string) (Result, error) {
	start := time.Now()
	formID = strings.TrimSpace(formID)
	res := Result{FormID: formID}

	if formID == "" {
		return res, ErrFormIDRequired
	}
	if p.IsExcluded(formID) {
		p.metrics.ObserveSync("excluded", 0, 0, false, 0)
		return res, fmt.Errorf("%w: %s", ErrFormExcluded, formID)
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.Sync",
		trace.WithAttributes(attribute.String("form.id", formID)))
	defer span.End()

	res.FormTitle = p.resolveTitle(ctx, formID)

	// No location means keyword extraction. A store error is different: a
	// mapping may exist but be unreadable, and keyword guesses must not
	// overwrite records it would have filled correctly.
	loc, err := p.locations.FindByFormID(ctx, formID)
	if err != nil {
		return p.fail(span, res, start, fmt.Errorf("find location: %w", err))
	}
	var mapping *location.FieldMapping
	if loc == nil {
		p.logger.Warn("no location bound to form, using keyword fallback",
			zap.String("form_id", formID))
	} else {
		mapping = loc.Mapping
		if mapping.IsZero() {
			p.logger.Warn("no field mapping configured for form, using keyword fallback",
				zap.String("form_id", formID),
				zap.String("location_id", loc.ID))
		}
	}

	batch, err := p.provider.FetchSubmissions(ctx, formID, p.cfg.SubmissionLimit)
	if err != nil {
		return p.fail(span, res, start, fmt.Errorf("fetch submissions: %w", err))
	}
	if batch.Truncated {
		res.Truncated = true
		p.logger.Warn("submission batch reached provider limit, later submissions not synchronized",
			zap.String("form_id", formID),
			zap.Int("limit", batch.Limit))
	}

	synced, failed := p.process(ctx, formID, res.FormTitle, loc, mapping, batch.Submissions)
	res.Synced = synced
	res.Errors = failed
	res.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("sync.synced", res.Synced),
		attribute.Int("sync.errors", res.Errors),
		attribute.Bool("sync.truncated", res.Truncated),
	)

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		p.metrics.ObserveSync("failed", res.Synced, res.Errors, res.Truncated, res.Duration.Seconds())
		return res, fmt.Errorf("sync interrupted: %w", err)
	}

	outcome := "ok"
	if res.Errors > 0 {
		outcome = "degraded"
	}
	p.metrics.ObserveSync(outcome, res.Synced, res.Errors, res.Truncated, res.Duration.Seconds())

	p.logger.Info("sync completed",
		zap.String("form_id", formID),
		zap.String("form_title", res.FormTitle),
		zap.Int("synced", res.Synced),
		zap.Int("errors", res.Errors),
		zap.Bool("truncated", res.Truncated),
		zap.Duration("duration", res.Duration))

	return res, nil
}

func (p *Pipeline) fail(span trace.Span, res Result, start time.Time, err error) (Result, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	res.Synced, res.Errors, res.Truncated = 0, 0, false
	res.Duration = time.Since(start)
	p.metrics.ObserveSync("failed", 0, 0, false, res.Duration.Seconds())
	p.logger.Error("sync failed",
		zap.String("form_id", res.FormID),
		zap.Error(err))
	return res, err
}

// resolveTitle prefers the configured title, then the provider's, then the id.
func (p *Pipeline) resolveTitle(ctx context.Context, formID string) string {
	if title := strings.TrimSpace(p.cfg.FormTitles[formID]); title != "" {
		return title
	}
	title, err := p.provider.FetchFormTitle(ctx, formID)
	if err != nil {
		p.logger.Warn("form title unavailable, using form id",
			zap.String("form_id", formID),
			zap.Error(err))
		return formID
	}
	if title = strings.TrimSpace(title); title == "" {
		return formID
	}
	return title
}

// process extracts and upserts every submission. Extraction failures are
// terminal; store failures are retried.
func (p *Pipeline) process(ctx context.Context, formID, formTitle string, loc *location.Location, mapping *location.FieldMapping, subs []jotform.Submission) (int, int) {
	if len(subs) == 0 {
		return 0, 0
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.UpsertBatch",
		trace.WithAttributes(attribute.Int("batch.size", len(subs))))
	defer span.End()

	var orgID, locID *string
	if loc != nil {
		orgID, locID = optional(loc.OrganisationID), optional(loc.ID)
	}

	batch := workerpool.Config{Workers: p.cfg.Workers, MaxRetries: p.cfg.MaxRetries, RetryDelay: p.cfg.RetryDelay}
	outcomes, sum := workerpool.Run(ctx, batch, subs, func(ctx context.Context, sub jotform.Submission) error {
		draft, err := p.extractor.Extract(sub, mapping)
		if err != nil {
			return workerpool.Permanent(fmt.Errorf("extract: %w", err))
		}
		draft.FormID = formID
		draft.FormTitle = formTitle
		draft.OrganisationID = orgID
		draft.LocationID = locID

		if err := p.records.Upsert(ctx, draft); err != nil {
			return fmt.Errorf("upsert: %w", err)
		}
		return nil
	})

	for _, o := range outcomes {
		if o.Err == nil {
			continue
		}
		id := o.Item.ID.String()
		if id == "" {
			id = "#" + strconv.Itoa(o.Index)
		}
		p.logger.Error("submission not synchronized",
			zap.String("form_id", formID),
			zap.String("submission_id", id),
			zap.Int("attempts", o.Attempts),
			zap.Error(o.Err))
	}
	span.SetAttributes(attribute.Int("batch.retried", sum.Retried))

	return sum.Succeeded, sum.Failed
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
