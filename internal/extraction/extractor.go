// Package extraction turns one provider submission into a patient draft.
//
// A location's field mapping is authoritative for the roles it configures.
// Unmapped roles fall back to keyword matching over field names and labels,
// which is heuristic and may pick the wrong field on forms with vague labels.
package extraction

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/controlcentre/section21/internal/domain/location"
	"github.com/controlcentre/section21/internal/domain/patient"
	"github.com/controlcentre/section21/internal/jotform"
)

var (
	// ErrMalformedAnswer marks an answer whose value cannot serve its mapped role.
	ErrMalformedAnswer = errors.New("malformed answer")
	// ErrMissingSubmissionID is returned for submissions without an id.
	ErrMissingSubmissionID = errors.New("submission has no id")
)

// Extractor converts submissions into drafts.
type Extractor struct {
	keywords []RoleKeywords
	loc      *time.Location
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithKeywords replaces the fallback keyword table.
func WithKeywords(table []RoleKeywords) Option {
	return func(e *Extractor) { e.keywords = table }
}

// WithTimezone sets the zone the provider's timestamps are expressed in.
func WithTimezone(loc *time.Location) Option {
	return func(e *Extractor) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// New creates an Extractor using DefaultKeywords and UTC.
func New(opts ...Option) *Extractor {
	e := &Extractor{keywords: DefaultKeywords, loc: time.UTC}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var defaultExtractor = New()

// Extract runs the default extractor.
func Extract(sub jotform.Submission, mapping *location.FieldMapping) (*patient.Draft, error) {
	return defaultExtractor.Extract(sub, mapping)
}

// Extract builds a draft from sub. mapping may be nil. Missing documents
// leave the corresponding URL nil; only answers that cannot be read for their
// mapped role produce an error.
func (e *Extractor) Extract(sub jotform.Submission, mapping *location.FieldMapping) (*patient.Draft, error) {
	id := strings.TrimSpace(sub.ID.String())
	if id == "" {
		return nil, ErrMissingSubmissionID
	}
	if mapping == nil {
		mapping = &location.FieldMapping{}
	}

	fields := orderedFields(sub.Answers)

	n, err := resolveName(fields, sub.Answers, mapping.PatientNameFieldID, keywordsFor(e.keywords, RolePatientName))
	if err != nil {
		return nil, fmt.Errorf("submission %s: %w", id, err)
	}

	draft := &patient.Draft{
		PatientUniqueID: id,
		FormID:          sub.FormID.String(),
		PatientFullName: n.full,
		NamePrefix:      optional(n.prefix),
		FirstName:       optional(n.first),
		LastName:        optional(n.last),
	}

	docs := []struct {
		role     Role
		mappedID string
		dst      **string
	}{
		{RoleIDDocument, mapping.IDDocumentFieldID, &draft.IDDocumentURL},
		{RoleDrScript, mapping.DrScriptFieldID, &draft.DrScriptURL},
		{RoleOutcomeLetter, mapping.OutcomeLettersFieldID, &draft.OutcomeLetterURL},
		{RoleInvoice, "", &draft.SahpraInvoiceURL},
	}
	for _, d := range docs {
		url, err := e.documentURL(fields, sub.Answers, d.role, d.mappedID)
		if err != nil {
			return nil, fmt.Errorf("submission %s: %s: %w", id, d.role, err)
		}
		*d.dst = optional(url)
	}

	if draft.OutcomeLetterURL != nil {
		if at, ok := sub.SubmittedAt(e.loc); ok {
			draft.OutcomeLetterUploadedAt = &at
		}
	}

	return draft, nil
}

func (e *Extractor) documentURL(fields []field, answers jotform.Answers, role Role, mappedID string) (string, error) {
	if mappedID != "" {
		if a, ok := answers[mappedID]; ok {
			url, err := mappedURL(a.Value)
			if err != nil {
				return "", fmt.Errorf("field %s: %w", mappedID, err)
			}
			return url, nil
		}
	}
	url, _ := matchKeywords(fields, keywordsFor(e.keywords, role), scannedURL)
	return url, nil
}

// mappedURL reads an operator-mapped upload field. A string is used as is;
// for multi-file uploads the first entry wins.
func mappedURL(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(t), nil
	case []any:
		if len(t) == 0 {
			return "", nil
		}
		s, ok := t[0].(string)
		if !ok {
			return "", fmt.Errorf("%w: upload entry holds %T", ErrMalformedAnswer, t[0])
		}
		return strings.TrimSpace(s), nil
	default:
		return "", fmt.Errorf("%w: upload field holds %T", ErrMalformedAnswer, v)
	}
}

// scannedURL accepts a keyword-matched answer only when it carries a URL.
func scannedURL(a jotform.Answer) (string, bool) {
	url, err := mappedURL(a.Value)
	if err != nil || !isURL(url) {
		return "", false
	}
	return url, true
}

func isURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://")
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
