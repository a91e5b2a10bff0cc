package patient

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Repository persists patient records in Postgres
type Repository struct {
	pool     *pgxpool.Pool
	excluded []string
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewRepository creates a new repository. Records whose form id is in
// excludedFormIDs are left out of every list query.
func NewRepository(pool *pgxpool.Pool, excludedFormIDs map[string]struct{}, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	excluded := make([]string, 0, len(excludedFormIDs))
	for id := range excludedFormIDs {
		excluded = append(excluded, id)
	}
	sort.Strings(excluded)

	return &Repository{
		pool:     pool,
		excluded: excluded,
		logger:   logger,
		tracer:   otel.Tracer("patient-repository"),
	}
}

// Upsert inserts the draft or overwrites the record with the same
// patient_unique_id. Rows whose content is unchanged are not touched, so
// repeated syncs of the same data leave updated_at alone.
func (r *Repository) Upsert(ctx context.Context, d *Draft) error {
	ctx, span := r.tracer.Start(ctx, "patient_upsert",
		trace.WithAttributes(attribute.String("patient_unique_id", d.PatientUniqueID)))
	defer span.End()

	query := `
		INSERT INTO section21_patients (
			patient_unique_id, form_id, form_title, patient_full_name,
			name_prefix, first_name, last_name, organisation_id, location_id,
			patient_id_document_url, dr_script_url, sahpra_invoice_url,
			outcome_letter_url, outcome_letter_uploaded_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (patient_unique_id) DO UPDATE SET
			form_id                 = EXCLUDED.form_id,
			form_title              = EXCLUDED.form_title,
			patient_full_name       = EXCLUDED.patient_full_name,
			name_prefix             = EXCLUDED.name_prefix,
			first_name              = EXCLUDED.first_name,
			last_name               = EXCLUDED.last_name,
			organisation_id         = EXCLUDED.organisation_id,
			location_id             = EXCLUDED.location_id,
			patient_id_document_url = EXCLUDED.patient_id_document_url,
			dr_script_url           = EXCLUDED.dr_script_url,
			sahpra_invoice_url      = EXCLUDED.sahpra_invoice_url,
			outcome_letter_url      = EXCLUDED.outcome_letter_url,
			outcome_letter_uploaded_at = CASE
				WHEN section21_patients.outcome_letter_url IS NOT DISTINCT FROM EXCLUDED.outcome_letter_url
				THEN COALESCE(section21_patients.outcome_letter_uploaded_at, EXCLUDED.outcome_letter_uploaded_at)
				ELSE EXCLUDED.outcome_letter_uploaded_at
			END,
			updated_at = NOW()
		WHERE (
			section21_patients.form_id, section21_patients.form_title, section21_patients.patient_full_name,
			section21_patients.name_prefix, section21_patients.first_name, section21_patients.last_name,
			section21_patients.organisation_id, section21_patients.location_id,
			section21_patients.patient_id_document_url, section21_patients.dr_script_url,
			section21_patients.sahpra_invoice_url, section21_patients.outcome_letter_url
		) IS DISTINCT FROM (
			EXCLUDED.form_id, EXCLUDED.form_title, EXCLUDED.patient_full_name,
			EXCLUDED.name_prefix, EXCLUDED.first_name, EXCLUDED.last_name,
			EXCLUDED.organisation_id, EXCLUDED.location_id,
			EXCLUDED.patient_id_document_url, EXCLUDED.dr_script_url,
			EXCLUDED.sahpra_invoice_url, EXCLUDED.outcome_letter_url
		)
		OR (section21_patients.outcome_letter_uploaded_at IS NULL
			AND EXCLUDED.outcome_letter_uploaded_at IS NOT NULL)
	`

	_, err := r.pool.Exec(ctx, query,
		d.PatientUniqueID, d.FormID, d.FormTitle, d.PatientFullName,
		d.NamePrefix, d.FirstName, d.LastName, d.OrganisationID, d.LocationID,
		d.IDDocumentURL, d.DrScriptURL, d.SahpraInvoiceURL,
		d.OutcomeLetterURL, d.OutcomeLetterUploadedAt,
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("upsert patient %s: %w", d.PatientUniqueID, err)
	}
	return nil
}

// ListWithOutcomeLetter returns every record that has an outcome letter URL.
func (r *Repository) ListWithOutcomeLetter(ctx context.Context) ([]Record, error) {
	ctx, span := r.tracer.Start(ctx, "patient_list_with_outcome_letter")
	defer span.End()

	query := `
		SELECT p.id, p.patient_unique_id, p.form_id, p.form_title, p.patient_full_name,
		       p.name_prefix, p.first_name, p.last_name, p.organisation_id, p.location_id,
		       p.patient_id_document_url, p.dr_script_url, p.sahpra_invoice_url,
		       p.outcome_letter_url, p.outcome_letter_uploaded_at,
		       COALESCE(o.name, ''), COALESCE(l.name, ''),
		       p.created_at, p.updated_at
		FROM section21_patients p
		LEFT JOIN organisations o ON o.id = p.organisation_id
		LEFT JOIN locations l ON l.id = p.location_id
		WHERE p.outcome_letter_url IS NOT NULL
		  AND NOT (p.form_id = ANY($1))
	`

	rows, err := r.pool.Query(ctx, query, r.excluded)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("list patients with outcome letter: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		err := rows.Scan(
			&rec.ID, &rec.PatientUniqueID, &rec.FormID, &rec.FormTitle, &rec.PatientFullName,
			&rec.NamePrefix, &rec.FirstName, &rec.LastName, &rec.OrganisationID, &rec.LocationID,
			&rec.IDDocumentURL, &rec.DrScriptURL, &rec.SahpraInvoiceURL,
			&rec.OutcomeLetterURL, &rec.OutcomeLetterUploadedAt,
			&rec.OrganisationName, &rec.LocationName,
			&rec.CreatedAt, &rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		records = append(records, rec)
	}
	span.SetAttributes(attribute.Int("records", len(records)))
	return records, rows.Err()
}
