package location

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Repository reads locations from Postgres
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

// FindByFormID returns the location bound to formID, or nil when none is.
func (r *Repository) FindByFormID(ctx context.Context, formID string) (*Location, error) {
	query := `
		SELECT id, organisation_id, name, form_id,
		       field_mapping_patient_name, field_mapping_id_document,
		       field_mapping_dr_script, field_mapping_outcome_letters
		FROM locations
		WHERE form_id = $1
		LIMIT 1
	`

	var (
		loc                                          Location
		patientName, idDoc, drScript, outcomeLetters *string
	)
	err := r.pool.QueryRow(ctx, query, formID).Scan(
		&loc.ID, &loc.OrganisationID, &loc.Name, &loc.FormID,
		&patientName, &idDoc, &drScript, &outcomeLetters,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find location by form id: %w", err)
	}

	loc.Mapping = newMapping(patientName, idDoc, drScript, outcomeLetters)
	return &loc, nil
}

// ManagedFormIDs returns the form ids bound to any location.
func (r *Repository) ManagedFormIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT form_id FROM locations WHERE form_id IS NOT NULL ORDER BY form_id`)
	if err != nil {
		return nil, fmt.Errorf("list managed form ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
