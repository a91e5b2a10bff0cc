// Package patient holds Section 21 patient records synchronized from form submissions.
package patient

import "time"

// Draft is the normalized content of one submission, ready to be upserted.
// Nil pointers are stored as NULL.
type Draft struct {
	PatientUniqueID string `json:"patient_unique_id"`
	FormID          string `json:"form_id"`
	FormTitle       string `json:"form_title"`

	PatientFullName string  `json:"patient_full_name"`
	NamePrefix      *string `json:"name_prefix"`
	FirstName       *string `json:"first_name"`
	LastName        *string `json:"last_name"`

	OrganisationID *string `json:"organisation_id"`
	LocationID     *string `json:"location_id"`

	IDDocumentURL    *string `json:"patient_id_document_url"`
	DrScriptURL      *string `json:"dr_script_url"`
	SahpraInvoiceURL *string `json:"sahpra_invoice_url"`
	OutcomeLetterURL *string `json:"outcome_letter_url"`

	// OutcomeLetterUploadedAt is the provider-side time the outcome letter was
	// submitted. The store only replaces the stored value when the letter URL changes.
	OutcomeLetterUploadedAt *time.Time `json:"outcome_letter_uploaded_at"`
}

// Record is a persisted patient row.
type Record struct {
	ID string `json:"id"`
	Draft

	// Joined display names, populated by list queries.
	OrganisationName string `json:"organisation_name,omitempty"`
	LocationName     string `json:"location_name,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayName returns the best available name for the patient.
func (r *Record) DisplayName() string {
	if r.PatientFullName != "" {
		return r.PatientFullName
	}
	name := ""
	if r.FirstName != nil {
		name = *r.FirstName
	}
	if r.LastName != nil && *r.LastName != "" {
		if name != "" {
			name += " "
		}
		name += *r.LastName
	}
	if name == "" {
		return "Unknown"
	}
	return name
}
