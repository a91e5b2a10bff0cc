// Package location holds organisation locations and their operator-configured field mappings.
package location

import "strings"

// FieldMapping associates a form's field ids with the semantic roles the
// extractor understands. Empty strings mean "not configured".
type FieldMapping struct {
	PatientNameFieldID    string `json:"patient_name_field_id,omitempty"`
	IDDocumentFieldID     string `json:"id_document_field_id,omitempty"`
	DrScriptFieldID       string `json:"dr_script_field_id,omitempty"`
	OutcomeLettersFieldID string `json:"outcome_letters_field_id,omitempty"`
}

// IsZero reports whether no role is configured.
func (m *FieldMapping) IsZero() bool {
	return m == nil ||
		(m.PatientNameFieldID == "" && m.IDDocumentFieldID == "" &&
			m.DrScriptFieldID == "" && m.OutcomeLettersFieldID == "")
}

// Location is a physical site of an organisation, bound to one form.
type Location struct {
	ID             string
	OrganisationID string
	Name           string
	FormID         string
	Mapping        *FieldMapping
}

func newMapping(patientName, idDocument, drScript, outcomeLetters *string) *FieldMapping {
	m := &FieldMapping{
		PatientNameFieldID:    trimmed(patientName),
		IDDocumentFieldID:     trimmed(idDocument),
		DrScriptFieldID:       trimmed(drScript),
		OutcomeLettersFieldID: trimmed(outcomeLetters),
	}
	if m.IsZero() {
		return nil
	}
	return m
}

func trimmed(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
