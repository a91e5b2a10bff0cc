package extraction

import (
	"sort"
	"strconv"
	"strings"

	"github.com/controlcentre/section21/internal/jotform"
)

// Role is a semantic field the extractor knows how to find.
type Role string

const (
	RolePatientName   Role = "patient_name"
	RoleIDDocument    Role = "id_document"
	RoleDrScript      Role = "dr_script"
	RoleOutcomeLetter Role = "outcome_letter"
	RoleInvoice       Role = "sahpra_invoice"
)

// RoleKeywords lists the candidate keywords for one role, most specific first.
type RoleKeywords struct {
	Role     Role
	Keywords []string
}

// DefaultKeywords is the fallback table used when a field is not mapped.
// Keywords are matched case-insensitively as substrings of the field name or label.
var DefaultKeywords = []RoleKeywords{
	{Role: RolePatientName, Keywords: []string{"name", "fullname", "full_name", "patient_name", "patient"}},
	{Role: RoleIDDocument, Keywords: []string{"id", "id_document", "iddocument", "identification"}},
	{Role: RoleDrScript, Keywords: []string{"prescription", "doctor_script", "script", "dr_script", "doctors", "dr", "medical"}},
	{Role: RoleOutcomeLetter, Keywords: []string{"outcome_letter", "section21", "outcome", "letter", "section_21", "section 21"}},
	{Role: RoleInvoice, Keywords: []string{"invoice", "sahpra_invoice", "sahpra"}},
}

func keywordsFor(table []RoleKeywords, role Role) []string {
	for _, rk := range table {
		if rk.Role == role {
			return rk.Keywords
		}
	}
	return nil
}

// field is an answer paired with its field id.
type field struct {
	id     string
	answer jotform.Answer
}

// orderedFields returns the answers with numeric field ids first in ascending
// order, followed by the remaining ids sorted lexically.
func orderedFields(answers jotform.Answers) []field {
	fields := make([]field, 0, len(answers))
	for id, a := range answers {
		fields = append(fields, field{id: id, answer: a})
	}
	sort.Slice(fields, func(i, j int) bool {
		ni, errI := strconv.Atoi(fields[i].id)
		nj, errJ := strconv.Atoi(fields[j].id)
		switch {
		case errI == nil && errJ == nil:
			return ni < nj
		case errI == nil:
			return true
		case errJ == nil:
			return false
		default:
			return fields[i].id < fields[j].id
		}
	})
	return fields
}

// matchKeywords walks the fields in order and returns the first one whose
// name or label contains any of the keywords and for which accept yields a
// value. Field order decides, not keyword order.
func matchKeywords(fields []field, keywords []string, accept func(jotform.Answer) (string, bool)) (string, bool) {
	lowered := make([]string, len(keywords))
	for i, kw := range keywords {
		lowered[i] = strings.ToLower(kw)
	}
	for _, f := range fields {
		name := strings.ToLower(f.answer.Name)
		text := strings.ToLower(f.answer.Text)
		for _, kw := range lowered {
			if !strings.Contains(name, kw) && !strings.Contains(text, kw) {
				continue
			}
			if v, ok := accept(f.answer); ok {
				return v, true
			}
			// The field matched but holds no usable value; later keywords
			// would only match the same field again.
			break
		}
	}
	return "", false
}
