package jotform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// timestampLayout is the layout of submission created_at/updated_at values.
const timestampLayout = "2006-01-02 15:04:05"

// FlexString decodes a JSON string or number into a string. The provider is not
// consistent about quoting ids and counters.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*f = FlexString(n.String())
	return nil
}

// String returns the plain string.
func (f FlexString) String() string { return string(f) }

// Int parses the value as an integer, returning 0 when it is not numeric.
func (f FlexString) Int() int {
	n, err := strconv.Atoi(strings.TrimSpace(string(f)))
	if err != nil {
		return 0
	}
	return n
}

// Answer is one field of a submission.
//
// Value holds the decoded "answer" member: a string, a []any for multi-file
// uploads, a map[string]any for compound fields such as names, a float64,
// a bool, or nil.
type Answer struct {
	Name         string
	Text         string
	Type         string
	Order        int
	Value        any
	PrettyFormat string
}

// UnmarshalJSON decodes an answer without failing on unexpected member types.
func (a *Answer) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Name = stringMember(raw["name"])
	a.Text = stringMember(raw["text"])
	a.Type = stringMember(raw["type"])
	a.Order, _ = strconv.Atoi(stringMember(raw["order"]))
	a.Value = raw["answer"]
	a.PrettyFormat = stringMember(raw["prettyFormat"])
	return nil
}

func stringMember(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// Answers maps provider field ids to answers.
type Answers map[string]Answer

// UnmarshalJSON accepts an object, or an empty array for submissions with no answers.
func (a *Answers) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) || data[0] == '[' {
		*a = Answers{}
		return nil
	}
	m := make(map[string]Answer)
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*a = m
	return nil
}

// Submission is one filled-in instance of a form.
type Submission struct {
	ID        FlexString `json:"id"`
	FormID    FlexString `json:"form_id"`
	Status    string     `json:"status"`
	CreatedAt string     `json:"created_at"`
	UpdatedAt *string    `json:"updated_at"`
	Answers   Answers    `json:"answers"`
}

// SubmittedAt returns the last time the submission changed: updated_at when
// present, otherwise created_at, interpreted in loc.
func (s Submission) SubmittedAt(loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	candidates := []string{}
	if s.UpdatedAt != nil {
		candidates = append(candidates, *s.UpdatedAt)
	}
	candidates = append(candidates, s.CreatedAt)

	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if t, err := time.ParseInLocation(timestampLayout, c, loc); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// SubmissionBatch is the single page of submissions returned for a form.
type SubmissionBatch struct {
	Submissions []Submission
	Limit       int
	// Truncated is set when the provider filled the whole page, meaning
	// submissions beyond the limit were not returned.
	Truncated bool
}

// Form is a form owned by the account.
type Form struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status,omitempty"`
	Count  int    `json:"count"`
}

// Question is a field definition of a form.
type Question struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Text  string `json:"text"`
	Type  string `json:"type"`
	Order int    `json:"order"`
}

type rawForm struct {
	ID     FlexString `json:"id"`
	Title  string     `json:"title"`
	Status string     `json:"status"`
	Count  FlexString `json:"count"`
}

type rawQuestion struct {
	Name  string     `json:"name"`
	Text  string     `json:"text"`
	Type  string     `json:"type"`
	Order FlexString `json:"order"`
}

type resultSet struct {
	Offset FlexString `json:"offset"`
	Limit  FlexString `json:"limit"`
	Count  FlexString `json:"count"`
}

type envelope struct {
	ResponseCode int             `json:"responseCode"`
	Message      string          `json:"message"`
	Content      json.RawMessage `json:"content"`
	ResultSet    *resultSet      `json:"resultSet,omitempty"`
}
