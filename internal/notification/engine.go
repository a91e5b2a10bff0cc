// Package notification derives outcome-letter expiry notifications from patient records.
//
// Nothing here is stored. Every listing recomputes status from the records
// and the current time.
package notification

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/controlcentre/section21/internal/domain/patient"
)

const (
	// ValidityMonths is how long an outcome letter stays valid.
	ValidityMonths = 5
	// WarningDays is the window before expiry in which a letter is expiring soon.
	WarningDays = 30
)

// ErrInvalidStatus is returned for an unknown status filter.
var ErrInvalidStatus = errors.New("invalid notification status")

// Status is the urgency of a notification.
type Status string

const (
	StatusExpiringSoon Status = "EXPIRING_SOON"
	StatusExpired      Status = "EXPIRED"
)

// Filter selects which statuses a listing returns.
type Filter string

const (
	FilterAll          Filter = "all"
	FilterExpiringSoon Filter = "expiring_soon"
	FilterExpired      Filter = "expired"
)

// ParseFilter accepts "all", "expiring_soon" or "expired" in any case. An
// empty string means all.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterExpiringSoon, FilterExpired:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

func (f Filter) matches(s Status) bool {
	switch f {
	case FilterExpiringSoon:
		return s == StatusExpiringSoon
	case FilterExpired:
		return s == StatusExpired
	default:
		return true
	}
}

// AnchorSource tells which record timestamp the expiry was computed from.
type AnchorSource string

const (
	AnchorUploadedAt AnchorSource = "outcome_letter_uploaded_at"
	AnchorCreatedAt  AnchorSource = "created_at"
)

// Notification is the expiry view of one patient record.
type Notification struct {
	PatientID        string       `json:"patient_id"`
	PatientUniqueID  string       `json:"patient_unique_id"`
	PatientName      string       `json:"patient_name"`
	FormID           string       `json:"form_id"`
	FormTitle        string       `json:"form_title"`
	OrganisationName string       `json:"organisation_name,omitempty"`
	LocationName     string       `json:"location_name,omitempty"`
	OutcomeLetterURL string       `json:"outcome_letter_url"`
	AnchorDate       time.Time    `json:"anchor_date"`
	AnchorSource     AnchorSource `json:"anchor_source"`
	ExpiryDate       time.Time    `json:"expiry_date"`
	DaysUntilExpiry  int          `json:"days_until_expiry"`
	Status           Status       `json:"status"`
}

// Summary counts notifications by status.
type Summary struct {
	ExpiringSoon int `json:"expiring_soon"`
	Expired      int `json:"expired"`
}

// Report is the result of a listing.
type Report struct {
	Notifications []Notification `json:"notifications"`
	Count         int            `json:"count"`
	Summary       Summary        `json:"summary"`
}

// AddMonthsClamped adds months to t in UTC, keeping the day of month when
// the target month has it and using the month's last day otherwise. Jan 31
// plus one month is Feb 28 (Feb 29 in leap years), unlike time.AddDate which
// would roll over into March.
func AddMonthsClamped(t time.Time, months int) time.Time {
	t = t.UTC()
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()

	first := time.Date(y, m+time.Month(months), 1, 0, 0, 0, 0, time.UTC)
	if last := daysIn(first.Year(), first.Month()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, hh, mm, ss, t.Nanosecond(), time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// ExpiryDate returns the date an outcome letter anchored at anchor expires.
func ExpiryDate(anchor time.Time) time.Time {
	return AddMonthsClamped(anchor, ValidityMonths)
}

// DaysUntil returns the whole days from now to expiry, rounded up.
func DaysUntil(expiry, now time.Time) int {
	const day = 24 * time.Hour
	d := expiry.Sub(now)
	days := int(d / day)
	if d%day > 0 {
		days++
	}
	return days
}

// Classify maps days until expiry to a status. ok is false when the letter
// is not close enough to expiry to notify about.
func Classify(days int) (status Status, ok bool) {
	switch {
	case days < 0:
		return StatusExpired, true
	case days <= WarningDays:
		return StatusExpiringSoon, true
	default:
		return "", false
	}
}

// Anchor returns the time expiry is computed from: the outcome letter upload
// time when known, otherwise the record's creation time.
func Anchor(r *patient.Record) (time.Time, AnchorSource) {
	if r.OutcomeLetterUploadedAt != nil && !r.OutcomeLetterUploadedAt.IsZero() {
		return r.OutcomeLetterUploadedAt.UTC(), AnchorUploadedAt
	}
	return r.CreatedAt.UTC(), AnchorCreatedAt
}

// Compute builds the notification report for records at now. Records without
// an outcome letter are ignored. Expired notifications come first, then
// expiring ones, each ordered by days until expiry ascending.
func Compute(records []patient.Record, now time.Time, filter Filter) Report {
	report := Report{Notifications: []Notification{}}

	for i := range records {
		r := &records[i]
		if r.OutcomeLetterURL == nil || strings.TrimSpace(*r.OutcomeLetterURL) == "" {
			continue
		}

		anchor, source := Anchor(r)
		expiry := ExpiryDate(anchor)
		days := DaysUntil(expiry, now)
		status, ok := Classify(days)
		if !ok || !filter.matches(status) {
			continue
		}

		report.Notifications = append(report.Notifications, Notification{
			PatientID:        r.ID,
			PatientUniqueID:  r.PatientUniqueID,
			PatientName:      r.DisplayName(),
			FormID:           r.FormID,
			FormTitle:        r.FormTitle,
			OrganisationName: r.OrganisationName,
			LocationName:     r.LocationName,
			OutcomeLetterURL: *r.OutcomeLetterURL,
			AnchorDate:       anchor,
			AnchorSource:     source,
			ExpiryDate:       expiry,
			DaysUntilExpiry:  days,
			Status:           status,
		})

		switch status {
		case StatusExpired:
			report.Summary.Expired++
		case StatusExpiringSoon:
			report.Summary.ExpiringSoon++
		}
	}

	sort.SliceStable(report.Notifications, func(i, j int) bool {
		a, b := report.Notifications[i], report.Notifications[j]
		if a.Status != b.Status {
			return a.Status == StatusExpired
		}
		if a.DaysUntilExpiry != b.DaysUntilExpiry {
			return a.DaysUntilExpiry < b.DaysUntilExpiry
		}
		return a.PatientUniqueID < b.PatientUniqueID
	})

	report.Count = len(report.Notifications)
	return report
}
