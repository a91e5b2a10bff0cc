// Package integration runs a form sync end to end against a fake provider.
package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/controlcentre/section21/internal/domain/location"
	"github.com/controlcentre/section21/internal/domain/patient"
	"github.com/controlcentre/section21/internal/jotform"
	"github.com/controlcentre/section21/internal/notification"
	"github.com/controlcentre/section21/internal/pipeline"
	"github.com/controlcentre/section21/pkg/circuitbreaker"
	"github.com/controlcentre/section21/pkg/idempotency"
)

type staticLocations struct{ loc *location.Location }

func (s staticLocations) FindByFormID(ctx context.Context, formID string) (*location.Location, error) {
	if formID != s.loc.FormID {
		return nil, nil
	}
	return s.loc, nil
}

type memStore struct {
	mu      sync.Mutex
	records map[string]patient.Record
}

func (m *memStore) Upsert(ctx context.Context, d *patient.Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[d.PatientUniqueID]
	if !ok {
		rec.ID = "rec-" + d.PatientUniqueID
		rec.CreatedAt = time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)
	}
	rec.Draft = *d
	m.records[d.PatientUniqueID] = rec
	return nil
}

func (m *memStore) all() []patient.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]patient.Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out
}

func providerServer(t *testing.T) *httptest.Server {
	t.Helper()
	submissions, err := os.ReadFile("../fixtures/jotform_submissions.json")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/form/2421", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"responseCode": 200, "content": {"id": "2421", "title": "Bassani Section 21"}}`))
	})
	mux.HandleFunc("/form/2421/submissions", func(w http.ResponseWriter, r *http.Request) {
		w.Write(submissions)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newPipeline(t *testing.T, baseURL string, store *memStore) *pipeline.Pipeline {
	t.Helper()
	breaker, err := circuitbreaker.New(jotform.BreakerConfig(), nil)
	if err != nil {
		t.Fatalf("breaker: %v", err)
	}
	client := jotform.NewClient(jotform.Config{BaseURL: baseURL, Timeout: 5 * time.Second}, breaker, nil)

	sast, err := time.LoadLocation("Africa/Johannesburg")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	loc := &location.Location{
		ID:             "loc-1",
		OrganisationID: "org-1",
		Name:           "Cape Town",
		FormID:         "2421",
		Mapping: &location.FieldMapping{
			PatientNameFieldID:    "3",
			IDDocumentFieldID:     "5",
			DrScriptFieldID:       "6",
			OutcomeLettersFieldID: "9",
		},
	}

	cfg := pipeline.DefaultConfig()
	cfg.Timezone = sast
	cfg.RetryDelay = time.Millisecond
	return pipeline.New(cfg, client, staticLocations{loc: loc}, store, nil, nil)
}

func TestSyncToNotifications(t *testing.T) {
	srv := providerServer(t)
	store := &memStore{records: map[string]patient.Record{}}
	p := newPipeline(t, srv.URL, store)

	res, err := p.Sync(context.Background(), "2421")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Synced != 2 || res.Errors != 1 || res.Truncated {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.FormTitle != "Bassani Section 21" {
		t.Errorf("expected the provider title, got %q", res.FormTitle)
	}

	mapped := store.records["6001"]
	if mapped.PatientFullName != "Thandi Mokoena" || mapped.FirstName == nil || *mapped.FirstName != "Thandi" {
		t.Errorf("unexpected mapped name: %+v", mapped.Draft)
	}
	if mapped.SahpraInvoiceURL == nil || *mapped.SahpraInvoiceURL != "https://files.example/6001/invoice.pdf" {
		t.Error("expected the invoice to be found by keyword")
	}
	if mapped.LocationID == nil || *mapped.LocationID != "loc-1" {
		t.Error("expected the location to be attached")
	}

	legacy := store.records["6002"]
	if legacy.PatientFullName != "Sipho Dlamini" {
		t.Errorf("expected the fallback name, got %q", legacy.PatientFullName)
	}
	if legacy.IDDocumentURL != nil || legacy.DrScriptURL != nil {
		t.Error("unmatched documents should stay empty")
	}
	wantUploaded := time.Date(2024, 4, 2, 8, 0, 0, 0, time.UTC)
	if legacy.OutcomeLetterUploadedAt == nil || !legacy.OutcomeLetterUploadedAt.Equal(wantUploaded) {
		t.Errorf("expected upload time %s, got %v", wantUploaded, legacy.OutcomeLetterUploadedAt)
	}

	// A second run leaves the store unchanged.
	before := store.all()
	if _, err := p.Sync(context.Background(), "2421"); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if len(store.all()) != len(before) {
		t.Errorf("expected %d records after resync, got %d", len(before), len(store.all()))
	}

	now := time.Date(2024, 8, 15, 0, 0, 0, 0, time.UTC)
	report := notification.Compute(store.all(), now, notification.FilterAll)
	if report.Count != 2 || len(report.Notifications) != 2 {
		t.Fatalf("expected 2 notifications, got %+v", report)
	}
	first, second := report.Notifications[0], report.Notifications[1]
	if first.PatientUniqueID != "6001" || first.Status != notification.StatusExpired || first.DaysUntilExpiry != -4 {
		t.Errorf("unexpected first notification: %+v", first)
	}
	if second.PatientUniqueID != "6002" || second.Status != notification.StatusExpiringSoon || second.DaysUntilExpiry != 19 {
		t.Errorf("unexpected second notification: %+v", second)
	}
	if report.Summary.Expired != 1 || report.Summary.ExpiringSoon != 1 {
		t.Errorf("unexpected summary: %+v", report.Summary)
	}
}

func TestIdempotencyKeyGeneration(t *testing.T) {
	ts := time.Date(2024, 8, 15, 9, 30, 0, 0, time.UTC)

	key1 := idempotency.GenerateKey("2421", ts)
	key2 := idempotency.GenerateKey(" 2421 ", ts.Add(45*time.Second))
	if key1 != key2 {
		t.Error("same form within a minute should produce the same key")
	}

	key3 := idempotency.GenerateKey("2421", ts.Add(time.Minute))
	if key1 == key3 {
		t.Error("a later minute should produce a different key")
	}

	key4 := idempotency.GenerateKey("2422", ts)
	if key1 == key4 {
		t.Error("different forms should produce different keys")
	}

	sast := time.FixedZone("SAST", 2*60*60)
	if idempotency.GenerateKey("2421", ts.In(sast)) != key1 {
		t.Error("keys should not depend on the caller's time zone")
	}

	if len(key1) != 64 {
		t.Errorf("expected a hex sha256 key, got %d chars", len(key1))
	}
}
