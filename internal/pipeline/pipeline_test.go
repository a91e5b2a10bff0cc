package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/controlcentre/section21/internal/domain/location"
	"github.com/controlcentre/section21/internal/domain/patient"
	"github.com/controlcentre/section21/internal/jotform"
)

type fakeProvider struct {
	title     string
	titleErr  error
	subs      []jotform.Submission
	err       error
	truncated bool

	mu         sync.Mutex
	titleCalls int
	gotLimit   int
}

func (f *fakeProvider) FetchFormTitle(ctx context.Context, formID string) (string, error) {
	f.mu.Lock()
	f.titleCalls++
	f.mu.Unlock()
	return f.title, f.titleErr
}

func (f *fakeProvider) FetchSubmissions(ctx context.Context, formID string, limit int) (*jotform.SubmissionBatch, error) {
	f.mu.Lock()
	f.gotLimit = limit
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &jotform.SubmissionBatch{Submissions: f.subs, Limit: limit, Truncated: f.truncated}, nil
}

type fakeLocations struct {
	loc *location.Location
	err error
}

func (f *fakeLocations) FindByFormID(ctx context.Context, formID string) (*location.Location, error) {
	return f.loc, f.err
}

// fakeStore keys drafts by patient unique id, like the real upsert.
type fakeStore struct {
	mu       sync.Mutex
	records  map[string]patient.Draft
	failures map[string]int
	calls    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]patient.Draft), failures: make(map[string]int)}
}

func (s *fakeStore) Upsert(ctx context.Context, d *patient.Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if n := s.failures[d.PatientUniqueID]; n != 0 {
		if n > 0 {
			s.failures[d.PatientUniqueID] = n - 1
		}
		return errors.New("connection reset")
	}
	s.records[d.PatientUniqueID] = *d
	return nil
}

func submissions(t *testing.T, raw string) []jotform.Submission {
	t.Helper()
	var subs []jotform.Submission
	if err := json.Unmarshal([]byte(raw), &subs); err != nil {
		t.Fatalf("decode submissions: %v", err)
	}
	return subs
}

func newSubmission(id, first, last, letter string) string {
	letterAnswer := ""
	if letter != "" {
		letterAnswer = fmt.Sprintf(`, "8": {"name": "outcome", "type": "control_fileupload", "answer": [%q]}`, letter)
	}
	return fmt.Sprintf(`{"id": %q, "form_id": "2421", "created_at": "2024-01-10 12:00:00", "answers": {
		"3": {"name": "patientName", "type": "control_fullname", "answer": {"first": %q, "last": %q}},
		"6": {"name": "idDoc", "type": "control_fileupload", "answer": ["https://files.example.com/%s-id.pdf"]}%s
	}}`, id, first, last, id, letterAnswer)
}

var clinic = &location.Location{
	ID:             "loc-1",
	OrganisationID: "org-1",
	Name:           "Cape Town",
	FormID:         "2421",
	Mapping: &location.FieldMapping{
		PatientNameFieldID:    "3",
		IDDocumentFieldID:     "6",
		OutcomeLettersFieldID: "8",
	},
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 3
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func TestSync_Idempotent(t *testing.T) {
	provider := &fakeProvider{
		title: "Cape Town Clinic",
		subs: submissions(t, "["+
			newSubmission("1001", "Jane", "Doe", "https://files.example.com/l1.pdf")+","+
			newSubmission("1002", "John", "Smith", "")+"]"),
	}
	store := newFakeStore()
	p := New(testConfig(), provider, &fakeLocations{loc: clinic}, store, nil, nil)

	first, err := p.Sync(context.Background(), "2421")
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	snapshot := make(map[string]patient.Draft, len(store.records))
	for k, v := range store.records {
		snapshot[k] = v
	}

	second, err := p.Sync(context.Background(), "2421")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}

	if first.Synced != 2 || second.Synced != 2 || first.Errors != 0 || second.Errors != 0 {
		t.Fatalf("unexpected counts: %+v %+v", first, second)
	}
	if len(store.records) != 2 {
		t.Fatalf("expected 2 stored records, got %d", len(store.records))
	}
	if !reflect.DeepEqual(snapshot, store.records) {
		t.Errorf("re-sync changed stored state:\nbefore %+v\nafter  %+v", snapshot, store.records)
	}

	rec := store.records["1001"]
	if rec.FormTitle != "Cape Town Clinic" || rec.PatientFullName != "Jane Doe" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.OrganisationID == nil || *rec.OrganisationID != "org-1" || rec.LocationID == nil || *rec.LocationID != "loc-1" {
		t.Errorf("expected location association, got %v %v", rec.OrganisationID, rec.LocationID)
	}
	if rec.OutcomeLetterUploadedAt == nil {
		t.Error("expected upload time for outcome letter")
	}
	if provider.gotLimit != 1000 {
		t.Errorf("expected the largest page size, got %d", provider.gotLimit)
	}
}

func TestSync_BatchResilience(t *testing.T) {
	raw := "[" +
		newSubmission("1", "A", "One", "") + "," +
		newSubmission("2", "B", "Two", "") + "," +
		`{"id": "3", "answers": {"3": {"name": "patientName", "type": "control_fullname", "answer": "not an object"}}},` +
		newSubmission("4", "D", "Four", "") + "," +
		newSubmission("5", "E", "Five", "") + "]"

	store := newFakeStore()
	p := New(testConfig(), &fakeProvider{title: "T", subs: submissions(t, raw)}, &fakeLocations{loc: clinic}, store, nil, nil)

	res, err := p.Sync(context.Background(), "2421")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Synced != 4 || res.Errors != 1 {
		t.Fatalf("expected 4 synced and 1 error, got %+v", res)
	}
	for _, id := range []string{"1", "2", "4", "5"} {
		if _, ok := store.records[id]; !ok {
			t.Errorf("record %s missing", id)
		}
	}
	if _, ok := store.records["3"]; ok {
		t.Error("malformed submission should not be stored")
	}
}

func TestSync_PartialDocuments(t *testing.T) {
	store := newFakeStore()
	p := New(testConfig(), &fakeProvider{title: "T", subs: submissions(t, "["+newSubmission("7", "Id", "Only", "")+"]")},
		&fakeLocations{loc: clinic}, store, nil, nil)

	res, err := p.Sync(context.Background(), "2421")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Synced != 1 || res.Errors != 0 {
		t.Fatalf("unexpected counts: %+v", res)
	}
	rec := store.records["7"]
	if rec.IDDocumentURL == nil || rec.DrScriptURL != nil || rec.OutcomeLetterURL != nil {
		t.Errorf("unexpected documents: %+v", rec)
	}
}

func TestSync_StoreFailuresRetried(t *testing.T) {
	store := newFakeStore()
	store.failures["1"] = 1  // recovers on retry
	store.failures["2"] = -1 // always fails

	raw := "[" + newSubmission("1", "A", "B", "") + "," + newSubmission("2", "C", "D", "") + "]"
	p := New(testConfig(), &fakeProvider{title: "T", subs: submissions(t, raw)}, &fakeLocations{loc: clinic}, store, nil, nil)

	res, err := p.Sync(context.Background(), "2421")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Synced != 1 || res.Errors != 1 {
		t.Fatalf("expected 1 synced and 1 error, got %+v", res)
	}
	if store.calls != 1+1+3 {
		t.Errorf("expected 5 upsert attempts, got %d", store.calls)
	}
}

func TestSync_MissingLocation(t *testing.T) {
	sub := `[{"id": "9", "answers": {
		"1": {"name": "patientName", "text": "Patient name", "answer": {"first": "No", "last": "Mapping"}},
		"2": {"name": "script", "text": "Doctor script", "answer": "https://files.example.com/s.pdf"}
	}}]`
	store := newFakeStore()
	p := New(testConfig(), &fakeProvider{title: "T", subs: submissions(t, sub)}, &fakeLocations{}, store, nil, nil)

	res, err := p.Sync(context.Background(), "2421")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Synced != 1 {
		t.Fatalf("expected 1 synced, got %+v", res)
	}
	rec := store.records["9"]
	if rec.OrganisationID != nil || rec.LocationID != nil {
		t.Errorf("expected null associations, got %v %v", rec.OrganisationID, rec.LocationID)
	}
	if rec.PatientFullName != "No Mapping" || rec.DrScriptURL == nil {
		t.Errorf("expected fallback extraction, got %+v", rec)
	}
}

func TestSync_LocationStoreError(t *testing.T) {
	p := New(testConfig(), &fakeProvider{title: "T"}, &fakeLocations{err: errors.New("db down")}, newFakeStore(), nil, nil)

	if _, err := p.Sync(context.Background(), "2421"); err == nil {
		t.Fatal("expected error when the location store fails")
	}
}

func TestSync_ProviderFailure(t *testing.T) {
	store := newFakeStore()
	providerErr := &jotform.StatusError{StatusCode: 503, Path: "/form/2421/submissions"}
	p := New(testConfig(), &fakeProvider{title: "T", err: providerErr}, &fakeLocations{loc: clinic}, store, nil, nil)

	res, err := p.Sync(context.Background(), "2421")
	if !errors.Is(err, jotform.ErrUnexpectedStatus) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if res.Synced != 0 || res.Errors != 0 {
		t.Errorf("expected zero counts, got %+v", res)
	}
	if store.calls != 0 {
		t.Errorf("expected no upserts, got %d", store.calls)
	}
}

func TestSync_ExcludedForm(t *testing.T) {
	provider := &fakeProvider{title: "T"}
	cfg := testConfig()
	cfg.ExcludedFormIDs = map[string]struct{}{"252153201137544": {}}
	p := New(cfg, provider, &fakeLocations{}, newFakeStore(), nil, nil)

	_, err := p.Sync(context.Background(), "252153201137544")
	if !errors.Is(err, ErrFormExcluded) {
		t.Fatalf("expected ErrFormExcluded, got %v", err)
	}
	if provider.titleCalls != 0 {
		t.Error("excluded forms should not reach the provider")
	}
}

func TestSync_FormIDRequired(t *testing.T) {
	p := New(testConfig(), &fakeProvider{}, &fakeLocations{}, newFakeStore(), nil, nil)
	if _, err := p.Sync(context.Background(), "  "); !errors.Is(err, ErrFormIDRequired) {
		t.Fatalf("expected ErrFormIDRequired, got %v", err)
	}
}

func TestSync_TitleResolution(t *testing.T) {
	tests := []struct {
		name     string
		titles   map[string]string
		provider *fakeProvider
		want     string
		calls    int
	}{
		{"configured title wins", map[string]string{"2421": "SATIVA Hibiscus"}, &fakeProvider{title: "Remote"}, "SATIVA Hibiscus", 0},
		{"remote title", nil, &fakeProvider{title: "Remote"}, "Remote", 1},
		{"provider error degrades to id", nil, &fakeProvider{titleErr: errors.New("timeout")}, "2421", 1},
		{"empty remote title degrades to id", nil, &fakeProvider{title: "  "}, "2421", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.FormTitles = tt.titles
			p := New(cfg, tt.provider, &fakeLocations{}, newFakeStore(), nil, nil)

			res, err := p.Sync(context.Background(), "2421")
			if err != nil {
				t.Fatalf("Sync: %v", err)
			}
			if res.FormTitle != tt.want {
				t.Errorf("got title %q, want %q", res.FormTitle, tt.want)
			}
			if tt.provider.titleCalls != tt.calls {
				t.Errorf("expected %d title calls, got %d", tt.calls, tt.provider.titleCalls)
			}
		})
	}
}

func TestSync_Truncated(t *testing.T) {
	p := New(testConfig(), &fakeProvider{title: "T", truncated: true}, &fakeLocations{}, newFakeStore(), nil, nil)

	res, err := p.Sync(context.Background(), "2421")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !res.Truncated {
		t.Error("expected truncated result")
	}
}

func TestSync_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	raw := "[" + newSubmission("1", "A", "B", "") + "]"
	p := New(testConfig(), &fakeProvider{title: "T", subs: submissions(t, raw)}, &fakeLocations{loc: clinic}, newFakeStore(), nil, nil)

	if _, err := p.Sync(ctx, "2421"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
