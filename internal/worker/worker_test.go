package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/controlcentre/section21/internal/infrastructure/redpanda"
	"github.com/controlcentre/section21/internal/jotform"
	"github.com/controlcentre/section21/internal/pipeline"
	"github.com/controlcentre/section21/pkg/idempotency"
)

type fakeSyncer struct {
	calls    int
	result   pipeline.Result
	err      error
	deadline bool
}

func (f *fakeSyncer) Sync(ctx context.Context, formID string) (pipeline.Result, error) {
	f.calls++
	_, f.deadline = ctx.Deadline()
	res := f.result
	res.FormID = formID
	return res, f.err
}

// memInbox mimics the Postgres inbox: finished keys return their stored
// result, terminal failures are remembered, recoverable ones are not.
type memInbox struct {
	finished map[string]json.RawMessage
	failed   map[string]bool
	busy     map[string]bool
	keys     []string
}

func newMemInbox() *memInbox {
	return &memInbox{finished: map[string]json.RawMessage{}, failed: map[string]bool{}, busy: map[string]bool{}}
}

func (m *memInbox) Process(ctx context.Context, t idempotency.Trigger, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	key := t.Key
	m.keys = append(m.keys, key)
	if t.Handler != HandlerName || t.FormID == "" {
		return nil, fmt.Errorf("unexpected trigger %+v", t)
	}
	if r, ok := m.finished[key]; ok {
		return &idempotency.ProcessResult{Duplicate: true, Result: r}, nil
	}
	if m.failed[key] {
		return nil, fmt.Errorf("%w: %s", idempotency.ErrPreviouslyFailed, key)
	}
	if m.busy[key] {
		return nil, idempotency.ErrMessageInProgress
	}
	out, err := fn(ctx)
	if err != nil {
		if IsTerminal(err) {
			m.failed[key] = true
		}
		return nil, err
	}
	m.finished[key] = out
	return &idempotency.ProcessResult{Attempt: 1, Result: out}, nil
}

type fakeResults struct {
	got []redpanda.SyncResult
	err error
}

func (f *fakeResults) PublishSyncResult(ctx context.Context, res redpanda.SyncResult) error {
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, res)
	return nil
}

func message(t *testing.T, req redpanda.SyncRequest) *redpanda.ConsumedMessage {
	t.Helper()
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicSyncRequests, Key: []byte(req.FormID), Value: b, Timestamp: time.Now()}
}

var requestedAt = time.Date(2024, 8, 15, 9, 30, 12, 0, time.UTC)

func TestHandle_RunsSyncAndPublishesResult(t *testing.T) {
	syncer := &fakeSyncer{result: pipeline.Result{FormTitle: "Cape Town", Synced: 4, Errors: 1, Duration: 1500 * time.Millisecond}}
	results := &fakeResults{}
	w := New(syncer, newMemInbox(), results, time.Minute, nil, nil)

	if err := w.Handle(context.Background(), message(t, redpanda.SyncRequest{FormID: "2421", RequestedAt: requestedAt})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if syncer.calls != 1 || !syncer.deadline {
		t.Errorf("expected one bounded sync, calls=%d deadline=%v", syncer.calls, syncer.deadline)
	}
	if len(results.got) != 1 {
		t.Fatalf("expected one result, got %d", len(results.got))
	}
	res := results.got[0]
	if res.FormID != "2421" || res.Synced != 4 || res.Errors != 1 || res.DurationMS != 1500 || res.Duplicate {
		t.Errorf("unexpected result: %+v", res)
	}
	if !res.RequestedAt.Equal(requestedAt) {
		t.Errorf("expected requested_at to be carried, got %s", res.RequestedAt)
	}
}

func TestHandle_DuplicateWithinMinute(t *testing.T) {
	syncer := &fakeSyncer{result: pipeline.Result{Synced: 2}}
	results := &fakeResults{}
	inbox := newMemInbox()
	w := New(syncer, inbox, results, 0, nil, nil)

	first := message(t, redpanda.SyncRequest{FormID: "2421", RequestedAt: requestedAt})
	second := message(t, redpanda.SyncRequest{FormID: "2421", RequestedAt: requestedAt.Add(20 * time.Second)})

	for _, msg := range []*redpanda.ConsumedMessage{first, second} {
		if err := w.Handle(context.Background(), msg); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if syncer.calls != 1 {
		t.Errorf("expected the second trigger to be deduplicated, got %d runs", syncer.calls)
	}
	if inbox.keys[0] != inbox.keys[1] {
		t.Error("triggers in the same minute should share a key")
	}
	if len(results.got) != 2 || !results.got[1].Duplicate || results.got[1].Synced != 2 {
		t.Errorf("expected a duplicate result carrying the stored counts: %+v", results.got)
	}
}

func TestHandle_InProgress(t *testing.T) {
	syncer := &fakeSyncer{}
	results := &fakeResults{}
	inbox := newMemInbox()
	inbox.busy[idempotency.GenerateKey("2421", requestedAt)] = true
	w := New(syncer, inbox, results, 0, nil, nil)

	if err := w.Handle(context.Background(), message(t, redpanda.SyncRequest{FormID: "2421", RequestedAt: requestedAt})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if syncer.calls != 0 {
		t.Error("sync should not run while another worker holds the key")
	}
	if len(results.got) != 1 || !results.got[0].Duplicate {
		t.Errorf("expected a duplicate result: %+v", results.got)
	}
}

func TestHandle_TerminalErrorIsNotRetried(t *testing.T) {
	syncer := &fakeSyncer{err: fmt.Errorf("%w: 999", pipeline.ErrFormExcluded)}
	results := &fakeResults{}
	inbox := newMemInbox()
	w := New(syncer, inbox, results, 0, nil, nil)
	msg := message(t, redpanda.SyncRequest{FormID: "999", RequestedAt: requestedAt})

	if err := w.Handle(context.Background(), msg); err != nil {
		t.Fatalf("terminal errors should be acknowledged, got %v", err)
	}
	if len(results.got) != 1 || results.got[0].Error == "" {
		t.Errorf("expected an error result: %+v", results.got)
	}

	if err := w.Handle(context.Background(), msg); err != nil {
		t.Fatalf("redelivery should be acknowledged, got %v", err)
	}
	if syncer.calls != 1 {
		t.Errorf("expected no rerun after a terminal failure, got %d runs", syncer.calls)
	}
}

func TestHandle_RecoverableErrorIsRedelivered(t *testing.T) {
	syncer := &fakeSyncer{err: fmt.Errorf("fetch submissions: %w", jotform.ErrProviderUnavailable)}
	results := &fakeResults{}
	w := New(syncer, newMemInbox(), results, 0, nil, nil)
	msg := message(t, redpanda.SyncRequest{FormID: "2421", RequestedAt: requestedAt})

	err := w.Handle(context.Background(), msg)
	if !errors.Is(err, jotform.ErrProviderUnavailable) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if len(results.got) != 0 {
		t.Error("no result should be published for a retryable failure")
	}

	syncer.err = nil
	if err := w.Handle(context.Background(), msg); err != nil {
		t.Fatalf("retry should succeed, got %v", err)
	}
	if syncer.calls != 2 {
		t.Errorf("expected a rerun after a recoverable failure, got %d runs", syncer.calls)
	}
}

func TestHandle_UndecodableMessageIsDropped(t *testing.T) {
	syncer := &fakeSyncer{}
	w := New(syncer, newMemInbox(), nil, 0, nil, nil)

	msg := &redpanda.ConsumedMessage{Value: []byte(`{"form_id": 12`)}
	if err := w.Handle(context.Background(), msg); err != nil {
		t.Fatalf("expected poison message to be acknowledged, got %v", err)
	}
	if syncer.calls != 0 {
		t.Error("sync should not run for an undecodable request")
	}
}

func TestHandle_PublishFailureDoesNotRedeliver(t *testing.T) {
	syncer := &fakeSyncer{}
	w := New(syncer, newMemInbox(), &fakeResults{err: errors.New("broker down")}, 0, nil, nil)

	if err := w.Handle(context.Background(), message(t, redpanda.SyncRequest{FormID: "2421", RequestedAt: requestedAt})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{pipeline.ErrFormExcluded, true},
		{pipeline.ErrFormIDRequired, true},
		{&jotform.StatusError{StatusCode: 404}, true},
		{&jotform.StatusError{StatusCode: 429}, false},
		{&jotform.StatusError{StatusCode: 503}, false},
		{context.DeadlineExceeded, false},
		{errors.New("db down"), false},
	}
	for _, tt := range tests {
		if got := IsTerminal(tt.err); got != tt.want {
			t.Errorf("IsTerminal(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
