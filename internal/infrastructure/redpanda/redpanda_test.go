package redpanda

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func TestDecodeSyncRequest(t *testing.T) {
	ts := time.Date(2024, 8, 15, 12, 0, 0, 0, time.UTC)

	req, err := DecodeSyncRequest([]byte("2421"), []byte(`{"form_id": " 2421 ", "requested_at": "2024-08-15T11:59:30Z", "requested_by": "ops"}`), ts)
	if err != nil {
		t.Fatalf("DecodeSyncRequest: %v", err)
	}
	if req.FormID != "2421" || req.RequestedBy != "ops" {
		t.Errorf("unexpected request: %+v", req)
	}
	if !req.RequestedAt.Equal(time.Date(2024, 8, 15, 11, 59, 30, 0, time.UTC)) {
		t.Errorf("unexpected requested_at: %v", req.RequestedAt)
	}
}

func TestDecodeSyncRequest_Fallbacks(t *testing.T) {
	ts := time.Date(2024, 8, 15, 12, 0, 0, 0, time.UTC)

	req, err := DecodeSyncRequest([]byte("2421"), []byte(`{}`), ts)
	if err != nil {
		t.Fatalf("DecodeSyncRequest: %v", err)
	}
	if req.FormID != "2421" || !req.RequestedAt.Equal(ts) {
		t.Errorf("expected key and record timestamp fallbacks, got %+v", req)
	}
}

func TestDecodeSyncRequest_Invalid(t *testing.T) {
	for name, value := range map[string]string{
		"not json":     `form=2421`,
		"missing form": `{"requested_by": "ops"}`,
	} {
		if _, err := DecodeSyncRequest(nil, []byte(value), time.Now()); !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("%s: expected ErrInvalidMessage, got %v", name, err)
		}
	}
}

func TestTraceHeadersRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Headers: []kgo.RecordHeader{{Key: "source", Value: []byte("api")}}}
	injectTraceHeaders(ctx, record)

	if got := (headerCarrier{record: record}).Get("traceparent"); got != "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01" {
		t.Fatalf("unexpected traceparent %q", got)
	}

	extracted := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	if extracted.TraceID() != traceID || !extracted.IsRemote() {
		t.Errorf("trace context not continued: %+v", extracted)
	}
}

func TestSyncTopics(t *testing.T) {
	specs := SyncTopics(BrokerDefaultReplication)
	if len(specs) != 2 || specs[0].Name != TopicSyncRequests || specs[1].Name != TopicSyncResults {
		t.Fatalf("unexpected topics: %+v", specs)
	}
	for _, s := range specs {
		if s.Partitions <= 0 || s.ReplicationFactor != -1 {
			t.Errorf("%s: unexpected layout %+v", s.Name, s)
		}
	}
	if got := *specs[0].configs()["retention.ms"]; got != "86400000" {
		t.Errorf("request retention = %s, want one day", got)
	}
	if got := *specs[1].configs()["retention.ms"]; got != "604800000" {
		t.Errorf("result retention = %s, want seven days", got)
	}
}

func TestProducerConfigOpts(t *testing.T) {
	if _, err := DefaultProducerConfig().opts(); err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}

	cfg := DefaultProducerConfig()
	cfg.Acks = "leader"
	cfg.Compression = "none"
	if _, err := cfg.opts(); err != nil {
		t.Errorf("leader acks rejected: %v", err)
	}

	cfg.Acks = "two"
	if _, err := cfg.opts(); err == nil {
		t.Error("expected unknown acks to fail")
	}
	cfg.Acks = "all"
	cfg.Compression = "gzip9"
	if _, err := cfg.opts(); err == nil {
		t.Error("expected unknown compression to fail")
	}
}

func testConsumer(attempts int, handler MessageHandler) (*Consumer, *[]time.Duration) {
	var waits []time.Duration
	return &Consumer{
		config:  ConsumerConfig{Attempts: attempts, RetryBackoff: time.Second},
		logger:  zap.NewNop(),
		handler: handler,
		sleep: func(ctx context.Context, d time.Duration) bool {
			waits = append(waits, d)
			return ctx.Err() == nil
		},
	}, &waits
}

func TestDeliver_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	c, waits := testConsumer(5, func(ctx context.Context, msg *ConsumedMessage) error {
		calls++
		if calls < 3 {
			return errors.New("jotform unavailable")
		}
		return nil
	})

	if err := c.deliver(context.Background(), &ConsumedMessage{}); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(*waits) != 2 || (*waits)[0] != time.Second || (*waits)[1] != 2*time.Second {
		t.Errorf("expected linear backoff, got %v", *waits)
	}
	if s := c.Stats(); s.Handled != 1 || s.Abandoned != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestDeliver_GivesUp(t *testing.T) {
	calls := 0
	c, waits := testConsumer(3, func(ctx context.Context, msg *ConsumedMessage) error {
		calls++
		return errors.New("store down")
	})

	if err := c.deliver(context.Background(), &ConsumedMessage{}); err == nil {
		t.Fatal("expected the last handler error")
	}
	if calls != 3 || len(*waits) != 2 {
		t.Errorf("calls=%d waits=%v", calls, *waits)
	}
	if s := c.Stats(); s.Abandoned != 1 || s.Handled != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestDeliver_StopsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c, _ := testConsumer(5, func(ctx context.Context, msg *ConsumedMessage) error {
		cancel()
		return errors.New("interrupted")
	})

	if err := c.deliver(ctx, &ConsumedMessage{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if s := c.Stats(); s.Abandoned != 0 {
		t.Errorf("interrupted record should not count as abandoned: %+v", s)
	}
}
