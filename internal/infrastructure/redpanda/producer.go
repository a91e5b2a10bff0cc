// Package redpanda carries sync requests and sync results over Kafka-compatible
// brokers with franz-go.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig configures publishing. Sync traffic is a handful of small
// records per minute, so durability matters more than batching.
type ProducerConfig struct {
	Brokers []string
	Linger  time.Duration
	// Acks is "all" or "leader".
	Acks string
	// Compression is "none", "lz4", "snappy" or "zstd".
	Compression  string
	Retries      int
	RetryBackoff time.Duration
}

// DefaultProducerConfig returns durable defaults.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:      []string{"localhost:9092"},
		Linger:       5 * time.Millisecond,
		Acks:         "all",
		Compression:  "lz4",
		Retries:      3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

func (c ProducerConfig) opts() ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ProducerLinger(c.Linger),
		kgo.RecordRetries(c.Retries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return c.RetryBackoff * time.Duration(attempt+1)
		}),
	}

	switch c.Acks {
	case "", "all":
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case "leader":
		// Idempotent writes require all-ISR acks.
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	default:
		return nil, fmt.Errorf("unknown acks %q", c.Acks)
	}

	switch c.Compression {
	case "", "none":
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	default:
		return nil, fmt.Errorf("unknown compression %q", c.Compression)
	}
	return opts, nil
}

// Producer publishes sync requests and results as JSON keyed by form id.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer

	sent   atomic.Int64
	failed atomic.Int64
}

// NewProducer connects a producer. It does not contact the brokers until the
// first publish or Ping.
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := cfg.opts()
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create producer client: %w", err)
	}
	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// PublishSyncRequest queues a sync of req.FormID for the worker.
func (p *Producer) PublishSyncRequest(ctx context.Context, req SyncRequest) error {
	return p.publish(ctx, TopicSyncRequests, req.FormID, req)
}

// PublishSyncResult reports the outcome of a queued sync.
func (p *Producer) PublishSyncResult(ctx context.Context, res SyncResult) error {
	return p.publish(ctx, TopicSyncResults, res.FormID, res)
}

// publish waits for the broker acknowledgment so callers can report failure.
func (p *Producer) publish(ctx context.Context, topic, formID string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}

	ctx, span := p.tracer.Start(ctx, "publish "+topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", topic),
			attribute.String("form_id", formID),
		))
	defer span.End()

	record := &kgo.Record{Topic: topic, Key: []byte(formID), Value: value}
	injectTraceHeaders(ctx, record)

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		p.logger.Error("publish failed",
			zap.String("topic", topic),
			zap.String("form_id", formID),
			zap.Error(err))
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	p.sent.Add(1)
	p.logger.Debug("published",
		zap.String("topic", topic),
		zap.String("form_id", formID),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset))
	return nil
}

// Ping checks that at least one broker answers.
func (p *Producer) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("broker ping: %w", err)
	}
	return nil
}

// Flush blocks until buffered records are acknowledged or ctx ends.
func (p *Producer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Close flushes for up to ten seconds and closes the client.
func (p *Producer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Flush(ctx); err != nil {
		p.logger.Warn("flush on close failed", zap.Error(err))
	}
	p.client.Close()
}

// ProducerStats counts publish outcomes since start.
type ProducerStats struct {
	Sent   int64
	Failed int64
}

func (p *Producer) Stats() ProducerStats {
	return ProducerStats{Sent: p.sent.Load(), Failed: p.failed.Load()}
}
