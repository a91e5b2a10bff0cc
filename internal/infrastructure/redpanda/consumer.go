package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig configures the sync request consumer.
type ConsumerConfig struct {
	Brokers        []string
	GroupID        string
	Topics         []string
	SessionTimeout time.Duration
	// FromStart consumes existing records when the group has no offsets.
	FromStart bool
	// Attempts bounds how often a record is handed to the handler before it
	// is committed anyway. Records on the same partition wait meanwhile.
	Attempts     int
	RetryBackoff time.Duration
}

// DefaultConsumerConfig returns the sync worker defaults.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:        []string{"localhost:9092"},
		GroupID:        "section21-sync-worker",
		Topics:         []string{TopicSyncRequests},
		SessionTimeout: 45 * time.Second,
		Attempts:       5,
		RetryBackoff:   2 * time.Second,
	}
}

// MessageHandler is called for each consumed record. A returned error asks
// for the record to be handed over again.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is a record as seen by handlers.
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Consumer hands records to a handler one at a time and commits each record
// once it is done with it.
type Consumer struct {
	client  *kgo.Client
	config  ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler
	sleep   func(ctx context.Context, d time.Duration) bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	handled   atomic.Int64
	abandoned atomic.Int64
	fetchErrs atomic.Int64
}

// NewConsumer joins cfg.GroupID. Consumption starts with Start.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}

	reset := kgo.NewOffset().AtEnd()
	if cfg.FromStart {
		reset = kgo.NewOffset().AtStart()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.ConsumeResetOffset(reset),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitUncommittedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create consumer client: %w", err)
	}

	return &Consumer{
		client:  client,
		config:  cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		sleep:   sleepCtx,
	}, nil
}

// Start polls in a background goroutine until Stop.
func (c *Consumer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.poll(ctx)
	}()
}

// Stop waits for the in-flight record, commits and leaves the group.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		c.logger.Warn("final commit failed", zap.Error(err))
	}
	c.client.Close()
}

func (c *Consumer) poll(ctx context.Context) {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.fetchErrs.Add(1)
			c.logger.Error("fetch failed",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})
		fetches.EachRecord(func(r *kgo.Record) {
			if ctx.Err() != nil {
				// Left uncommitted for the next group member.
				return
			}
			c.consume(ctx, r)
		})
	}
}

func (c *Consumer) consume(ctx context.Context, r *kgo.Record) {
	msg := &ConsumedMessage{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Timestamp: r.Timestamp,
	}

	ctx, span := c.tracer.Start(extractTraceContext(ctx, r), "consume "+r.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.Int64("messaging.partition", int64(r.Partition)),
			attribute.Int64("messaging.offset", r.Offset),
		))
	defer span.End()

	if err := c.deliver(ctx, msg); err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return
		}
	}

	c.client.MarkCommitRecords(r)
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		c.logger.Error("commit failed",
			zap.String("topic", r.Topic),
			zap.Int32("partition", r.Partition),
			zap.Int64("offset", r.Offset),
			zap.Error(err))
	}
}

// deliver runs the handler up to config.Attempts times with a linear backoff.
// The record counts as done either way; a non-nil return means it was abandoned
// or interrupted.
func (c *Consumer) deliver(ctx context.Context, msg *ConsumedMessage) error {
	var err error
	for attempt := 1; attempt <= c.config.Attempts; attempt++ {
		if err = c.handler(ctx, msg); err == nil {
			c.handled.Add(1)
			return nil
		}
		logger := c.logger.With(
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == c.config.Attempts {
			logger.Error("giving up on record")
			break
		}
		logger.Warn("handler failed, retrying")
		if !c.sleep(ctx, c.config.RetryBackoff*time.Duration(attempt)) {
			return ctx.Err()
		}
	}
	c.abandoned.Add(1)
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ConsumerStats counts record outcomes since start.
type ConsumerStats struct {
	Handled     int64
	Abandoned   int64
	FetchErrors int64
}

func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Handled:     c.handled.Load(),
		Abandoned:   c.abandoned.Load(),
		FetchErrors: c.fetchErrs.Load(),
	}
}
