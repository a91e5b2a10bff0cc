// Package main provides the sync worker entry point.
// Consumes queued sync requests and runs them once per form and minute.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/controlcentre/section21/internal/app"
	"github.com/controlcentre/section21/internal/config"
	"github.com/controlcentre/section21/internal/infrastructure/redpanda"
	"github.com/controlcentre/section21/internal/observability/logging"
	"github.com/controlcentre/section21/internal/observability/metrics"
	"github.com/controlcentre/section21/internal/observability/tracing"
	"github.com/controlcentre/section21/internal/worker"
	"github.com/controlcentre/section21/pkg/idempotency"
)

const serviceName = "sync-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if len(cfg.KafkaBrokers) == 0 {
		logger.Fatal("KAFKA_BROKERS is required for the sync worker")
	}

	ctx := context.Background()

	tp, err := tracing.Init(ctx, tracing.ForService(serviceName, cfg.Env, cfg.OTLPEndpoint, cfg.OTelSampleRatio))
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer a.Close()

	admin, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	if _, err := admin.EnsureTopics(ctx, redpanda.SyncTopics(redpanda.BrokerDefaultReplication)); err != nil {
		logger.Fatal("failed to ensure topics", zap.Error(err))
	}
	admin.Close()

	inboxCfg := idempotency.DefaultInboxConfig()
	inboxCfg.IsTerminal = worker.IsTerminal
	inbox := idempotency.NewInbox(a.Pool, inboxCfg, logger)
	if n, err := inbox.RecoverStaleEntries(ctx); err != nil {
		logger.Warn("failed to recover stale inbox entries", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered stale inbox entries", zap.Int64("count", n))
	}
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		inbox.RunJanitor(janitorCtx)
	}()

	pcfg := redpanda.DefaultProducerConfig()
	pcfg.Brokers = cfg.KafkaBrokers
	producer, err := redpanda.NewProducer(pcfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	w := worker.New(a.Pipeline, inbox, producer, cfg.SyncTimeout, a.Metrics, logger)

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.KafkaBrokers
	consumerCfg.GroupID = cfg.KafkaGroupID

	consumer, err := redpanda.NewConsumer(consumerCfg, w.Handle, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	// Metrics only; the worker has no API.
	metricsServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           metrics.HandlerFor(a.Registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	consumer.Start()
	logger.Info("sync worker started",
		zap.Strings("brokers", cfg.KafkaBrokers),
		zap.String("group", consumerCfg.GroupID),
		zap.String("topic", redpanda.TopicSyncRequests))

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	consumer.Stop()
	stopJanitor()
	<-janitorDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := producer.Flush(shutdownCtx); err != nil {
		logger.Warn("failed to flush producer", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown error", zap.Error(err))
	}

	stats := consumer.Stats()
	logger.Info("sync worker stopped",
		zap.Int64("handled", stats.Handled),
		zap.Int64("abandoned", stats.Abandoned),
		zap.Int64("fetch_errors", stats.FetchErrors),
		zap.Int64("results_published", producer.Stats().Sent))
}
