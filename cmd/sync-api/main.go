// Package main provides the sync API service entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/controlcentre/section21/internal/api/handlers"
	"github.com/controlcentre/section21/internal/api/middleware"
	"github.com/controlcentre/section21/internal/app"
	"github.com/controlcentre/section21/internal/config"
	"github.com/controlcentre/section21/internal/infrastructure/redpanda"
	"github.com/controlcentre/section21/internal/observability/logging"
	"github.com/controlcentre/section21/internal/observability/metrics"
	"github.com/controlcentre/section21/internal/observability/tracing"
)

const serviceName = "sync-api"

func main() {
	cfg, err := config.Load()
	if err != nil {
		// No logger yet.
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

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
	logger.Info("connected to database")

	// Asynchronous triggers are only available with a broker.
	var publisher handlers.SyncPublisher
	checks := map[string]func(context.Context) error{"database": a.Pool.Ping}
	if len(cfg.KafkaBrokers) > 0 {
		pcfg := redpanda.DefaultProducerConfig()
		pcfg.Brokers = cfg.KafkaBrokers
		producer, err := redpanda.NewProducer(pcfg, logger)
		if err != nil {
			logger.Fatal("producer creation failed", zap.Error(err))
		}
		defer producer.Close()
		publisher = countingPublisher{producer: producer, metrics: a.Metrics}
		checks["broker"] = producer.Ping
		logger.Info("async sync enabled", zap.Strings("brokers", cfg.KafkaBrokers))
	}

	syncHandler := handlers.NewSyncHandler(a.Pipeline, publisher, cfg.SyncTimeout, logger)
	notificationHandler := handlers.NewNotificationHandler(a.Notifications, logger)
	formsHandler := handlers.NewFormsHandler(a.Jotform, a.Locations, cfg.ExcludedFormIDs, cfg.FormTitles, logger)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Observe(logger, a.Metrics))
	r.Use(middleware.Tracing(serviceName))

	// Health, readiness and metrics (no auth)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "healthy",
			"service": serviceName,
			"jotform": a.Breaker.Health(),
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status, code := map[string]string{}, http.StatusOK
		for name, check := range checks {
			status[name] = "ok"
			if err := check(ctx); err != nil {
				logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
				status[name], code = "unavailable", http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	})
	r.Handle("/metrics", metrics.HandlerFor(a.Registry))

	if len(cfg.APIKeys) == 0 {
		logger.Warn("API_KEYS is empty, API authentication is disabled")
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys))
		r.Mount("/sync", syncHandler.Routes())
		r.Mount("/notifications", notificationHandler.Routes())
		r.Mount("/forms", formsHandler.Routes())
	})

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// Synchronous runs hold the connection for up to SyncTimeout.
		WriteTimeout: cfg.SyncTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting sync API",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.Bool("tracing", tp.Enabled()))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

// countingPublisher records produced sync requests in the metrics.
type countingPublisher struct {
	producer *redpanda.Producer
	metrics  *metrics.Metrics
}

func (p countingPublisher) PublishSyncRequest(ctx context.Context, req redpanda.SyncRequest) error {
	if err := p.producer.PublishSyncRequest(ctx, req); err != nil {
		return err
	}
	p.metrics.MessageProduced()
	return nil
}
