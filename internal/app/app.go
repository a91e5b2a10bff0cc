// Package app wires the services shared by the API, the worker and the CLI.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/controlcentre/section21/internal/config"
	"github.com/controlcentre/section21/internal/domain/location"
	"github.com/controlcentre/section21/internal/domain/patient"
	"github.com/controlcentre/section21/internal/infrastructure/postgres"
	"github.com/controlcentre/section21/internal/jotform"
	"github.com/controlcentre/section21/internal/notification"
	"github.com/controlcentre/section21/internal/observability/metrics"
	"github.com/controlcentre/section21/internal/pipeline"
	"github.com/controlcentre/section21/pkg/circuitbreaker"
)

// App holds the long-lived dependencies of a process.
type App struct {
	Config        *config.Config
	Logger        *zap.Logger
	Pool          *pgxpool.Pool
	Registry      *prometheus.Registry
	Metrics       *metrics.Metrics
	Breaker       *circuitbreaker.Breaker
	Jotform       *jotform.Client
	Locations     *location.Repository
	Patients      *patient.Repository
	Pipeline      *pipeline.Pipeline
	Notifications *notification.Service
}

// New connects to Postgres and builds the sync and notification services.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	breakerCfg := jotform.BreakerConfig()
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		m.SetBreakerState(name, string(to))
	}
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create circuit breaker: %w", err)
	}
	m.SetBreakerState(breaker.Name(), string(breaker.State()))

	client := jotform.NewClient(jotform.Config{
		BaseURL: cfg.JotformBaseURL,
		APIKey:  cfg.JotformAPIKey,
	}, breaker, logger)

	locations := location.NewRepository(pool, logger)
	patients := patient.NewRepository(pool, cfg.ExcludedFormIDs, logger)

	return &App{
		Config:        cfg,
		Logger:        logger,
		Pool:          pool,
		Registry:      reg,
		Metrics:       m,
		Breaker:       breaker,
		Jotform:       client,
		Locations:     locations,
		Patients:      patients,
		Pipeline:      pipeline.New(PipelineConfig(cfg), client, locations, patients, m, logger),
		Notifications: notification.NewService(patients, m, logger),
	}, nil
}

// PipelineConfig maps process configuration onto the sync pipeline.
func PipelineConfig(cfg *config.Config) pipeline.Config {
	pc := pipeline.DefaultConfig()
	pc.FormTitles = cfg.FormTitles
	pc.ExcludedFormIDs = cfg.ExcludedFormIDs
	pc.SubmissionLimit = cfg.JotformSubmissionLimit
	pc.Workers = cfg.SyncWorkers
	pc.MaxRetries = cfg.SyncMaxRetries
	pc.Timezone = cfg.ProviderLocation()
	return pc
}

// Close releases the database pool.
func (a *App) Close() {
	a.Pool.Close()
}
