// Package circuitbreaker stops calling an upstream that keeps failing.
// It wraps sony/gobreaker with OpenTelemetry counters and zap logging.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Config describes when the breaker trips and how it recovers.
type Config struct {
	Name string
	// TripAfter consecutive failures open the breaker.
	TripAfter uint32
	// TripRatio opens the breaker once RatioMinRequests calls were seen in
	// the current window and at least this share of them failed.
	TripRatio        float64
	RatioMinRequests uint32
	// Window resets the closed-state counts.
	Window time.Duration
	// OpenFor is how long calls are rejected before probing again.
	OpenFor time.Duration
	// Probes is the number of calls let through while half-open.
	Probes uint32
	// IsSuccessful classifies a call result. Defaults to err == nil.
	IsSuccessful func(err error) bool
	// OnStateChange is called after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig suits a single upstream REST API called a few times per sync.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		TripAfter:        5,
		TripRatio:        0.6,
		RatioMinRequests: 10,
		Window:           time.Minute,
		OpenFor:          30 * time.Second,
		Probes:           1,
	}
}

func (c Config) readyToTrip(counts gobreaker.Counts) bool {
	if counts.ConsecutiveFailures >= c.TripAfter {
		return true
	}
	return counts.Requests >= c.RatioMinRequests &&
		float64(counts.TotalFailures)/float64(counts.Requests) >= c.TripRatio
}

type instruments struct {
	calls    metric.Int64Counter
	failures metric.Int64Counter
	rejected metric.Int64Counter
}

func newInstruments() (instruments, error) {
	meter := otel.Meter("circuit-breaker")
	var (
		in  instruments
		err error
	)
	if in.calls, err = meter.Int64Counter("circuit_breaker_requests_total",
		metric.WithDescription("Calls attempted through the breaker")); err != nil {
		return in, err
	}
	if in.failures, err = meter.Int64Counter("circuit_breaker_failures_total",
		metric.WithDescription("Calls that failed")); err != nil {
		return in, err
	}
	in.rejected, err = meter.Int64Counter("circuit_breaker_rejected_total",
		metric.WithDescription("Calls rejected without reaching the upstream"))
	return in, err
}

// Breaker guards one upstream.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer
	in     instruments
}

func New(cfg Config, logger *zap.Logger) (*Breaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	in, err := newInstruments()
	if err != nil {
		return nil, fmt.Errorf("breaker instruments: %w", err)
	}

	b := &Breaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
		in:     in,
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:         cfg.Name,
		MaxRequests:  cfg.Probes,
		Interval:     cfg.Window,
		Timeout:      cfg.OpenFor,
		ReadyToTrip:  cfg.readyToTrip,
		IsSuccessful: cfg.IsSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", string(stateOf(from))),
				zap.String("to", string(stateOf(to))))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, stateOf(from), stateOf(to))
			}
		},
	})
	return b, nil
}

// Do runs fn through b. A nil b calls fn directly.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	if b == nil {
		return fn(ctx)
	}

	ctx, span := b.tracer.Start(ctx, "circuit_breaker "+b.name,
		trace.WithAttributes(attribute.String("breaker.state", string(b.State()))))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("name", b.name))
	b.in.calls.Add(ctx, 1, attrs)

	var out T
	_, err := b.cb.Execute(func() (interface{}, error) {
		var err error
		out, err = fn(ctx)
		return nil, err
	})
	if err != nil {
		if IsOpenError(err) {
			b.in.rejected.Add(ctx, 1, attrs)
		} else {
			b.in.failures.Add(ctx, 1, attrs)
		}
		span.RecordError(err)
		var zero T
		return zero, err
	}
	return out, nil
}

// IsOpenError reports whether err came from an open or saturated breaker
// rather than from the upstream.
func IsOpenError(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State { return stateOf(b.cb.State()) }

// HealthStatus summarises a breaker for health endpoints.
type HealthStatus struct {
	Name                string `json:"name"`
	State               State  `json:"state"`
	Requests            uint32 `json:"requests"`
	Failures            uint32 `json:"failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	Healthy             bool   `json:"healthy"`
}

func (b *Breaker) Health() HealthStatus {
	counts := b.cb.Counts()
	state := b.State()
	return HealthStatus{
		Name:                b.name,
		State:               state,
		Requests:            counts.Requests,
		Failures:            counts.TotalFailures,
		ConsecutiveFailures: counts.ConsecutiveFailures,
		Healthy:             state != StateOpen,
	}
}
