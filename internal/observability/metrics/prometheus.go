// Package metrics provides Prometheus metrics for submission synchronization.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	SyncRuns              *prometheus.CounterVec
	SubmissionsSynced     prometheus.Counter
	SubmissionsFailed     prometheus.Counter
	SyncDuration          prometheus.Histogram
	SyncTruncated         prometheus.Counter
	ActiveNotifications   *prometheus.GaugeVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	CircuitBreakerState   *prometheus.GaugeVec
	HTTPRequests          *prometheus.CounterVec
	HTTPDuration          *prometheus.HistogramVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "section21_sync_runs_total",
			Help: "Sync runs by outcome (ok, degraded, failed, excluded)",
		}, []string{"outcome"}),
		SubmissionsSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "section21_submissions_synced_total",
			Help: "Submissions upserted into the patient store",
		}),
		SubmissionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "section21_submissions_failed_total",
			Help: "Submissions that failed extraction or upsert",
		}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "section21_sync_duration_seconds",
			Help:    "Duration of a sync run",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		SyncTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "section21_sync_truncated_total",
			Help: "Sync runs that reached the provider's page limit",
		}),
		ActiveNotifications: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "section21_notifications_active",
			Help: "Notifications returned by the last unfiltered listing, by status",
		}, []string{"status"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "section21_http_requests_total",
			Help: "API requests by route and status code",
		}, []string{"method", "route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "section21_http_request_duration_seconds",
			Help: "API request latency by route",
			// Synchronous syncs can take as long as SYNC_TIMEOUT.
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 30, 60, 120},
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.SyncRuns,
		m.SubmissionsSynced,
		m.SubmissionsFailed,
		m.SyncDuration,
		m.SyncTruncated,
		m.ActiveNotifications,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.CircuitBreakerState,
		m.HTTPRequests,
		m.HTTPDuration,
	)

	return m
}

// ObserveSync records one finished run.
func (m *Metrics) ObserveSync(outcome string, synced, failed int, truncated bool, seconds float64) {
	if m == nil {
		return
	}
	m.SyncRuns.WithLabelValues(outcome).Inc()
	m.SubmissionsSynced.Add(float64(synced))
	m.SubmissionsFailed.Add(float64(failed))
	m.SyncDuration.Observe(seconds)
	if truncated {
		m.SyncTruncated.Inc()
	}
}

// SetNotifications publishes the current notification counts.
func (m *Metrics) SetNotifications(expiringSoon, expired int) {
	if m == nil {
		return
	}
	m.ActiveNotifications.WithLabelValues("expiring_soon").Set(float64(expiringSoon))
	m.ActiveNotifications.WithLabelValues("expired").Set(float64(expired))
}

// MessageProduced counts a published Kafka record.
func (m *Metrics) MessageProduced() {
	if m == nil {
		return
	}
	m.KafkaMessagesProduced.Inc()
}

// MessageConsumed counts a consumed Kafka record.
func (m *Metrics) MessageConsumed() {
	if m == nil {
		return
	}
	m.KafkaMessagesConsumed.Inc()
}

// SetBreakerState publishes a circuit breaker state ("closed", "half-open" or "open").
func (m *Metrics) SetBreakerState(name, state string) {
	if m == nil {
		return
	}
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// ObserveHTTP records one served request. route is the matched pattern, not
// the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(method, route string, code int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(seconds)
}

// HandlerFor serves the metrics of a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
