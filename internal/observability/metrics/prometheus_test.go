package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestObserveSync(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveSync("degraded", 9, 1, true, 1.5)
	m.ObserveSync("ok", 3, 0, false, 0.2)

	if got := counterValue(t, m.SubmissionsSynced); got != 12 {
		t.Errorf("synced: got %v", got)
	}
	if got := counterValue(t, m.SubmissionsFailed); got != 1 {
		t.Errorf("failed: got %v", got)
	}
	if got := counterValue(t, m.SyncTruncated); got != 1 {
		t.Errorf("truncated: got %v", got)
	}
	if got := counterValue(t, m.SyncRuns.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok runs: got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveSync("ok", 1, 0, false, 0)
	m.SetNotifications(1, 2)
	m.MessageProduced()
	m.MessageConsumed()
	m.SetBreakerState("jotform", "open")
	m.ObserveHTTP("GET", "/api/v1/forms", 200, 0.1)
}

func TestObserveHTTP(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveHTTP("POST", "/api/v1/sync", 200, 3.2)
	m.ObserveHTTP("POST", "/api/v1/sync", 200, 1.1)
	m.ObserveHTTP("POST", "/api/v1/sync", 502, 0.4)

	if got := counterValue(t, m.HTTPRequests.WithLabelValues("POST", "/api/v1/sync", "200")); got != 2 {
		t.Errorf("200s: got %v", got)
	}
	if got := counterValue(t, m.HTTPRequests.WithLabelValues("POST", "/api/v1/sync", "502")); got != 1 {
		t.Errorf("502s: got %v", got)
	}
}
