package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetLevel(t *testing.T) {
	defer func() { _ = SetLevel("info") }()

	for _, name := range []string{"debug", "INFO", "warn", "error", ""} {
		if err := SetLevel(name); err != nil {
			t.Fatalf("level %q: %v", name, err)
		}
	}
	if err := SetLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestMetricsReuseRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewMetrics(registry)
	second := NewMetrics(registry)

	first.IncRequest("install-docker", "SUCCEEDED")
	second.IncRequest("install-docker", "SUCCEEDED")
	first.ObserveDuration("install-docker", "succeeded", 3*time.Second)

	if got := testutil.ToFloat64(first.requests.WithLabelValues("install-docker", "SUCCEEDED")); got != 2 {
		t.Fatalf("expected shared counter value 2, got %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncRequest("a", "b")
	m.IncConflict("a")
	m.IncShortCircuit("a")
	m.IncFailure("timeout")
	m.ObserveDuration("a", "b", time.Second)
}
