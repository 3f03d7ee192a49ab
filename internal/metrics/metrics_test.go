package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsRegistered(t *testing.T) {
	TickTotal.WithLabelValues("success")
	InstallTotal.WithLabelValues("success")

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expected := map[string]bool{
		"orchestration_tick_total":                false,
		"orchestration_install_total":             false,
		"orchestration_reconfig_duration_seconds": false,
		"orchestration_manifest_queue_size":       false,
	}

	for _, mf := range mfs {
		if _, ok := expected[mf.GetName()]; ok {
			expected[mf.GetName()] = true
		}
	}

	for name, found := range expected {
		if !found {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestCounterIncrements(t *testing.T) {
	TickTotal.WithLabelValues("success").Inc()
	TickTotal.WithLabelValues("poll_failed").Inc()
	InstallTotal.WithLabelValues("installed").Inc()
	InstallTotal.WithLabelValues("failed").Inc()
}

func TestGaugeAndHistogram(t *testing.T) {
	ManifestQueueSize.Set(3)
	ReconfigDuration.Observe(1.5)
}
