package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func TestNewResourceMonitorSamplesCurrentProcess(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	rm, err := NewResourceMonitor(metrics, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewResourceMonitor failed: %v", err)
	}

	rm.sample()

	if v := testutilGather(registry, "postoffice_process_rss_bytes"); v <= 0 {
		t.Fatalf("expected a positive RSS sample, got %v", v)
	}
}

func testutilGather(registry *prometheus.Registry, name string) float64 {
	families, err := registry.Gather()
	if err != nil {
		return 0
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
		}
	}
	return 0
}
