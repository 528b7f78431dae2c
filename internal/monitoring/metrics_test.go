package monitoring

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetricsRegistersAllCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RecvBufferItems.Set(10)
	m.BackpressureDrops.Add(1)
	m.BrokerMessages.Add(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler(registry).ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"postoffice_recv_buffer_items",
		"postoffice_backpressure_drops_total",
		"postoffice_broker_messages_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected exposition output to contain %q", want)
		}
	}
}
