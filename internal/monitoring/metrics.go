package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the post office and broker
// domains. cmd/broker registers them and updates the broker and process
// collectors; the engine does not update any of them. Field naming follows
// the teacher's ws_* metric naming convention, adapted to this module's
// postoffice_*/broker_* domains.
type Metrics struct {
	RecvBufferItems  prometheus.Gauge
	RecvBufferBytes  prometheus.Gauge
	SendBufferItems  prometheus.Gauge
	SendBufferBytes  prometheus.Gauge

	RecvItemsPerSec prometheus.Gauge
	RecvBytesPerSec prometheus.Gauge
	SendItemsPerSec prometheus.Gauge
	SendBytesPerSec prometheus.Gauge

	BackpressureDrops prometheus.Counter
	TransportErrors   prometheus.Counter

	BrokerConnections prometheus.Gauge
	BrokerEvictions   prometheus.Counter
	BrokerMessages    prometheus.Counter

	ProcessCPUPercent prometheus.Gauge
	ProcessRSSBytes   prometheus.Gauge
}

// NewMetrics constructs and registers every collector against registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		RecvBufferItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postoffice_recv_buffer_items", Help: "Items currently queued in the receive buffer.",
		}),
		RecvBufferBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postoffice_recv_buffer_bytes", Help: "Bytes currently queued in the receive buffer.",
		}),
		SendBufferItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postoffice_send_buffer_items", Help: "Items currently queued in the send buffer.",
		}),
		SendBufferBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postoffice_send_buffer_bytes", Help: "Bytes currently queued in the send buffer.",
		}),
		RecvItemsPerSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postoffice_recv_items_per_sec", Help: "Sliding-window receive rate, items per second.",
		}),
		RecvBytesPerSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postoffice_recv_bytes_per_sec", Help: "Sliding-window receive rate, bytes per second.",
		}),
		SendItemsPerSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postoffice_send_items_per_sec", Help: "Sliding-window send rate, items per second.",
		}),
		SendBytesPerSec: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postoffice_send_bytes_per_sec", Help: "Sliding-window send rate, bytes per second.",
		}),
		BackpressureDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postoffice_backpressure_drops_total", Help: "Publish/Subscribe/Unsubscribe calls dropped due to a full bounded queue.",
		}),
		TransportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postoffice_transport_errors_total", Help: "Transport-level errors recorded into the error journal.",
		}),
		BrokerConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postoffice_broker_connections_total", Help: "Total connections accepted by the broker since start.",
		}),
		BrokerEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postoffice_broker_evictions_total", Help: "Clients evicted by the broker for heartbeat inactivity.",
		}),
		BrokerMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postoffice_broker_messages_total", Help: "Messages fanned out by the broker.",
		}),
		ProcessCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postoffice_process_cpu_percent", Help: "Process CPU usage percentage.",
		}),
		ProcessRSSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postoffice_process_rss_bytes", Help: "Process resident set size in bytes.",
		}),
	}

	registry.MustRegister(
		m.RecvBufferItems, m.RecvBufferBytes, m.SendBufferItems, m.SendBufferBytes,
		m.RecvItemsPerSec, m.RecvBytesPerSec, m.SendItemsPerSec, m.SendBytesPerSec,
		m.BackpressureDrops, m.TransportErrors,
		m.BrokerConnections, m.BrokerEvictions, m.BrokerMessages,
		m.ProcessCPUPercent, m.ProcessRSSBytes,
	)
	return m
}

// Handler returns the HTTP handler that serves registry in the
// Prometheus exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
