// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the engine reports. A nil *Metrics is
// valid and records nothing, so instrumentation stays optional.
type Metrics struct {
	registry *prometheus.Registry

	NotificationsReceived prometheus.Counter
	Drains                prometheus.Counter
	Reconnects            prometheus.Counter
	MessagesProcessed     prometheus.Counter
	MessagesFailed        prometheus.Counter
	QueueDepth            *prometheus.GaugeVec
	ListenerState         prometheus.Gauge
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		NotificationsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgpubsub_notifications_received_total",
			Help: "NOTIFY events received on the trigger channel.",
		}),
		Drains: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgpubsub_drains_total",
			Help: "Drain iterations executed.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgpubsub_listener_reconnects_total",
			Help: "Reconnect attempts after a lost NOTIFY connection.",
		}),
		MessagesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgpubsub_messages_processed_total",
			Help: "Queue messages settled as processed.",
		}),
		MessagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgpubsub_messages_failed_total",
			Help: "Queue messages settled as failed (retryable or exhausted).",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgpubsub_queue_depth",
			Help: "Queue rows by status, sampled at each engine status read.",
		}, []string{"status"}),
		ListenerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgpubsub_listener_listening",
			Help: "1 while the NOTIFY subscription is established.",
		}),
	}
	reg.MustRegister(
		m.NotificationsReceived, m.Drains, m.Reconnects,
		m.MessagesProcessed, m.MessagesFailed, m.QueueDepth, m.ListenerState,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveBatch records one settled batch.
func (m *Metrics) ObserveBatch(processed, failed int) {
	if m == nil {
		return
	}
	m.Drains.Inc()
	m.MessagesProcessed.Add(float64(processed))
	m.MessagesFailed.Add(float64(failed))
}

// SetQueueDepth records the per-status row counts.
func (m *Metrics) SetQueueDepth(counts map[string]int64) {
	if m == nil {
		return
	}
	for status, n := range counts {
		m.QueueDepth.WithLabelValues(status).Set(float64(n))
	}
}

// ObserveNotification records one NOTIFY received on the trigger channel.
func (m *Metrics) ObserveNotification() {
	if m == nil {
		return
	}
	m.NotificationsReceived.Inc()
}

// ObserveReconnect records one reconnect attempt after a lost connection.
func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// SetListening records whether the NOTIFY subscription is established.
func (m *Metrics) SetListening(listening bool) {
	if m == nil {
		return
	}
	if listening {
		m.ListenerState.Set(1)
		return
	}
	m.ListenerState.Set(0)
}
