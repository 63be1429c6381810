package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is safe
// to call; every method no-ops, so tests and tools can skip registration.
type Metrics struct {
	RunsStarted     prometheus.Counter
	RunsFinished    *prometheus.CounterVec
	NodesFired      *prometheus.CounterVec
	NodeFailures    prometheus.Counter
	Callbacks       *prometheus.CounterVec
	WebhookDuration prometheus.Histogram
}

// New creates and registers the engine collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stitch_runs_started_total",
			Help: "Runs created by the engine.",
		}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stitch_runs_finished_total",
			Help: "Runs that reached a terminal aggregate status.",
		}, []string{"status"}),
		NodesFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stitch_nodes_fired_total",
			Help: "Node handler invocations by node kind.",
		}, []string{"kind"}),
		NodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stitch_node_failures_total",
			Help: "Nodes that transitioned to failed.",
		}),
		Callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stitch_callbacks_total",
			Help: "Worker callbacks received by reported status.",
		}, []string{"status"}),
		WebhookDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stitch_webhook_dispatch_seconds",
			Help:    "Outbound worker webhook dispatch duration.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.RunsStarted,
		m.RunsFinished,
		m.NodesFired,
		m.NodeFailures,
		m.Callbacks,
		m.WebhookDuration,
	)

	return m
}

// RunStarted records a run creation.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsStarted.Inc()
}

// RunFinished records a terminal run status.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.RunsFinished.WithLabelValues(status).Inc()
}

// NodeFired records a handler invocation.
func (m *Metrics) NodeFired(kind string) {
	if m == nil {
		return
	}
	m.NodesFired.WithLabelValues(kind).Inc()
}

// NodeFailed records a node failure.
func (m *Metrics) NodeFailed() {
	if m == nil {
		return
	}
	m.NodeFailures.Inc()
}

// CallbackReceived records an inbound worker callback.
func (m *Metrics) CallbackReceived(status string) {
	if m == nil {
		return
	}
	m.Callbacks.WithLabelValues(status).Inc()
}

// ObserveWebhook records one webhook dispatch duration in seconds.
func (m *Metrics) ObserveWebhook(seconds float64) {
	if m == nil {
		return
	}
	m.WebhookDuration.Observe(seconds)
}
