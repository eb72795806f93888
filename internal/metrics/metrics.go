// ABOUTME: Prometheus collectors for the archive gateway
// ABOUTME: Each Metrics owns a private registry so several gateways can coexist in tests

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's collectors.
type Metrics struct {
	registry *prometheus.Registry

	RemovalRequests  *prometheus.CounterVec
	StoreFailures    *prometheus.CounterVec
	MessagesArchived prometheus.Counter
	SessionsActive   prometheus.Gauge
	StanzasDropped   *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RemovalRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_removal_requests_total",
				Help: "Conversation removal requests by outcome",
			},
			[]string{"outcome"},
		),
		StoreFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_store_failures_total",
				Help: "Failed mark-removed updates by party",
			},
			[]string{"party"}, // "from" or "to"
		),
		MessagesArchived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "archive_messages_archived_total",
				Help: "Messages written to the archive",
			},
		),
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "archive_sessions_active",
				Help: "Bound client sessions",
			},
		),
		StanzasDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_stanzas_dropped_total",
				Help: "Inbound stanzas dropped by the stream layer",
			},
			[]string{"reason"},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archive_http_request_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RemovalRequests,
		m.StoreFailures,
		m.MessagesArchived,
		m.SessionsActive,
		m.StanzasDropped,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRemoval counts one removal request.
func (m *Metrics) ObserveRemoval(outcome string) {
	m.RemovalRequests.WithLabelValues(outcome).Inc()
}

// ObserveStoreFailure counts one failed mark-removed update.
func (m *Metrics) ObserveStoreFailure(party string) {
	m.StoreFailures.WithLabelValues(party).Inc()
}

// ObserveArchived counts one archived message.
func (m *Metrics) ObserveArchived() {
	m.MessagesArchived.Inc()
}

// SetSessions sets the bound session gauge.
func (m *Metrics) SetSessions(n int) {
	m.SessionsActive.Set(float64(n))
}

// ObserveDropped counts one stanza dropped for reason.
func (m *Metrics) ObserveDropped(reason string) {
	m.StanzasDropped.WithLabelValues(reason).Inc()
}
