package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's collectors on a private registry.
// All Record methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	EventsApplied      *prometheus.CounterVec
	EventsSkipped      *prometheus.CounterVec
	SnapshotLoads      *prometheus.CounterVec
	StreamConnects     *prometheus.CounterVec
	ViolationsRecorded prometheus.Counter
	AlertsSent         *prometheus.CounterVec
	StreamClients      prometheus.Gauge
}

// New creates the collectors under namespace and registers them.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: registry}

	m.HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	m.HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	m.EventsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Events applied to the dashboard state, by event name",
		},
		[]string{"event"},
	)
	m.EventsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_skipped_total",
			Help:      "Events that were fully or partially skipped, by event name",
		},
		[]string{"event"},
	)
	m.SnapshotLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_loads_total",
			Help:      "Snapshot fetches by result",
		},
		[]string{"result"},
	)
	m.StreamConnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_connects_total",
			Help:      "Event stream connection attempts by result",
		},
		[]string{"result"},
	)
	m.ViolationsRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_recorded_total",
			Help:      "Violations received from the event stream",
		},
	)
	m.AlertsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_sent_total",
			Help:      "Push alerts by result",
		},
		[]string{"result"},
	)
	m.StreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Dashboard clients currently connected to the state stream",
		},
	)

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EventsApplied,
		m.EventsSkipped,
		m.SnapshotLoads,
		m.StreamConnects,
		m.ViolationsRecorded,
		m.AlertsSent,
		m.StreamClients,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *Metrics) RecordEvent(event string, skipped bool) {
	if m == nil {
		return
	}
	m.EventsApplied.WithLabelValues(event).Inc()
	if skipped {
		m.EventsSkipped.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) RecordSnapshot(err error) {
	if m == nil {
		return
	}
	m.SnapshotLoads.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) RecordStreamConnect(err error) {
	if m == nil {
		return
	}
	m.StreamConnects.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) RecordViolation() {
	if m == nil {
		return
	}
	m.ViolationsRecorded.Inc()
}

func (m *Metrics) RecordAlert(err error) {
	if m == nil {
		return
	}
	m.AlertsSent.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) SetStreamClients(n int) {
	if m == nil {
		return
	}
	m.StreamClients.Set(float64(n))
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
