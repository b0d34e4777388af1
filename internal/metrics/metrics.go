// Package metrics exposes engine counters in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "diffsync"

// Metrics groups the collectors of one server instance. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	units              *prometheus.CounterVec
	unitDuration       *prometheus.HistogramVec
	connections        prometheus.Gauge
	droppedConnections *prometheus.CounterVec
	notifications      prometheus.Counter
	lots               prometheus.Counter
	uniqueConflicts    prometheus.Counter
}

// New registers the engine collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		units: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_total",
			Help:      "Processed requests, transactions and services by outcome",
		}, []string{"kind", "outcome"}),
		unitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Time from dequeue to acknowledgement",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"kind"}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Registered hub connections",
		}),
		droppedConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_dropped_total",
			Help:      "Connections closed by the server",
		}, []string{"reason"}),
		notifications: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification batches pushed to connections",
		}),
		lots: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lots_total",
			Help:      "Catch-up lots streamed to connections",
		}),
		uniqueConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unique_conflicts_total",
			Help:      "Uniqueness reservations lost at commit time",
		}),
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveUnit(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.units.WithLabelValues(kind, outcome).Inc()
	m.unitDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) ConnectionDropped(reason string) {
	if m == nil {
		return
	}
	m.droppedConnections.WithLabelValues(reason).Inc()
}

func (m *Metrics) NotificationSent() {
	if m == nil {
		return
	}
	m.notifications.Inc()
}

func (m *Metrics) LotsServed(count int) {
	if m == nil {
		return
	}
	m.lots.Add(float64(count))
}

func (m *Metrics) UniqueConflict() {
	if m == nil {
		return
	}
	m.uniqueConflicts.Inc()
}
