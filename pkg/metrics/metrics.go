// Package metrics holds the Prometheus collectors for one owner process.
//
// Collectors live on a private registry instead of the global default so
// several owners (or tests) in one process do not collide. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "eventfold"

type Metrics struct {
	Registry *prometheus.Registry

	EventsAccepted   prometheus.Counter
	MergeEvents      prometheus.Counter
	Rejections       *prometheus.CounterVec
	Checkpoints      *prometheus.CounterVec
	TransportRetries *prometheus.CounterVec
	TransportErrors  *prometheus.CounterVec
	DAGSize          prometheus.Gauge
	Backlog          prometheus.Gauge
	SyncDuration     prometheus.Histogram
}

// New registers every collector on a fresh registry. owner is attached as a
// constant label.
func New(owner string) *Metrics {
	labels := prometheus.Labels{"owner": owner}
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EventsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "engine",
			Name:        "events_accepted_total",
			ConstLabels: labels,
		}),
		MergeEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "engine",
			Name:        "merge_events_total",
			ConstLabels: labels,
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "engine",
			Name:        "rejections_total",
			ConstLabels: labels,
		}, []string{"reason"}),
		Checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "checkpoint",
			Name:        "written_total",
			ConstLabels: labels,
		}, []string{"kind"}),
		TransportRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "transport",
			Name:        "retries_total",
			ConstLabels: labels,
		}, []string{"op"}),
		TransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "transport",
			Name:        "errors_total",
			ConstLabels: labels,
		}, []string{"op"}),
		DAGSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "engine",
			Name:        "dag_events",
			ConstLabels: labels,
		}),
		Backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "owner",
			Name:        "publish_backlog",
			ConstLabels: labels,
		}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "owner",
			Name:        "sync_duration_seconds",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
	}
	m.Registry.MustRegister(
		m.EventsAccepted, m.MergeEvents, m.Rejections, m.Checkpoints,
		m.TransportRetries, m.TransportErrors, m.DAGSize, m.Backlog, m.SyncDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) Accepted(merges int) {
	if m == nil {
		return
	}
	m.EventsAccepted.Inc()
	m.MergeEvents.Add(float64(merges))
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) CheckpointWritten(kind string) {
	if m == nil {
		return
	}
	m.Checkpoints.WithLabelValues(kind).Inc()
}

func (m *Metrics) Retry(op string) {
	if m == nil {
		return
	}
	m.TransportRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) Failure(op string) {
	if m == nil {
		return
	}
	m.TransportErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) SetDAGSize(n int) {
	if m == nil {
		return
	}
	m.DAGSize.Set(float64(n))
}

func (m *Metrics) SetBacklog(n int) {
	if m == nil {
		return
	}
	m.Backlog.Set(float64(n))
}

func (m *Metrics) ObserveSync(d time.Duration) {
	if m == nil {
		return
	}
	m.SyncDuration.Observe(d.Seconds())
}
