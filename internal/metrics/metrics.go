// Package metrics exposes supervisor and broadcaster statistics to
// Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CZERTAINLY/Autovisor/internal/model"
)

const namespace = "autovisor"

// Metrics implements service.Metrics and broadcast.Recorder.
type Metrics struct {
	registry        *prometheus.Registry
	activeJobs      *prometheus.GaugeVec
	jobsStarted     *prometheus.CounterVec
	jobsEnded       *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	observers       prometheus.Gauge
}

// New registers all collectors, plus the Go and process collectors, in a
// dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Number of registered jobs by family and state.",
		}, []string{"family", "state"}),
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Number of launched jobs by family.",
		}, []string{"family"}),
		jobsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_ended_total",
			Help:      "Number of jobs removed from the registry by family and outcome.",
		}, []string{"family", "outcome"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Number of events broadcast by kind.",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Number of events dropped on a full observer queue by kind.",
		}, []string{"kind"}),
		observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Number of connected observers.",
		}),
	}
	m.registry.MustRegister(
		m.activeJobs,
		m.jobsStarted,
		m.jobsEnded,
		m.eventsPublished,
		m.eventsDropped,
		m.observers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) JobStarted(family string) {
	m.jobsStarted.WithLabelValues(family).Inc()
}

func (m *Metrics) JobEnded(family, outcome string) {
	m.jobsEnded.WithLabelValues(family, outcome).Inc()
}

// Snapshot resets the active jobs gauge to the content of snap.
func (m *Metrics) Snapshot(snap model.Snapshot) {
	m.activeJobs.Reset()
	for family := range snap.Families {
		m.activeJobs.WithLabelValues(family, string(model.StateRunning)).Set(0)
		m.activeJobs.WithLabelValues(family, string(model.StatePaused)).Set(0)
	}
	for key, state := range snap.States {
		k, err := model.ParseJobKey(key)
		if err != nil {
			continue
		}
		m.activeJobs.WithLabelValues(k.Family, string(state)).Inc()
	}
}

func (m *Metrics) EventPublished(kind model.EventKind) {
	m.eventsPublished.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) EventDropped(kind model.EventKind) {
	m.eventsDropped.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) Observers(n int) {
	m.observers.Set(float64(n))
}
