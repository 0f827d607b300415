package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the bridge's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	JobsStarted    *prometheus.CounterVec
	JobsFinished   *prometheus.CounterVec
	JobsRunning    prometheus.Gauge
	EventsRelayed  *prometheus.CounterVec
	SpawnFailures  prometheus.Counter
	DegenerateEOFs prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		JobsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execbridge",
			Subsystem: "jobs",
			Name:      "started_total",
			Help:      "Number of jobs started, by kind",
		}, []string{"kind"}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execbridge",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Number of jobs that reported an exit, by kind and outcome",
		}, []string{"kind", "outcome"}),
		JobsRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "execbridge",
			Subsystem: "jobs",
			Name:      "running",
			Help:      "Number of jobs whose workers are still running",
		}),
		EventsRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "execbridge",
			Subsystem: "events",
			Name:      "relayed_total",
			Help:      "Number of events forwarded to sessions, by variant",
		}, []string{"variant"}),
		SpawnFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "execbridge",
			Name:      "spawn_failures_total",
			Help:      "Number of jobs that could not be started",
		}),
		DegenerateEOFs: f.NewCounter(prometheus.CounterOpts{
			Namespace: "execbridge",
			Subsystem: "relay",
			Name:      "unreported_exits_total",
			Help:      "Number of event channels that closed without an exit event",
		}),
	}
}

func (m *Metrics) jobStarted(kind string) {
	if m == nil {
		return
	}
	m.JobsStarted.WithLabelValues(kind).Inc()
	m.JobsRunning.Inc()
}

func (m *Metrics) workersDone() {
	if m == nil {
		return
	}
	m.JobsRunning.Dec()
}

func (m *Metrics) jobFinished(kind string, state State, code int) {
	if m == nil {
		return
	}
	outcome := "success"
	switch {
	case state == StateCancelled:
		outcome = "cancelled"
	case code != 0:
		outcome = "failure"
	}
	m.JobsFinished.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) spawnFailed() {
	if m == nil {
		return
	}
	m.SpawnFailures.Inc()
}

func (m *Metrics) relayed(e Event) {
	if m == nil {
		return
	}
	m.EventsRelayed.WithLabelValues(e.Kind.String()).Inc()
}

func (m *Metrics) degenerateEOF() {
	if m == nil {
		return
	}
	m.DegenerateEOFs.Inc()
}
