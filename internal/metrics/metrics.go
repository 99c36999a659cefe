// Package metrics holds the prometheus collectors for plan operations and
// handoff delivery. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "planline"

type Metrics struct {
	registry prometheus.Gatherer

	operations      *prometheus.CounterVec
	operationTime   *prometheus.HistogramVec
	conflicts       prometheus.Counter
	issuesCreated   prometheus.Counter
	issuesFailed    prometheus.Counter
	cyclesFound     *prometheus.CounterVec
	handoffSent     *prometheus.CounterVec
	handoffOutcomes *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Plan engine operations by name and outcome code.",
		}, []string{"operation", "code"}),
		operationTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operation_seconds",
			Help:      "Plan engine operation latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "version_conflicts_total",
			Help:      "Writes rejected because the plan changed since it was read.",
		}),
		issuesCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "issues_created_total",
			Help:      "Issues created for modules.",
		}),
		issuesFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "issues_failed_total",
			Help:      "Issue creation attempts that failed.",
		}),
		cyclesFound: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "depgraph",
			Name:      "cycles_total",
			Help:      "Dependency cycles reported by severity.",
		}, []string{"severity"}),
		handoffSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handoff",
			Name:      "messages_sent_total",
			Help:      "Handoff messages sent by kind (initial, retry, escalation).",
		}, []string{"kind"}),
		handoffOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "handoff",
			Name:      "deliveries_total",
			Help:      "Handoff deliveries by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) Operation(name, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(name, code).Inc()
	m.operationTime.WithLabelValues(name).Observe(elapsed.Seconds())
}

func (m *Metrics) Conflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

func (m *Metrics) Issues(created, failed int) {
	if m == nil {
		return
	}
	m.issuesCreated.Add(float64(created))
	m.issuesFailed.Add(float64(failed))
}

func (m *Metrics) Cycle(severity string) {
	if m == nil {
		return
	}
	m.cyclesFound.WithLabelValues(severity).Inc()
}

func (m *Metrics) HandoffSent(kind string) {
	if m == nil {
		return
	}
	m.handoffSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) HandoffOutcome(outcome string) {
	if m == nil {
		return
	}
	m.handoffOutcomes.WithLabelValues(outcome).Inc()
}

// Gatherer exposes the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
