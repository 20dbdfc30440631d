package obstrace

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments the pipeline updates as incidents
// move through phases and actions execute.
type Metrics struct {
	PhaseDuration  *prometheus.HistogramVec
	PhaseCounter   *prometheus.CounterVec
	PhaseErrors    *prometheus.CounterVec
	RunsInFlight   prometheus.Gauge
	ActionCounter  *prometheus.CounterVec
	ActionDuration *prometheus.HistogramVec
	CollectorDrops *prometheus.CounterVec
}

// NewMetrics registers and returns the pipeline's Prometheus instruments
// under namespace (default "opsrunbook").
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "opsrunbook"
	}
	return &Metrics{
		PhaseDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of one pipeline phase.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
		PhaseCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_total",
			Help:      "Count of pipeline phase completions.",
		}, []string{"phase", "status"}),
		PhaseErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_errors_total",
			Help:      "Count of pipeline phase failures.",
		}, []string{"phase", "reason"}),
		RunsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Number of incident runs currently being processed.",
		}),
		ActionCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Count of executed actions by type and outcome.",
		}, []string{"action_type", "status"}),
		ActionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Duration of one action execution.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action_type"}),
		CollectorDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collector_evidence_dropped_total",
			Help:      "Count of evidence sections dropped by the size budget.",
		}, []string{"collector_type"}),
	}
}

// RecordPhase records one phase's duration and completion status.
func (m *Metrics) RecordPhase(phase, status string, d time.Duration) {
	m.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
	m.PhaseCounter.WithLabelValues(phase, status).Inc()
}

// RecordPhaseError increments the phase error counter.
func (m *Metrics) RecordPhaseError(phase, reason string) {
	m.PhaseErrors.WithLabelValues(phase, reason).Inc()
}

// RecordAction records one action's duration and outcome.
func (m *Metrics) RecordAction(actionType, status string, d time.Duration) {
	m.ActionDuration.WithLabelValues(actionType).Observe(d.Seconds())
	m.ActionCounter.WithLabelValues(actionType, status).Inc()
}

// RecordCollectorDrop increments the evidence-dropped counter for a
// collector that hit its byte budget.
func (m *Metrics) RecordCollectorDrop(collectorType string) {
	m.CollectorDrops.WithLabelValues(collectorType).Inc()
}
