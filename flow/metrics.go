package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects workflow-core Prometheus metrics, namespaced "poflow".
// A nil *Metrics is a no-op, so library consumers can opt out.
type Metrics struct {
	stageLatency   *prometheus.HistogramVec
	stageRetries   *prometheus.CounterVec
	inflightStages prometheus.Gauge
	queueDepth     *prometheus.GaugeVec
	workflows      *prometheus.CounterVec
	janitorActions *prometheus.CounterVec
	dispatchSkips  prometheus.Counter
}

// NewMetrics registers the workflow metrics with the registry (the default
// registerer when nil).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		stageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "poflow",
			Name:      "stage_latency_seconds",
			Help:      "Stage execution duration from dispatch to completion",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 90, 120},
		}, []string{"stage", "status"}),
		stageRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poflow",
			Name:      "stage_retries_total",
			Help:      "Same-stage retry attempts by error kind",
		}, []string{"stage", "kind"}),
		inflightStages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "poflow",
			Name:      "inflight_stages",
			Help:      "Stages currently executing in this worker",
		}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "poflow",
			Name:      "queue_depth",
			Help:      "Pending jobs per stage topic",
		}, []string{"topic"}),
		workflows: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poflow",
			Name:      "workflows_total",
			Help:      "Workflows reaching a terminal status",
		}, []string{"status"}),
		janitorActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poflow",
			Name:      "janitor_actions_total",
			Help:      "Janitor recoveries by action (requeue, fail, finalize_orphan)",
		}, []string{"action"}),
		dispatchSkips: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "poflow",
			Name:      "dispatch_dedupe_skips_total",
			Help:      "Uploads skipped by the dispatcher's PO-number dedupe",
		}),
	}
}

func (m *Metrics) observeStage(stage Stage, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageLatency.WithLabelValues(string(stage), status).Observe(d.Seconds())
}

func (m *Metrics) countRetry(stage Stage, kind ErrorKind) {
	if m == nil {
		return
	}
	m.stageRetries.WithLabelValues(string(stage), string(kind)).Inc()
}

func (m *Metrics) stageStarted() {
	if m == nil {
		return
	}
	m.inflightStages.Inc()
}

func (m *Metrics) stageDone() {
	if m == nil {
		return
	}
	m.inflightStages.Dec()
}

func (m *Metrics) setQueueDepth(topic string, depth int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(topic).Set(float64(depth))
}

func (m *Metrics) countWorkflow(status string) {
	if m == nil {
		return
	}
	m.workflows.WithLabelValues(status).Inc()
}

func (m *Metrics) countJanitor(action string) {
	if m == nil {
		return
	}
	m.janitorActions.WithLabelValues(action).Inc()
}

func (m *Metrics) countDedupeSkip() {
	if m == nil {
		return
	}
	m.dispatchSkips.Inc()
}
