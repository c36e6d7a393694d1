package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors updated by the engine.
type Metrics struct {
	runsSubmitted  prometheus.Counter
	runsFinished   *prometheus.CounterVec
	runsActive     prometheus.Gauge
	runsQueued     prometheus.Gauge
	runDuration    prometheus.Histogram
	nodeExecutions *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec
}

// NewMetrics registers the engine collectors on reg. A nil reg gets a
// private registry, which keeps tests and multiple engines independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		runsSubmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "flow_runs_submitted_total",
			Help: "Total flow runs submitted to the engine",
		}),
		runsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flow_runs_finished_total",
			Help: "Total flow runs that reached a terminal status",
		}, []string{"status"}),
		runsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "flow_runs_active",
			Help: "Flow runs currently executing",
		}),
		runsQueued: f.NewGauge(prometheus.GaugeOpts{
			Name: "flow_runs_queued",
			Help: "Flow runs waiting for a concurrency slot",
		}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "flow_run_duration_seconds",
			Help:    "Wall time of finished flow runs",
			Buckets: prometheus.DefBuckets,
		}),
		nodeExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "flow_node_executions_total",
			Help: "Node executions by node type and final status",
		}, []string{"type", "status"}),
		nodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flow_node_duration_seconds",
			Help:    "Wall time of node executions",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
	}
}

func (m *Metrics) runSubmitted() { m.runsSubmitted.Inc() }

func (m *Metrics) runFinished(status RunStatus, d time.Duration) {
	m.runsFinished.WithLabelValues(string(status)).Inc()
	m.runDuration.Observe(d.Seconds())
}

func (m *Metrics) setQueue(active, queued int) {
	m.runsActive.Set(float64(active))
	m.runsQueued.Set(float64(queued))
}

func (m *Metrics) nodeFinished(nodeType string, status NodeStatus, d time.Duration) {
	m.nodeExecutions.WithLabelValues(nodeType, string(status)).Inc()
	m.nodeDuration.WithLabelValues(nodeType).Observe(d.Seconds())
}
