package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

const metricsNamespace = "daedalus"

type metrics struct {
	executions       *prometheus.CounterVec
	executionSeconds prometheus.Histogram
	executionsActive prometheus.Gauge
	nodes            *prometheus.CounterVec
	nodeSeconds      *prometheus.HistogramVec
	retries          *prometheus.CounterVec
}

// newMetrics builds the engine collectors and registers them on reg when it
// is not nil.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "executions_total",
			Help:      "Finished executions by status.",
		}, []string{"status"}),
		executionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		executionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "executions_active",
			Help:      "Executions currently scheduled.",
		}),
		nodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "node_executions_total",
			Help:      "Settled node executions by type and status.",
		}, []string{"type", "status"}),
		nodeSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "node_duration_seconds",
			Help:      "Duration of node invocations including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "node_retries_total",
			Help:      "Retried node attempts by type.",
		}, []string{"type"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.executions, m.executionSeconds, m.executionsActive, m.nodes, m.nodeSeconds, m.retries} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) observeExecution(status workflow.ExecutionStatus, d time.Duration) {
	m.executions.WithLabelValues(string(status)).Inc()
	m.executionSeconds.Observe(d.Seconds())
}

func (m *metrics) observeNode(nodeType string, status workflow.NodeStatus, d time.Duration) {
	m.nodes.WithLabelValues(nodeType, string(status)).Inc()
	if status != workflow.NodeSkipped {
		m.nodeSeconds.WithLabelValues(nodeType).Observe(d.Seconds())
	}
}
