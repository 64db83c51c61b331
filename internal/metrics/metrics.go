// Package metrics exposes Prometheus instrumentation for node operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder counts and times lifecycle operations.
type Recorder struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	reconciled prometheus.Counter
}

// New creates a Recorder and registers its collectors on reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodeyard",
			Name:      "operations_total",
			Help:      "Node lifecycle operations by operation and result.",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nodeyard",
			Name:      "operation_duration_seconds",
			Help:      "Wall time of node lifecycle operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nodeyard",
			Name:      "reconciled_nodes_total",
			Help:      "Nodes forced from RUNNING to STOPPED because their workload died.",
		}),
	}
	reg.MustRegister(r.operations, r.duration, r.reconciled)
	return r
}

// ObserveOperation records one finished operation.
func (r *Recorder) ObserveOperation(op, result string, d time.Duration) {
	r.operations.WithLabelValues(op, result).Inc()
	r.duration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveReconciled adds n reconciled nodes.
func (r *Recorder) ObserveReconciled(n int) {
	r.reconciled.Add(float64(n))
}
