package manager

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lfedgeai/SPEAR-sub001/internal/pool"
)

type metrics struct {
	executions *prometheus.CounterVec
	duration   prometheus.Histogram
	instances  *prometheus.GaugeVec
	creations  *prometheus.CounterVec
	rejections prometheus.Counter
	inflight   prometheus.Gauge
}

// newMetrics builds the collectors and registers them on reg when non-nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "spearlet",
				Name:      "executions_total",
				Help:      "Completed executions by final status",
			},
			[]string{"status"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "spearlet",
				Name:      "execution_duration_seconds",
				Help:      "Wall time of executions, including instance acquisition",
				Buckets:   prometheus.DefBuckets,
			},
		),
		instances: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "spearlet",
				Subsystem: "pool",
				Name:      "instances",
				Help:      "Pooled instances by task and state",
			},
			[]string{"task_id", "state"},
		),
		creations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "spearlet",
				Name:      "instance_creations_total",
				Help:      "Instance creation attempts by result",
			},
			[]string{"result"},
		),
		rejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "spearlet",
				Name:      "admission_rejections_total",
				Help:      "Requests rejected by the concurrency limiter",
			},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "spearlet",
				Name:      "running_executions",
				Help:      "Executions currently admitted",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.executions, m.duration, m.instances, m.creations, m.rejections, m.inflight)
	}
	return m
}

func (m *metrics) observePool(taskID string, c pool.Counts) {
	m.instances.WithLabelValues(taskID, string(pool.StateReady)).Set(float64(c.Ready))
	m.instances.WithLabelValues(taskID, string(pool.StateRunning)).Set(float64(c.Running))
	m.instances.WithLabelValues(taskID, string(pool.StateCreating)).Set(float64(c.Creating))
}

func (m *metrics) forgetPool(taskID string) {
	m.instances.DeletePartialMatch(prometheus.Labels{"task_id": taskID})
}
