// Package metrics exposes Prometheus instrumentation for the processing
// service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	JobsSubmitted prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	JobRetries    prometheus.Counter
	WorkersBusy   prometheus.Gauge
	StageDuration *prometheus.HistogramVec
}

func New() *Metrics {
	return &Metrics{
		JobsSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clipper_jobs_submitted_total",
			Help: "Number of processing jobs accepted for queueing.",
		}),
		JobsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clipper_jobs_completed_total",
			Help: "Number of jobs that reached COMPLETED.",
		}),
		JobsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clipper_jobs_failed_total",
			Help: "Number of jobs that reached FAILED.",
		}),
		JobRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "clipper_job_retries_total",
			Help: "Number of whole-job retry re-enqueues.",
		}),
		WorkersBusy: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "clipper_workers_busy",
			Help: "Jobs currently being processed.",
		}),
		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clipper_stage_duration_seconds",
			Help:    "Wall-clock duration of each pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"stage"}),
	}
}

// ObserveStage records one stage execution, nil-safe so the pipeline can
// run without metrics in tests.
func (m *Metrics) ObserveStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}
