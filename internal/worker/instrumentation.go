package worker

import (
	"time"

	"github.com/PortNumber53/apelier/backend/internal/metrics"
	"github.com/PortNumber53/apelier/backend/internal/models"
)

// MetricsInstrumentation reports job lifecycle events to Prometheus.
func MetricsInstrumentation(m *metrics.Metrics) *Instrumentation {
	return &Instrumentation{
		OnEnqueue: func(job *models.Job) {
			m.ObserveJobQueued(job.JobType, "enqueued")
		},
		OnStart: func(job *models.Job) {
			m.ObserveJobStart()
		},
		OnComplete: func(job *models.Job, d time.Duration) {
			m.ObserveJobDone(job.JobType, "success", d)
		},
		OnFail: func(job *models.Job, err error, d time.Duration) {
			m.ObserveJobDone(job.JobType, "error", d)
		},
		OnRetry: func(job *models.Job, _ time.Duration) {
			m.ObserveJobRetry(job.JobType)
		},
		OnCancel: func(job *models.Job) {
			m.ObserveJobQueued(job.JobType, "cancelled")
		},
		OnRelease: func(job *models.Job, d time.Duration) {
			m.ObserveJobDone(job.JobType, "released", d)
		},
	}
}
