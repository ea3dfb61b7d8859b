// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "apelier"

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	GateDecisionsTotal *prometheus.CounterVec
	UsageRecordedTotal prometheus.Counter
	WebhookEventsTotal *prometheus.CounterVec
	QuoteAcceptsTotal  *prometheus.CounterVec
	JobsQueuedTotal    *prometheus.CounterVec
	JobsTotal          *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
	JobRetriesTotal    *prometheus.CounterVec
	WorkerActiveJobs   prometheus.Gauge
	EmailsSentTotal    *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		GateDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_gate_decisions_total",
				Help:      "Usage gate decisions by outcome code",
			},
			[]string{"allowed", "code"},
		),
		UsageRecordedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_units_recorded_total",
				Help:      "Units of usage recorded against accounts",
			},
		),
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "billing_events_total",
				Help:      "Billing events processed by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		QuoteAcceptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quote_accepts_total",
				Help:      "Quote acceptance attempts by outcome",
			},
			[]string{"outcome"},
		),
		JobsQueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_queued_total",
				Help:      "Background jobs enqueued or cancelled by type",
			},
			[]string{"job_type", "event"},
		),
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Background jobs finished by type and result",
			},
			[]string{"job_type", "result"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Background job run time in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"job_type"},
		),
		JobRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_retries_total",
				Help:      "Background job retries scheduled",
			},
			[]string{"job_type"},
		),
		WorkerActiveJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_active_jobs",
				Help:      "Jobs currently being processed by this instance",
			},
		),
		EmailsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "emails_sent_total",
				Help:      "Outbound emails by template and result",
			},
			[]string{"template", "result"},
		),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GateDecisionsTotal,
		m.UsageRecordedTotal,
		m.WebhookEventsTotal,
		m.QuoteAcceptsTotal,
		m.JobsQueuedTotal,
		m.JobsTotal,
		m.JobDuration,
		m.JobRetriesTotal,
		m.WorkerActiveJobs,
		m.EmailsSentTotal,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObserveGateDecision records a usage gate outcome.
func (m *Metrics) ObserveGateDecision(allowed bool, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	m.GateDecisionsTotal.WithLabelValues(strconv.FormatBool(allowed), code).Inc()
}

// ObserveUsage records units charged to an account.
func (m *Metrics) ObserveUsage(units int) {
	if m == nil || units <= 0 {
		return
	}
	m.UsageRecordedTotal.Add(float64(units))
}

// ObserveBillingEvent records a reconciled billing event.
func (m *Metrics) ObserveBillingEvent(kind, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveQuoteAccept records a quote acceptance attempt.
func (m *Metrics) ObserveQuoteAccept(outcome string) {
	if m == nil {
		return
	}
	m.QuoteAcceptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveEmail records an outbound email attempt.
func (m *Metrics) ObserveEmail(template string, err error) {
	if m == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "error"
	}
	m.EmailsSentTotal.WithLabelValues(template, result).Inc()
}

// ObserveJobQueued records a queue change made through the worker: "enqueued"
// or "cancelled".
func (m *Metrics) ObserveJobQueued(jobType, event string) {
	if m == nil {
		return
	}
	m.JobsQueuedTotal.WithLabelValues(jobType, event).Inc()
}

// ObserveJobStart marks a background job as running.
func (m *Metrics) ObserveJobStart() {
	if m == nil {
		return
	}
	m.WorkerActiveJobs.Inc()
}

// ObserveJobDone records a finished background job attempt.
func (m *Metrics) ObserveJobDone(jobType, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.WorkerActiveJobs.Dec()
	m.JobsTotal.WithLabelValues(jobType, result).Inc()
	m.JobDuration.WithLabelValues(jobType).Observe(elapsed.Seconds())
}

// ObserveJobRetry records a scheduled retry.
func (m *Metrics) ObserveJobRetry(jobType string) {
	if m == nil {
		return
	}
	m.JobRetriesTotal.WithLabelValues(jobType).Inc()
}
