package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce          sync.Once
	apiRequestsTotal      *prometheus.CounterVec
	apiLatencySeconds     *prometheus.HistogramVec
	apiErrorsTotal        *prometheus.CounterVec
	consentTransitions    *prometheus.CounterVec
	consentReminders      *prometheus.CounterVec
	schedulerRunsTotal    *prometheus.CounterVec
	schedulerRunSeconds   prometheus.Histogram
	schedulerRecordErrors *prometheus.CounterVec
	eventPublishFailures  *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consent_api_requests_total",
			Help: "Total number of consent API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "consent_api_latency_seconds",
			Help:    "Latency distribution for consent API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consent_api_errors_total",
			Help: "Total number of error responses returned by consent endpoints.",
		}, []string{"method", "route", "status"})

		consentTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consent_transitions_total",
			Help: "Lifecycle transitions attempted, by transition and outcome.",
		}, []string{"transition", "outcome"})

		consentReminders = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consent_reminders_total",
			Help: "Reminder dispatches by slot and outcome.",
		}, []string{"slot", "outcome"})

		schedulerRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consent_scheduler_runs_total",
			Help: "Reminder scheduler passes by outcome.",
		}, []string{"outcome"})

		schedulerRunSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "consent_scheduler_run_seconds",
			Help:    "Duration of reminder scheduler passes.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		})

		schedulerRecordErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consent_scheduler_record_errors_total",
			Help: "Records the scheduler failed to process, by action.",
		}, []string{"action"})

		eventPublishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consent_event_publish_failures_total",
			Help: "Lifecycle event fan-out failures by transport.",
		}, []string{"transport"})

		prometheus.MustRegister(
			apiRequestsTotal,
			apiLatencySeconds,
			apiErrorsTotal,
			consentTransitions,
			consentReminders,
			schedulerRunsTotal,
			schedulerRunSeconds,
			schedulerRecordErrors,
			eventPublishFailures,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// ConsentTransitions counts lifecycle transitions by name and outcome.
func ConsentTransitions() *prometheus.CounterVec {
	RegisterMetrics()
	return consentTransitions
}

// ConsentReminders counts reminder dispatches by slot and outcome.
func ConsentReminders() *prometheus.CounterVec {
	RegisterMetrics()
	return consentReminders
}

// SchedulerRuns counts scheduler passes.
func SchedulerRuns() *prometheus.CounterVec {
	RegisterMetrics()
	return schedulerRunsTotal
}

// SchedulerRunDuration observes scheduler pass durations.
func SchedulerRunDuration() prometheus.Histogram {
	RegisterMetrics()
	return schedulerRunSeconds
}

// SchedulerRecordErrors counts per-record scheduler failures.
func SchedulerRecordErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return schedulerRecordErrors
}

// EventPublishFailures counts failed lifecycle event fan-outs.
func EventPublishFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return eventPublishFailures
}
