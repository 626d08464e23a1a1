// Package observability provides Prometheus metrics for the pollbot API.
//
// Metrics are registered on an injected prometheus.Registerer so tests and
// the server each own an isolated registry. The /metrics route serves the
// matching Gatherer.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "pollbot"

const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeNotFound = "not_found"
)

// Metrics holds every collector the API records into.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// UpstreamRequestsTotal counts calls to the question-flow service.
	// Labels: operation (question, next_question, chat), outcome (success, error, not_found)
	UpstreamRequestsTotal *prometheus.CounterVec

	// UpstreamDurationSeconds measures question-flow call latency.
	// Labels: operation
	UpstreamDurationSeconds *prometheus.HistogramVec

	// HTTPRequestsTotal counts handled API requests.
	// Labels: route (chi route pattern), method, status
	HTTPRequestsTotal *prometheus.CounterVec

	// AnswersRecordedTotal counts answers that passed validation and were persisted.
	AnswersRecordedTotal prometheus.Counter

	// ValidationRejectionsTotal counts answers rejected by typed validation.
	// Labels: code (invalid_type_number, number_below_min, number_above_max)
	ValidationRejectionsTotal *prometheus.CounterVec
}

// NewMetrics registers all collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		UpstreamRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "flow",
				Name:      "requests_total",
				Help:      "Total question-flow service calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		UpstreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "flow",
				Name:      "request_duration_seconds",
				Help:      "Question-flow service call latency",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation"},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total API requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),
		AnswersRecordedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "session",
				Name:      "answers_recorded_total",
				Help:      "Answers persisted for a question node",
			},
		),
		ValidationRejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "session",
				Name:      "validation_rejections_total",
				Help:      "Answers rejected by typed question validation",
			},
			[]string{"code"},
		),
	}
}

func (m *Metrics) ObserveUpstream(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamRequestsTotal.WithLabelValues(operation, outcome).Inc()
	m.UpstreamDurationSeconds.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveHTTP(route, method, status string) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
}

func (m *Metrics) AnswerRecorded() {
	if m == nil {
		return
	}
	m.AnswersRecordedTotal.Inc()
}

func (m *Metrics) ValidationRejected(code string) {
	if m == nil {
		return
	}
	m.ValidationRejectionsTotal.WithLabelValues(code).Inc()
}
