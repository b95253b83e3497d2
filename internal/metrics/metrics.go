// Package metrics holds the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the worker.
type Metrics struct {
	PoolAvailable *prometheus.GaugeVec
	PoolAllocated *prometheus.GaugeVec
	PoolTotal     *prometheus.GaugeVec

	ContainersCreated   prometheus.Counter
	ContainersDestroyed prometheus.Counter
	ContainerCreateFail prometheus.Counter

	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsExpired *prometheus.CounterVec

	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  prometheus.Histogram
	ValidationRejected *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics for worker_id.
func New(workerID string) *Metrics {
	labels := prometheus.Labels{"worker_id": workerID}

	return &Metrics{
		PoolAvailable: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "sandboxd_pool_available",
				Help:        "Number of warm containers currently available",
				ConstLabels: labels,
			},
			[]string{},
		),
		PoolAllocated: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "sandboxd_pool_allocated",
				Help:        "Number of containers currently allocated to sessions",
				ConstLabels: labels,
			},
			[]string{},
		),
		PoolTotal: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "sandboxd_pool_total",
				Help:        "Total containers in the pool (available + allocated)",
				ConstLabels: labels,
			},
			[]string{},
		),

		ContainersCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "sandboxd_containers_created_total",
			Help:        "Total containers created by the pool",
			ConstLabels: labels,
		}),
		ContainersDestroyed: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "sandboxd_containers_destroyed_total",
			Help:        "Total containers destroyed by the pool",
			ConstLabels: labels,
		}),
		ContainerCreateFail: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "sandboxd_container_create_failures_total",
			Help:        "Total container-create failures (initialize, acquire, or refill)",
			ConstLabels: labels,
		}),

		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name:        "sandboxd_active_sessions",
			Help:        "Number of live sessions on this worker",
			ConstLabels: labels,
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name:        "sandboxd_sessions_created_total",
			Help:        "Total sessions created (not counting thread reuse)",
			ConstLabels: labels,
		}),
		SessionsExpired: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "sandboxd_sessions_destroyed_total",
				Help:        "Total sessions destroyed, labeled by reason",
				ConstLabels: labels,
			},
			[]string{"reason"}, // reason: explicit, expired, idle
		),

		ExecutionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "sandboxd_executions_total",
				Help:        "Total command executions, labeled by outcome",
				ConstLabels: labels,
			},
			[]string{"outcome"}, // outcome: success, invalid_command, session_expired, execution_error
		),
		ExecutionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:        "sandboxd_execution_duration_seconds",
			Help:        "Command execution duration",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		ValidationRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "sandboxd_validation_rejected_total",
				Help:        "Commands rejected by the validator, labeled by reason",
				ConstLabels: labels,
			},
			[]string{"reason"}, // reason: empty, forbidden-pattern, not-whitelisted, parse-error
		),
	}
}

// RecordPoolStats mirrors the pool's current stats snapshot onto the gauges.
func (m *Metrics) RecordPoolStats(available, allocated, total int) {
	m.PoolAvailable.WithLabelValues().Set(float64(available))
	m.PoolAllocated.WithLabelValues().Set(float64(allocated))
	m.PoolTotal.WithLabelValues().Set(float64(total))
}

// RecordExecution records one execute() call's outcome and duration.
func (m *Metrics) RecordExecution(outcome string, durationSeconds float64) {
	m.ExecutionsTotal.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		m.ExecutionDuration.Observe(durationSeconds)
	}
}

// RecordSessionDestroyed increments the destroyed-sessions counter by reason.
func (m *Metrics) RecordSessionDestroyed(reason string) {
	m.SessionsExpired.WithLabelValues(reason).Inc()
}

// RecordValidationRejected increments the validator-rejection counter by reason.
func (m *Metrics) RecordValidationRejected(reason string) {
	m.ValidationRejected.WithLabelValues(reason).Inc()
}
