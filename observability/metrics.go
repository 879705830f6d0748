package observability

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	allocationOnce sync.Once
	allocationReg  *AllocationMetrics

	reconOnce sync.Once
	reconReg  *ReconciliationMetrics
)

// reasoner is implemented by errors that carry a stable, low-cardinality label.
type reasoner interface {
	Reason() string
}

// AllocationMetrics captures ledger and reservation activity for roundd.
type AllocationMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	errors    *prometheus.CounterVec
	remaining *prometheus.GaugeVec
	expired   prometheus.Counter
}

// Allocation returns the singleton metrics registry for share allocation.
func Allocation() *AllocationMetrics {
	allocationOnce.Do(func() {
		allocationReg = &AllocationMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundround",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Count of ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "fundround",
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger operations including lock wait.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundround",
				Subsystem: "ledger",
				Name:      "errors_total",
				Help:      "Count of ledger failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			remaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "fundround",
				Subsystem: "ledger",
				Name:      "shares_available",
				Help:      "Shares still available for reservation in each round.",
			}, []string{"round"}),
			expired: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "fundround",
				Subsystem: "sweep",
				Name:      "expired_total",
				Help:      "Reservations released by the expiry sweep.",
			}),
		}
		prometheus.MustRegister(
			allocationReg.requests,
			allocationReg.latency,
			allocationReg.errors,
			allocationReg.remaining,
			allocationReg.expired,
		)
	})
	return allocationReg
}

// Observe records the execution metrics for a ledger operation.
func (m *AllocationMetrics) Observe(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(op, errorReason(err)).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// SetAvailable publishes the remaining share capacity for a round.
func (m *AllocationMetrics) SetAvailable(round string, available float64) {
	if m == nil {
		return
	}
	m.remaining.WithLabelValues(round).Set(available)
}

// RecordExpired increments the sweep expiry counter.
func (m *AllocationMetrics) RecordExpired() {
	if m == nil {
		return
	}
	m.expired.Inc()
}

// ReconciliationMetrics tracks payment events flowing through the coordinator.
type ReconciliationMetrics struct {
	outcomes  *prometheus.CounterVec
	reviews   prometheus.Gauge
	anomalies *prometheus.CounterVec
	artifacts *prometheus.CounterVec
}

// Reconciliation exposes the coordinator metrics registry.
func Reconciliation() *ReconciliationMetrics {
	reconOnce.Do(func() {
		reconReg = &ReconciliationMetrics{
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundround",
				Subsystem: "recon",
				Name:      "events_total",
				Help:      "Payment events applied by the coordinator segmented by rail and outcome.",
			}, []string{"rail", "outcome"}),
			reviews: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "fundround",
				Subsystem: "recon",
				Name:      "manual_reviews_open",
				Help:      "Manual review items awaiting an operator decision.",
			}),
			anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundround",
				Subsystem: "audit",
				Name:      "anomalies_total",
				Help:      "Ledger audit anomalies segmented by type.",
			}, []string{"type"}),
			artifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundround",
				Subsystem: "artifacts",
				Name:      "requests_total",
				Help:      "Artifact generation requests segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
		}
		prometheus.MustRegister(
			reconReg.outcomes,
			reconReg.reviews,
			reconReg.anomalies,
			reconReg.artifacts,
		)
	})
	return reconReg
}

// RecordOutcome counts a coordinator decision for the supplied rail.
func (m *ReconciliationMetrics) RecordOutcome(rail, outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(labelOrUnknown(rail), labelOrUnknown(outcome)).Inc()
}

// SetOpenReviews publishes the manual review backlog.
func (m *ReconciliationMetrics) SetOpenReviews(count int64) {
	if m == nil {
		return
	}
	m.reviews.Set(float64(count))
}

// RecordAnomaly counts an audit anomaly.
func (m *ReconciliationMetrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(labelOrUnknown(kind)).Inc()
}

// RecordArtifact counts an artifact generation attempt.
func (m *ReconciliationMetrics) RecordArtifact(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.artifacts.WithLabelValues(labelOrUnknown(kind), outcome).Inc()
}

func errorReason(err error) string {
	var r reasoner
	if errors.As(err, &r) {
		return labelOrUnknown(r.Reason())
	}
	reason := strings.TrimSpace(err.Error())
	return labelOrUnknown(reason)
}

func labelOrUnknown(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
