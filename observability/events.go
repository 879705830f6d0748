package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type railMetrics struct {
	received *prometheus.CounterVec
	dropped  *prometheus.CounterVec
}

var (
	railMetricsOnce sync.Once
	railRegistry    *railMetrics
)

// Rails returns the metrics registry tracking normalized payment-rail signals.
func Rails() *railMetrics {
	railMetricsOnce.Do(func() {
		railRegistry = &railMetrics{
			received: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundround",
				Subsystem: "rails",
				Name:      "signals_total",
				Help:      "Count of normalized rail signals segmented by rail and kind.",
			}, []string{"rail", "kind"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundround",
				Subsystem: "rails",
				Name:      "dropped_total",
				Help:      "Rail signals rejected before reaching the coordinator.",
			}, []string{"rail", "reason"}),
		}
		prometheus.MustRegister(railRegistry.received, railRegistry.dropped)
	})
	return railRegistry
}

// RecordSignal increments the signal counter for the supplied rail.
func (m *railMetrics) RecordSignal(rail, kind string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(normalizeRail(rail), labelOrUnknown(kind)).Inc()
}

// RecordDrop counts a signal that an adapter refused to forward.
func (m *railMetrics) RecordDrop(rail, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(normalizeRail(rail), labelOrUnknown(reason)).Inc()
}

func normalizeRail(rail string) string {
	normalized := strings.TrimSpace(strings.ToLower(rail))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
