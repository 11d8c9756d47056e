package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	emitted   *prometheus.CounterVec
	delivered *prometheus.CounterVec
	pending   prometheus.Gauge
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking notification traffic.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "commitchain",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of notifications queued segmented by event type.",
			}, []string{"type"}),
			delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "commitchain",
				Subsystem: "events",
				Name:      "deliveries_total",
				Help:      "Webhook delivery attempts segmented by outcome.",
			}, []string{"outcome"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "commitchain",
				Subsystem: "events",
				Name:      "outbox_pending",
				Help:      "Notifications waiting in the outbox.",
			}),
		}
		prometheus.MustRegister(eventRegistry.emitted, eventRegistry.delivered, eventRegistry.pending)
	})
	return eventRegistry
}

// RecordEmitted increments the counter for the supplied event type.
func (m *eventMetrics) RecordEmitted(kind string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(kind))
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}

// RecordDelivery counts one webhook attempt.
func (m *eventMetrics) RecordDelivery(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.delivered.WithLabelValues("success").Inc()
		return
	}
	m.delivered.WithLabelValues("failure").Inc()
}

// SetPending reports the outbox depth.
func (m *eventMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}
