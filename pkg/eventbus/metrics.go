package eventbus

import "github.com/prometheus/client_golang/prometheus"

// Metrics wraps the event bus's Prometheus instrumentation. A nil-safe
// no-op is used when the host process doesn't register a metrics registry
// (tests, short-lived tools).
type Metrics struct {
	publishTotal      *prometheus.CounterVec
	handlerErrorTotal *prometheus.CounterVec
	listenerGauge     *prometheus.GaugeVec
}

// NewMetrics registers the bus's counters against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opskernel",
			Subsystem: "eventbus",
			Name:      "publish_total",
			Help:      "Total number of Publish calls, labeled by event type.",
		}, []string{"event_type"}),
		handlerErrorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opskernel",
			Subsystem: "eventbus",
			Name:      "handler_error_total",
			Help:      "Total number of isolated handler errors, labeled by event type.",
		}, []string{"event_type"}),
		listenerGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "opskernel",
			Subsystem: "eventbus",
			Name:      "listeners",
			Help:      "Number of handlers invoked for the most recent publish, labeled by event type.",
		}, []string{"event_type"}),
	}
	if reg != nil {
		reg.MustRegister(m.publishTotal, m.handlerErrorTotal, m.listenerGauge)
	}
	return m
}

// NewNopMetrics returns a Metrics that records nothing, for use when no
// registry is available.
func NewNopMetrics() *Metrics {
	return &Metrics{
		publishTotal:      prometheus.NewCounterVec(prometheus.CounterOpts{Name: "noop_publish_total"}, []string{"event_type"}),
		handlerErrorTotal: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "noop_handler_error_total"}, []string{"event_type"}),
		listenerGauge:     prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "noop_listeners"}, []string{"event_type"}),
	}
}

func (m *Metrics) ObservePublish(eventType string, listeners int) {
	if m == nil {
		return
	}
	m.publishTotal.WithLabelValues(eventType).Inc()
	m.listenerGauge.WithLabelValues(eventType).Set(float64(listeners))
}

func (m *Metrics) ObserveHandlerError(eventType string) {
	if m == nil {
		return
	}
	m.handlerErrorTotal.WithLabelValues(eventType).Inc()
}
