package approval

import "github.com/prometheus/client_golang/prometheus"

// Metrics wraps the Approval Gate's Prometheus counters. A nil *Metrics
// is safe to call methods on (NewNopMetrics/NewMetrics(nil) convention
// shared with pkg/eventbus.Metrics).
type Metrics struct {
	requested     prometheus.Counter
	approved      prometheus.Counter
	denied        prometheus.Counter
	expired       prometheus.Counter
	tokenRejected prometheus.Counter
}

// NewMetrics registers the gate's counters against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requested:     prometheus.NewCounter(prometheus.CounterOpts{Name: "opskernel_approval_requested_total", Help: "Approval requests created."}),
		approved:      prometheus.NewCounter(prometheus.CounterOpts{Name: "opskernel_approval_approved_total", Help: "Approval requests approved."}),
		denied:        prometheus.NewCounter(prometheus.CounterOpts{Name: "opskernel_approval_denied_total", Help: "Approval requests denied."}),
		expired:       prometheus.NewCounter(prometheus.CounterOpts{Name: "opskernel_approval_expired_total", Help: "Approval requests expired."}),
		tokenRejected: prometheus.NewCounter(prometheus.CounterOpts{Name: "opskernel_approval_token_rejected_total", Help: "Token validations that failed."}),
	}
	if reg != nil {
		reg.MustRegister(m.requested, m.approved, m.denied, m.expired, m.tokenRejected)
	}
	return m
}

// NewNopMetrics returns unregistered counters for use in tests.
func NewNopMetrics() *Metrics {
	return NewMetrics(nil)
}

func (m *Metrics) ObserveRequested() {
	if m == nil {
		return
	}
	m.requested.Inc()
}

func (m *Metrics) ObserveApproved() {
	if m == nil {
		return
	}
	m.approved.Inc()
}

func (m *Metrics) ObserveDenied() {
	if m == nil {
		return
	}
	m.denied.Inc()
}

func (m *Metrics) ObserveExpired() {
	if m == nil {
		return
	}
	m.expired.Inc()
}

func (m *Metrics) ObserveTokenRejected() {
	if m == nil {
		return
	}
	m.tokenRejected.Inc()
}
