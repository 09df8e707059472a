package metrics

import "time"

// Flood guard

func (m *ServerMetrics) IncFloodDenied() {
	m.floodDeniedTotal.Inc()
}

func (m *ServerMetrics) IncFloodCapacity() {
	m.floodCapacityTotal.Inc()
}

// Fixed window limiter

const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomeError   = "error"
)

func (m *ServerMetrics) IncRateLimitCheck(action, outcome string) {
	m.limiterChecks.WithLabelValues(action, outcome).Inc()
}

// ObserveSweep records one limiter sweep.
func (m *ServerMetrics) ObserveSweep(removed, remaining int) {
	m.limiterSwept.Add(float64(removed))
	m.limiterTracked.Set(float64(remaining))
}

// Training API

func (m *ServerMetrics) IncSubmission(kind string) {
	m.submissions.WithLabelValues(kind).Inc()
}

func (m *ServerMetrics) IncCertificate(result string) {
	m.certificates.WithLabelValues(result).Inc()
}

func (m *ServerMetrics) ObserveCertificateProvider(d time.Duration) {
	m.providerDuration.Observe(d.Seconds())
}
