package attestproxy

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the Prometheus collectors this service registers against a
// caller-supplied prometheus.Registerer, never the global default
// registry, so multiple Services can coexist in one process's metrics
// namespace during tests.
type metrics struct {
	requests *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veil",
			Subsystem: "attestproxy",
			Name:      "requests_total",
			Help:      "Total number of attestation requests handled, by platform and outcome.",
		}, []string{"platform", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests)
	}
	return m
}

func (m *metrics) record(platform, outcome string) {
	m.requests.WithLabelValues(platform, outcome).Inc()
}
