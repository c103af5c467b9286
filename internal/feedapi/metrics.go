package feedapi

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the feed API.
type Metrics struct {
	StreamClients prometheus.Gauge
}

// NewMetrics registers and returns feed API metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overwatch_stream_clients",
			Help: "Connected server-sent event clients.",
		}),
	}
	reg.MustRegister(m.StreamClients)
	return m
}
