package tribunal

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the tribunal feed.
type Metrics struct {
	MessagesTotal *prometheus.CounterVec
	Consensus     prometheus.Gauge
	FaultsTotal   prometheus.Counter
}

// NewMetrics registers and returns tribunal metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overwatch_tribunal_messages_total",
			Help: "Tribunal messages emitted by agent.",
		}, []string{"agent"}),
		Consensus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overwatch_tribunal_consensus",
			Help: "Current tribunal consensus score (0-100).",
		}),
		FaultsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "overwatch_tribunal_faults_total",
			Help: "Faults that stopped the tribunal feed.",
		}),
	}
	m.Consensus.Set(InitialConsensus)

	reg.MustRegister(m.MessagesTotal, m.Consensus, m.FaultsTotal)
	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnTick: func(agent AgentID, consensus float64) {
			m.MessagesTotal.WithLabelValues(string(agent)).Inc()
			m.Consensus.Set(consensus)
		},
		OnFault: func(error) {
			m.FaultsTotal.Inc()
		},
	}
}
