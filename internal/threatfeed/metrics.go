package threatfeed

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the threat feed.
type Metrics struct {
	TicksTotal   prometheus.Counter
	ThreatsTotal *prometheus.CounterVec
	ActiveGauge  prometheus.Gauge
	LogLines     prometheus.Gauge
	FaultsTotal  prometheus.Counter
}

// NewMetrics registers and returns threat feed metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "overwatch_threat_ticks_total",
			Help: "Total threat feed ticks.",
		}),
		ThreatsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overwatch_threats_total",
			Help: "Generated threats by verification outcome.",
		}, []string{"outcome"}),
		ActiveGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overwatch_threats_active",
			Help: "Threats currently in the active collection.",
		}),
		LogLines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overwatch_threat_log_lines",
			Help: "Lines currently retained in the threat log.",
		}),
		FaultsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "overwatch_threatfeed_faults_total",
			Help: "Faults that stopped the threat feed.",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.ThreatsTotal,
		m.ActiveGauge,
		m.LogLines,
		m.FaultsTotal,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnTick: func(admitted bool, active, logLines int) {
			outcome := "rejected"
			if admitted {
				outcome = "admitted"
			}
			m.TicksTotal.Inc()
			m.ThreatsTotal.WithLabelValues(outcome).Inc()
			m.ActiveGauge.Set(float64(active))
			m.LogLines.Set(float64(logLines))
		},
		OnFault: func(error) {
			m.FaultsTotal.Inc()
		},
	}
}
