package anticheat

import "github.com/prometheus/client_golang/prometheus"

func init() {
	prometheus.MustRegister(promFlagsTotal, promEscalationsTotal)
}

var (
	promFlagsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_anticheat_flags_total",
		Help: "The number of announces flagged, by detection type and action",
	}, []string{"type", "action"})

	promEscalationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "warden_anticheat_escalations_total",
		Help: "The number of users escalated to the ban service",
	})
)
