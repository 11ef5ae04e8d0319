package acl

import "github.com/prometheus/client_golang/prometheus"

var (
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_acl_decisions_total",
		Help: "ACL decisions by kind and outcome.",
	}, []string{"kind", "outcome"})

	confirmationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_acl_confirmations_total",
		Help: "Confirmations by final resolution.",
	}, []string{"resolution"})

	pendingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_acl_pending_confirmations",
		Help: "Confirmations currently awaiting an answer.",
	})
)

func init() {
	prometheus.MustRegister(decisionsTotal, confirmationsTotal, pendingGauge)
}
