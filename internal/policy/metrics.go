package policy

import "github.com/prometheus/client_golang/prometheus"

var policyVersion = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "warden_policy_version",
	Help: "Version counter of the active security policy snapshot.",
})

func init() {
	prometheus.MustRegister(policyVersion)
}
