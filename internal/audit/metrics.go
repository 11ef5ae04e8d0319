package audit

import "github.com/prometheus/client_golang/prometheus"

var auditFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "warden_audit_write_failures_total",
	Help: "Audit entries that could not be persisted.",
})

func init() {
	prometheus.MustRegister(auditFailures)
}
