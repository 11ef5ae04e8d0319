package resource

import (
	"github.com/org/agentwarden/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	configuredAllocation = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warden_resource_allocation",
		Help: "Configured resource allocation by dimension.",
	}, []string{"dimension"})

	availableMemory = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_memory_available_mb",
		Help: "Available system memory at the last reading.",
	})

	enforcementWarnings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_enforcement_warnings_total",
		Help: "Resource constraints that could not be applied.",
	}, []string{"constraint"})

	admissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_admissions_total",
		Help: "Admission-control answers by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(configuredAllocation, availableMemory, enforcementWarnings, admissions)
}

func setAllocationGauges(a models.ResourceAllocation) {
	configuredAllocation.WithLabelValues("ram_gb").Set(a.RAMGB)
	configuredAllocation.WithLabelValues("cpu_cores").Set(float64(a.CPUCores))
	configuredAllocation.WithLabelValues("memory_limit_mb").Set(float64(a.MemoryLimitMB))
	configuredAllocation.WithLabelValues("gpu_memory_gb").Set(a.GPUMemoryGB)
}
