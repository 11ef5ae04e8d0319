//go:build !linux

package resource

import "runtime"

type osEnforcer struct{}

// NewOSEnforcer returns the enforcer for the running platform.
func NewOSEnforcer() Enforcer { return osEnforcer{} }

func (osEnforcer) SetMemoryLimit(uint64) error { return ErrUnsupported }

func (osEnforcer) CPUSet() ([]int, error) {
	cpus := make([]int, runtime.NumCPU())
	for i := range cpus {
		cpus[i] = i
	}
	return cpus, nil
}

func (osEnforcer) SetCPUAffinity([]int) error { return ErrUnsupported }
