//go:build linux

package resource

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// maxCPUs bounds the affinity mask scan.
const maxCPUs = 1024

type osEnforcer struct{}

// NewOSEnforcer returns the enforcer for the running platform.
func NewOSEnforcer() Enforcer { return osEnforcer{} }

// SetMemoryLimit sets both the soft and hard RLIMIT_AS to bytes, so code in
// this process cannot lift the ceiling. Raising it again needs
// CAP_SYS_RESOURCE; without it the call fails and the old limit holds.
func (osEnforcer) SetMemoryLimit(bytes uint64) error {
	if bytes == 0 {
		return fmt.Errorf("memory limit must be positive")
	}
	var cur unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_AS, &cur); err != nil {
		return fmt.Errorf("getrlimit: %w", err)
	}
	lim := unix.Rlimit{Cur: bytes, Max: bytes}
	if err := unix.Setrlimit(unix.RLIMIT_AS, &lim); err != nil {
		if errors.Is(err, unix.EPERM) {
			return fmt.Errorf("setrlimit: raising hard limit %d to %d needs CAP_SYS_RESOURCE: %w", cur.Max, bytes, err)
		}
		return fmt.Errorf("setrlimit: %w", err)
	}
	return nil
}

func (osEnforcer) CPUSet() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("sched_getaffinity: %w", err)
	}
	var cpus []int
	for i := 0; i < maxCPUs && len(cpus) < set.Count(); i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus, nil
}

// SetCPUAffinity pins every thread of the process. Affinity is per thread
// on Linux and the Go runtime already runs several.
func (osEnforcer) SetCPUAffinity(cpus []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, c := range cpus {
		set.Set(c)
	}
	tids, err := threadIDs()
	if err != nil {
		return unix.SchedSetaffinity(0, &set)
	}
	var firstErr error
	for _, tid := range tids {
		if err := unix.SchedSetaffinity(tid, &set); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("sched_setaffinity(%d): %w", tid, err)
		}
	}
	return firstErr
}

func threadIDs() ([]int, error) {
	entries, err := os.ReadDir("/proc/self/task")
	if err != nil {
		return nil, err
	}
	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		if tid, err := strconv.Atoi(e.Name()); err == nil {
			tids = append(tids, tid)
		}
	}
	return tids, nil
}
