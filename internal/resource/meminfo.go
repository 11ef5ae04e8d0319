package resource

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// MemoryStats is a point-in-time view of system memory.
type MemoryStats struct {
	TotalMB     int64 `json:"total_mb"`
	AvailableMB int64 `json:"available_mb"`
}

// MemoryInfo reports live system memory.
type MemoryInfo interface {
	Read() (MemoryStats, error)
}

type procMemInfo struct {
	fs procfs.FS
}

// NewProcMemInfo reads /proc/meminfo.
func NewProcMemInfo() (MemoryInfo, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("opening procfs: %w", err)
	}
	return procMemInfo{fs: fs}, nil
}

func (p procMemInfo) Read() (MemoryStats, error) {
	mi, err := p.fs.Meminfo()
	if err != nil {
		return MemoryStats{}, fmt.Errorf("reading meminfo: %w", err)
	}
	if mi.MemTotal == nil {
		return MemoryStats{}, fmt.Errorf("meminfo has no MemTotal")
	}
	var availKB uint64
	switch {
	case mi.MemAvailable != nil:
		availKB = *mi.MemAvailable
	case mi.MemFree != nil:
		// Kernels before 3.14 lack MemAvailable.
		availKB = *mi.MemFree
		if mi.Buffers != nil {
			availKB += *mi.Buffers
		}
		if mi.Cached != nil {
			availKB += *mi.Cached
		}
	default:
		return MemoryStats{}, fmt.Errorf("meminfo has no MemAvailable")
	}
	return MemoryStats{
		TotalMB:     int64(*mi.MemTotal / 1024),
		AvailableMB: int64(availKB / 1024),
	}, nil
}
