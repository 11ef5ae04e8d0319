package resource

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// GPUFractionEnvPrefix names the per-device environment variables handed to
// child task processes.
const GPUFractionEnvPrefix = "WARDEN_GPU_MEMORY_FRACTION_"

// Device is one accelerator visible to the process.
type Device struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	TotalBytes uint64 `json:"total_bytes"`
}

// Accelerator discovers devices and caps the memory share this process may use.
type Accelerator interface {
	Devices(ctx context.Context) ([]Device, error)
	SetMemoryFraction(device int, fraction float64) error
}

// NoAccelerator reports no devices.
type NoAccelerator struct{}

func (NoAccelerator) Devices(context.Context) ([]Device, error) { return nil, nil }

func (NoAccelerator) SetMemoryFraction(int, float64) error { return nil }

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// NvidiaSMI discovers NVIDIA devices with nvidia-smi. The fraction cannot be
// imposed from outside a CUDA context, so it is exported through the
// environment for the task runtimes this process starts.
type NvidiaSMI struct {
	run     commandRunner
	timeout time.Duration

	mu        sync.Mutex
	fractions map[int]float64
}

func NewNvidiaSMI() *NvidiaSMI {
	return &NvidiaSMI{run: runCommand, timeout: 5 * time.Second, fractions: map[int]float64{}}
}

func (n *NvidiaSMI) Devices(ctx context.Context) ([]Device, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	out, err := n.run(ctx, "nvidia-smi", "--query-gpu=index,name,memory.total", "--format=csv,noheader,nounits")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseNvidiaSMI(out)
}

// parseNvidiaSMI reads "index, name, memory.total[MiB]" rows.
func parseNvidiaSMI(out []byte) ([]Device, error) {
	r := csv.NewReader(bytes.NewReader(out))
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing nvidia-smi output: %w", err)
	}
	devices := make([]Device, 0, len(rows))
	for _, row := range rows {
		if len(row) < 3 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(row[0]))
		if err != nil {
			return nil, fmt.Errorf("bad device index %q", row[0])
		}
		mib, err := strconv.ParseUint(strings.TrimSpace(row[2]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad memory.total %q", row[2])
		}
		devices = append(devices, Device{
			Index:      idx,
			Name:       strings.TrimSpace(row[1]),
			TotalBytes: mib << 20,
		})
	}
	return devices, nil
}

func (n *NvidiaSMI) SetMemoryFraction(device int, fraction float64) error {
	if fraction <= 0 || fraction > 1 {
		return fmt.Errorf("fraction %v out of range (0,1]", fraction)
	}
	n.mu.Lock()
	n.fractions[device] = fraction
	n.mu.Unlock()
	return os.Setenv(GPUFractionEnvPrefix+strconv.Itoa(device), strconv.FormatFloat(fraction, 'f', 4, 64))
}

// Fractions returns the fractions set so far, by device index.
func (n *NvidiaSMI) Fractions() map[int]float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[int]float64, len(n.fractions))
	for k, v := range n.fractions {
		out[k] = v
	}
	return out
}
