// Package resource turns the policy's resource allocation into OS-level
// constraints and answers admission-control questions.
package resource

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/org/agentwarden/internal/acl"
	"github.com/org/agentwarden/pkg/models"
	"github.com/rs/zerolog/log"
)

const gib = 1 << 30

// Evaluator is the slice of the decision engine the governor consults.
type Evaluator interface {
	Evaluate(ctx context.Context, kind string, quantity float64, ectx acl.EvalContext) models.ACLDecision
}

// PolicyStore reads and replaces the policy snapshot.
type PolicyStore interface {
	Current() *models.SecurityPolicy
	Persist(p *models.SecurityPolicy) (*models.SecurityPolicy, error)
}

// Recorder receives audit entries.
type Recorder interface {
	Record(ctx context.Context, entry *models.AuditEntry)
}

// Enforcer applies process-level constraints.
type Enforcer interface {
	SetMemoryLimit(bytes uint64) error
	CPUSet() ([]int, error)
	SetCPUAffinity(cpus []int) error
}

// Options overrides the platform defaults. Zero fields pick the default.
type Options struct {
	Enforcer    Enforcer
	Memory      MemoryInfo
	Accelerator Accelerator
}

// Applied describes the constraints in force after the last ApplyLimits.
type Applied struct {
	MemoryLimitBytes uint64          `json:"memory_limit_bytes,omitempty"`
	CPUs             []int           `json:"cpus,omitempty"`
	GPUFractions     map[int]float64 `json:"gpu_fractions,omitempty"`
	Warnings         []string        `json:"warnings,omitempty"`
	AppliedAt        time.Time       `json:"applied_at"`
}

// Actual is what the host currently offers.
type Actual struct {
	RAMGB             int64 `json:"ram_gb"`
	CPUCores          int   `json:"cpu_cores"`
	MemoryAvailableMB int64 `json:"memory_available_mb"`
}

// Limits is the ExportLimits report.
type Limits struct {
	Config  models.ResourceAllocation `json:"config"`
	Actual  Actual                    `json:"actual"`
	Applied Applied                   `json:"applied"`
}

// Admission is the answer to ShouldAdmit. When the decision engine asks
// for confirmation, Admit is false and Decision carries the confirmable
// decision so the caller can run the confirmation flow.
type Admission struct {
	Admit             bool                `json:"admit"`
	Reason            string              `json:"reason"`
	NeedsConfirmation bool                `json:"needs_confirmation,omitempty"`
	Decision          *models.ACLDecision `json:"decision,omitempty"`
}

// AllocationUpdate carries the fields to change. Nil fields are kept.
type AllocationUpdate struct {
	RAMGB         *float64 `json:"ram_gb,omitempty"`
	CPUCores      *int     `json:"cpu_cores,omitempty"`
	MemoryLimitMB *int64   `json:"memory_limit_mb,omitempty"`
	GPUMemoryGB   *float64 `json:"gpu_memory_gb,omitempty"`
}

func (u AllocationUpdate) empty() bool {
	return u.RAMGB == nil && u.CPUCores == nil && u.MemoryLimitMB == nil && u.GPUMemoryGB == nil
}

// Governor enforces the policy allocation. ApplyLimits and UpdateAllocation
// are serialized: one completes before the next begins.
type Governor struct {
	policies PolicyStore
	acl      Evaluator
	audit    Recorder
	enforcer Enforcer
	mem      MemoryInfo
	accel    Accelerator

	mu       sync.Mutex
	baseCPUs []int
	applied  Applied
}

// NewGovernor wires a Governor. audit may be nil.
func NewGovernor(policies PolicyStore, eval Evaluator, audit Recorder, opts Options) *Governor {
	g := &Governor{
		policies: policies,
		acl:      eval,
		audit:    audit,
		enforcer: opts.Enforcer,
		mem:      opts.Memory,
		accel:    opts.Accelerator,
	}
	if g.enforcer == nil {
		g.enforcer = NewOSEnforcer()
	}
	if g.mem == nil {
		if mi, err := NewProcMemInfo(); err == nil {
			g.mem = mi
		} else {
			log.Warn().Err(err).Msg("memory telemetry unavailable")
			g.mem = unavailableMemInfo{err: err}
		}
	}
	if g.accel == nil {
		g.accel = NoAccelerator{}
	}
	cpus, err := g.enforcer.CPUSet()
	if err != nil {
		log.Warn().Err(err).Msg("could not read CPU affinity mask")
	}
	g.baseCPUs = cpus
	return g
}

type unavailableMemInfo struct{ err error }

func (u unavailableMemInfo) Read() (MemoryStats, error) { return MemoryStats{}, u.err }

// CheckAndApply runs the startup check: the configured memory and CPU
// allocation must pass the policy's own ACL rules before limits are applied.
func (g *Governor) CheckAndApply(ctx context.Context) (Applied, error) {
	p := g.policies.Current()
	if p == nil || p.ResourceAllocation == nil {
		return Applied{}, fmt.Errorf("%w: no allocation configured", ErrAllocationDenied)
	}
	alloc := *p.ResourceAllocation
	ectx := acl.EvalContext{Actor: "system", Metadata: map[string]any{"phase": "startup"}}

	if d := g.acl.Evaluate(ctx, models.ResourceMemory, alloc.RAMGB, ectx); !d.Allowed {
		return Applied{}, fmt.Errorf("%w: memory: %s", ErrAllocationDenied, d.Reason)
	}
	if d := g.acl.Evaluate(ctx, models.ResourceCPU, float64(alloc.CPUCores), ectx); !d.Allowed {
		return Applied{}, fmt.Errorf("%w: cpu: %s", ErrAllocationDenied, d.Reason)
	}
	return g.ApplyLimits(ctx, alloc), nil
}

// ApplyLimits enforces alloc. Each constraint is applied independently; a
// constraint that cannot be applied is recorded as a warning.
func (g *Governor) ApplyLimits(ctx context.Context, alloc models.ResourceAllocation) Applied {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applyLocked(ctx, alloc)
}

func (g *Governor) applyLocked(ctx context.Context, alloc models.ResourceAllocation) Applied {
	a := Applied{AppliedAt: time.Now().UTC()}
	warn := func(constraint string, err error) {
		enforcementWarnings.WithLabelValues(constraint).Inc()
		log.Warn().Err(err).Str("constraint", constraint).Msg("could not apply resource limit")
		a.Warnings = append(a.Warnings, fmt.Sprintf("%s: %v", constraint, err))
	}

	memBytes := uint64(alloc.RAMGB * gib)
	if err := g.enforcer.SetMemoryLimit(memBytes); err != nil {
		warn("memory", err)
	} else {
		a.MemoryLimitBytes = memBytes
	}

	switch {
	case len(g.baseCPUs) == 0:
		warn("cpu", errors.New("affinity mask unknown"))
	default:
		n := alloc.CPUCores
		if n > len(g.baseCPUs) {
			n = len(g.baseCPUs)
		}
		cpus := append([]int(nil), g.baseCPUs[:n]...)
		if err := g.enforcer.SetCPUAffinity(cpus); err != nil {
			warn("cpu", err)
		} else {
			a.CPUs = cpus
		}
	}

	if alloc.GPUMemoryGB > 0 {
		devices, err := g.accel.Devices(ctx)
		if err != nil {
			warn("gpu", err)
		}
		for _, dev := range devices {
			if dev.TotalBytes == 0 {
				continue
			}
			frac := math.Min(1, alloc.GPUMemoryGB*gib/float64(dev.TotalBytes))
			if err := g.accel.SetMemoryFraction(dev.Index, frac); err != nil {
				warn(fmt.Sprintf("gpu%d", dev.Index), err)
				continue
			}
			if a.GPUFractions == nil {
				a.GPUFractions = map[int]float64{}
			}
			a.GPUFractions[dev.Index] = frac
		}
	}

	g.applied = a
	setAllocationGauges(alloc)
	log.Info().
		Float64("ram_gb", alloc.RAMGB).
		Int("cpu_cores", alloc.CPUCores).
		Int64("memory_limit_mb", alloc.MemoryLimitMB).
		Float64("gpu_memory_gb", alloc.GPUMemoryGB).
		Int("warnings", len(a.Warnings)).
		Msg("resource limits applied")
	g.record(ctx, &models.AuditEntry{
		Actor:   "system",
		Event:   models.EventLimitsApplied,
		Kind:    "allocation",
		Outcome: outcomeFor(a),
		Metadata: map[string]any{
			"ram_gb":    alloc.RAMGB,
			"cpu_cores": alloc.CPUCores,
			"warnings":  a.Warnings,
		},
	})
	return a
}

func outcomeFor(a Applied) string {
	if len(a.Warnings) > 0 {
		return "partial"
	}
	return "applied"
}

// AvailableMemoryMB returns live free memory.
func (g *Governor) AvailableMemoryMB() (int64, error) {
	st, err := g.mem.Read()
	if err != nil {
		return 0, err
	}
	availableMemory.Set(float64(st.AvailableMB))
	return st.AvailableMB, nil
}

// UtilizationPercent reports memory utilization for the decision engine's
// emergency threshold.
func (g *Governor) UtilizationPercent(kind string) (float64, error) {
	if kind != models.ResourceMemory {
		return 0, fmt.Errorf("no telemetry for %s", kind)
	}
	st, err := g.mem.Read()
	if err != nil {
		return 0, err
	}
	if st.TotalMB <= 0 {
		return 0, errors.New("total memory unknown")
	}
	return float64(st.TotalMB-st.AvailableMB) / float64(st.TotalMB) * 100, nil
}

// ShouldAdmit decides whether estimatedMB of memory may be used now. The
// configured limit is checked first, then live availability, then the
// decision engine. The first failing check gives the reason.
func (g *Governor) ShouldAdmit(ctx context.Context, estimatedMB int64, ectx acl.EvalContext) Admission {
	p := g.policies.Current()
	if p == nil || p.ResourceAllocation == nil {
		return g.admission(false, "no resource allocation configured", nil)
	}
	if limit := p.ResourceAllocation.MemoryLimitMB; estimatedMB > limit {
		return g.admission(false, fmt.Sprintf("estimate %dMB exceeds memory limit %dMB", estimatedMB, limit), nil)
	}
	available, err := g.AvailableMemoryMB()
	if err != nil {
		log.Warn().Err(err).Msg("memory telemetry unavailable, refusing admission")
		return g.admission(false, "memory telemetry unavailable", nil)
	}
	if estimatedMB > available {
		return g.admission(false, fmt.Sprintf("insufficient memory: need %dMB, available %dMB", estimatedMB, available), nil)
	}
	d := g.acl.Evaluate(ctx, models.ResourceMemory, float64(estimatedMB)/1024, ectx)
	return g.admission(d.Allowed && !d.RequiresConfirmation, d.Reason, &d)
}

func (g *Governor) admission(ok bool, reason string, d *models.ACLDecision) Admission {
	label := "admitted"
	if !ok {
		label = "refused"
	}
	admissions.WithLabelValues(label).Inc()
	a := Admission{Admit: ok, Reason: reason, Decision: d}
	if d != nil && d.Allowed && d.RequiresConfirmation {
		a.NeedsConfirmation = true
	}
	return a
}

// UpdateAllocation merges upd into the current allocation, persists the
// policy and re-applies limits.
func (g *Governor) UpdateAllocation(ctx context.Context, upd AllocationUpdate, actor string) (models.ResourceAllocation, Applied, error) {
	if upd.empty() {
		return models.ResourceAllocation{}, Applied{}, ErrEmptyUpdate
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	cur := g.policies.Current()
	if cur == nil || cur.ResourceAllocation == nil {
		return models.ResourceAllocation{}, Applied{}, errors.New("no resource allocation configured")
	}
	next := cur.Clone()
	alloc := next.ResourceAllocation
	if upd.RAMGB != nil {
		alloc.RAMGB = *upd.RAMGB
	}
	if upd.CPUCores != nil {
		alloc.CPUCores = *upd.CPUCores
	}
	if upd.MemoryLimitMB != nil {
		alloc.MemoryLimitMB = *upd.MemoryLimitMB
	}
	if upd.GPUMemoryGB != nil {
		alloc.GPUMemoryGB = *upd.GPUMemoryGB
	}

	published, err := g.policies.Persist(next)
	if err != nil {
		return models.ResourceAllocation{}, Applied{}, err
	}
	applied := g.applyLocked(ctx, *published.ResourceAllocation)

	g.record(ctx, &models.AuditEntry{
		Actor:         actor,
		Event:         models.EventAllocationUpdated,
		Kind:          "allocation",
		Outcome:       outcomeFor(applied),
		PolicyVersion: published.Version,
		Metadata: map[string]any{
			"ram_gb":          alloc.RAMGB,
			"cpu_cores":       alloc.CPUCores,
			"memory_limit_mb": alloc.MemoryLimitMB,
			"gpu_memory_gb":   alloc.GPUMemoryGB,
		},
	})
	log.Info().Str("actor", actor).Int64("policy_version", published.Version).Msg("resource allocation updated")
	return *published.ResourceAllocation, applied, nil
}

// ExportLimits reports configured, actual and applied limits.
func (g *Governor) ExportLimits() Limits {
	var l Limits
	if p := g.policies.Current(); p != nil && p.ResourceAllocation != nil {
		l.Config = *p.ResourceAllocation
	}
	if st, err := g.mem.Read(); err == nil {
		l.Actual.RAMGB = st.TotalMB / 1024
		l.Actual.MemoryAvailableMB = st.AvailableMB
	}
	if cpus, err := g.enforcer.CPUSet(); err == nil {
		l.Actual.CPUCores = len(cpus)
	}
	g.mu.Lock()
	l.Applied = g.applied
	g.mu.Unlock()
	return l
}

func (g *Governor) record(ctx context.Context, e *models.AuditEntry) {
	if g.audit != nil {
		g.audit.Record(ctx, e)
	}
}
