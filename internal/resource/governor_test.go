package resource

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/org/agentwarden/internal/acl"
	"github.com/org/agentwarden/internal/policy"
	"github.com/org/agentwarden/internal/quota"
	"github.com/org/agentwarden/internal/storage"
	"github.com/org/agentwarden/pkg/models"
)

type fakeEnforcer struct {
	mu        sync.Mutex
	cpus      []int
	memErr    error
	cpuErr    error
	memLimits []uint64
	affinity  [][]int
}

func (f *fakeEnforcer) SetMemoryLimit(b uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.memErr != nil {
		return f.memErr
	}
	f.memLimits = append(f.memLimits, b)
	return nil
}

func (f *fakeEnforcer) CPUSet() ([]int, error) { return f.cpus, nil }

func (f *fakeEnforcer) SetCPUAffinity(c []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cpuErr != nil {
		return f.cpuErr
	}
	f.affinity = append(f.affinity, c)
	return nil
}

type fakeMem struct {
	stats MemoryStats
	err   error
}

func (f fakeMem) Read() (MemoryStats, error) { return f.stats, f.err }

type fakeAccel struct {
	devices   []Device
	fractions map[int]float64
}

func (f *fakeAccel) Devices(context.Context) ([]Device, error) { return f.devices, nil }

func (f *fakeAccel) SetMemoryFraction(d int, frac float64) error {
	if f.fractions == nil {
		f.fractions = map[int]float64{}
	}
	f.fractions[d] = frac
	return nil
}

type fixture struct {
	gov      *Governor
	store    *policy.Store
	engine   *acl.Engine
	enforcer *fakeEnforcer
}

func newFixture(t *testing.T, mem MemoryInfo, mutate func(*models.SecurityPolicy)) fixture {
	t.Helper()
	p := policy.Default()
	if mutate != nil {
		mutate(p)
	}
	store := policy.NewStore()
	if _, err := store.Reload(p); err != nil {
		t.Fatal(err)
	}
	engine := acl.NewEngine(store, quota.NewLedger(storage.NewMemoryBackend()), nil)
	t.Cleanup(engine.Close)
	enf := &fakeEnforcer{cpus: []int{0, 2, 4, 6, 8, 10}}
	gov := NewGovernor(store, engine, nil, Options{Enforcer: enf, Memory: mem, Accelerator: &fakeAccel{}})
	return fixture{gov: gov, store: store, engine: engine, enforcer: enf}
}

func plentyOfMemory() fakeMem {
	return fakeMem{stats: MemoryStats{TotalMB: 32768, AvailableMB: 16384}}
}

func TestApplyLimitsUsesFirstCoresOfMask(t *testing.T) {
	f := newFixture(t, plentyOfMemory(), nil)
	a := f.gov.ApplyLimits(context.Background(), models.ResourceAllocation{RAMGB: 2, CPUCores: 3, MemoryLimitMB: 2048})
	if len(a.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", a.Warnings)
	}
	if a.MemoryLimitBytes != 2<<30 {
		t.Errorf("memory limit = %d", a.MemoryLimitBytes)
	}
	want := []int{0, 2, 4}
	if len(a.CPUs) != 3 || a.CPUs[0] != want[0] || a.CPUs[2] != want[2] {
		t.Errorf("cpus = %v, want %v", a.CPUs, want)
	}
}

func TestApplyLimitsContinuesPastFailures(t *testing.T) {
	f := newFixture(t, plentyOfMemory(), nil)
	f.enforcer.memErr = errors.New("operation not permitted")
	a := f.gov.ApplyLimits(context.Background(), models.ResourceAllocation{RAMGB: 2, CPUCores: 2, MemoryLimitMB: 2048})
	if len(a.Warnings) != 1 || !strings.HasPrefix(a.Warnings[0], "memory") {
		t.Fatalf("warnings = %v", a.Warnings)
	}
	if len(a.CPUs) != 2 {
		t.Fatal("cpu affinity not applied after memory failure")
	}
}

func TestApplyLimitsGPUFraction(t *testing.T) {
	accel := &fakeAccel{devices: []Device{{Index: 0, TotalBytes: 16 << 30}, {Index: 1, TotalBytes: 2 << 30}}}
	p := policy.Default()
	store := policy.NewStore()
	store.Reload(p) //nolint:errcheck
	gov := NewGovernor(store, nil, nil, Options{Enforcer: &fakeEnforcer{cpus: []int{0}}, Memory: plentyOfMemory(), Accelerator: accel})

	a := gov.ApplyLimits(context.Background(), models.ResourceAllocation{RAMGB: 1, CPUCores: 1, MemoryLimitMB: 1024, GPUMemoryGB: 4})
	if a.GPUFractions[0] != 0.25 {
		t.Errorf("device 0 fraction = %v", a.GPUFractions[0])
	}
	if a.GPUFractions[1] != 1 {
		t.Errorf("device 1 fraction should be capped at 1, got %v", a.GPUFractions[1])
	}
}

func TestCheckAndApplyDeniesDisallowedAllocation(t *testing.T) {
	f := newFixture(t, plentyOfMemory(), func(p *models.SecurityPolicy) {
		p.ResourceAllocation.CPUCores = 8 // cpu rule caps at 4
	})
	if _, err := f.gov.CheckAndApply(context.Background()); !errors.Is(err, ErrAllocationDenied) {
		t.Fatalf("expected ErrAllocationDenied, got %v", err)
	}
	if len(f.enforcer.affinity) != 0 {
		t.Fatal("limits applied despite denial")
	}
}

func TestCheckAndApply(t *testing.T) {
	f := newFixture(t, plentyOfMemory(), nil)
	a, err := f.gov.CheckAndApply(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(a.CPUs) != 4 || a.MemoryLimitBytes != 8<<30 {
		t.Fatalf("applied = %+v", a)
	}
}

func TestShouldAdmitOrder(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, fakeMem{stats: MemoryStats{TotalMB: 16384, AvailableMB: 512}}, func(p *models.SecurityPolicy) {
		p.ACLRules.ResourceAccess[models.ResourceMemory] = models.ResourceRule{MaxQuantity: floatPtr(8)}
	})

	if a := f.gov.ShouldAdmit(ctx, 9000, acl.EvalContext{}); a.Admit || a.Reason != "estimate 9000MB exceeds memory limit 8192MB" {
		t.Fatalf("limit check: %+v", a)
	}
	if a := f.gov.ShouldAdmit(ctx, 1024, acl.EvalContext{}); a.Admit || a.Reason != "insufficient memory: need 1024MB, available 512MB" {
		t.Fatalf("availability check: %+v", a)
	}
	if a := f.gov.ShouldAdmit(ctx, 256, acl.EvalContext{}); !a.Admit || a.Decision == nil {
		t.Fatalf("expected admission: %+v", a)
	}
}

func TestShouldAdmitDefersToDecisionEngine(t *testing.T) {
	f := newFixture(t, plentyOfMemory(), nil) // memory rule requires confirmation
	a := f.gov.ShouldAdmit(context.Background(), 1024, acl.EvalContext{})
	if a.Admit || !a.NeedsConfirmation || a.Reason != acl.ReasonRequiresConfirmation {
		t.Fatalf("unexpected %+v", a)
	}
}

func TestShouldAdmitFailsClosedWithoutTelemetry(t *testing.T) {
	f := newFixture(t, fakeMem{err: errors.New("no /proc")}, nil)
	if a := f.gov.ShouldAdmit(context.Background(), 10, acl.EvalContext{}); a.Admit {
		t.Fatalf("admitted without telemetry: %+v", a)
	}
}

func TestUtilizationPercent(t *testing.T) {
	f := newFixture(t, fakeMem{stats: MemoryStats{TotalMB: 1000, AvailableMB: 250}}, nil)
	got, err := f.gov.UtilizationPercent(models.ResourceMemory)
	if err != nil || got != 75 {
		t.Fatalf("utilization = %v, %v", got, err)
	}
	if _, err := f.gov.UtilizationPercent(models.ResourceCPU); err == nil {
		t.Fatal("expected error for cpu")
	}
}

func TestEmergencyThresholdViaGovernorTelemetry(t *testing.T) {
	f := newFixture(t, fakeMem{stats: MemoryStats{TotalMB: 1000, AvailableMB: 10}}, func(p *models.SecurityPolicy) {
		p.ACLRules.ResourceAccess[models.ResourceMemory] = models.ResourceRule{MaxGB: floatPtr(8), EmergencyThreshold: floatPtr(95)}
	})
	f.engine.SetTelemetry(f.gov)
	d := f.engine.Evaluate(context.Background(), models.ResourceMemory, 1, acl.EvalContext{})
	if !d.RequiresConfirmation {
		t.Fatalf("99%% utilization should force confirmation: %+v", d)
	}
}

func TestUpdateAllocationMergesAndReapplies(t *testing.T) {
	f := newFixture(t, plentyOfMemory(), nil)
	ctx := context.Background()
	cores := 2
	alloc, applied, err := f.gov.UpdateAllocation(ctx, AllocationUpdate{CPUCores: &cores}, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if alloc.CPUCores != 2 || alloc.RAMGB != 8 {
		t.Fatalf("merged allocation = %+v", alloc)
	}
	if len(applied.CPUs) != 2 {
		t.Fatalf("applied cpus = %v", applied.CPUs)
	}
	if f.store.Current().ResourceAllocation.CPUCores != 2 {
		t.Fatal("policy not updated")
	}
	if got := f.gov.ExportLimits(); got.Config.CPUCores != 2 || len(got.Applied.CPUs) != 2 {
		t.Fatalf("export = %+v", got)
	}
}

func TestUpdateAllocationRejectsInvalid(t *testing.T) {
	f := newFixture(t, plentyOfMemory(), nil)
	zero := 0
	if _, _, err := f.gov.UpdateAllocation(context.Background(), AllocationUpdate{CPUCores: &zero}, "admin"); !errors.Is(err, policy.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
	if _, _, err := f.gov.UpdateAllocation(context.Background(), AllocationUpdate{}, "admin"); !errors.Is(err, ErrEmptyUpdate) {
		t.Fatalf("expected ErrEmptyUpdate, got %v", err)
	}
	if len(f.enforcer.affinity) != 0 {
		t.Fatal("limits applied for a rejected update")
	}
}

func TestUpdateAllocationSerialized(t *testing.T) {
	f := newFixture(t, plentyOfMemory(), nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 1; i <= 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ram := float64(n)
			mb := int64(n) * 1024
			if _, _, err := f.gov.UpdateAllocation(ctx, AllocationUpdate{RAMGB: &ram, MemoryLimitMB: &mb}, "admin"); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	a := f.store.Current().ResourceAllocation
	if int64(a.RAMGB)*1024 != a.MemoryLimitMB {
		t.Fatalf("interleaved update: %+v", a)
	}
	last := f.enforcer.memLimits[len(f.enforcer.memLimits)-1]
	if last != uint64(a.RAMGB*gib) {
		t.Fatalf("last applied limit %d does not match policy %+v", last, a)
	}
}

func floatPtr(f float64) *float64 { return &f }
