package acl

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/org/agentwarden/internal/policy"
	"github.com/org/agentwarden/internal/quota"
	"github.com/org/agentwarden/internal/storage"
	"github.com/org/agentwarden/pkg/models"
)

func boolp(b bool) *bool { return &b }
func floatp(f float64) *float64 { return &f }
func int64p(n int64) *int64 { return &n }

type recorder struct {
	mu      sync.Mutex
	entries []*models.AuditEntry
}

func (r *recorder) Record(_ context.Context, e *models.AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Event
	}
	return out
}

type fakeTelemetry struct {
	pct float64
	err error
}

func (f fakeTelemetry) UtilizationPercent(string) (float64, error) { return f.pct, f.err }

type failingQuota struct{}

func (failingQuota) Consume(context.Context, string, int64, int64) (quota.Result, error) {
	return quota.Result{}, errors.New("backend down")
}

func newEngine(t *testing.T, mutate func(p *models.SecurityPolicy)) (*Engine, *recorder) {
	t.Helper()
	p := policy.Default()
	if mutate != nil {
		mutate(p)
	}
	store := policy.NewStore()
	if _, err := store.Reload(p); err != nil {
		t.Fatalf("reload: %v", err)
	}
	rec := &recorder{}
	e := NewEngine(store, quota.NewLedger(storage.NewMemoryBackend()), rec)
	t.Cleanup(e.Close)
	return e, rec
}

func TestEvaluateDeniedRuleIgnoresQuantity(t *testing.T) {
	e, _ := newEngine(t, func(p *models.SecurityPolicy) {
		p.ACLRules.FileOperations[models.OpDelete] = models.FileRule{Allowed: boolp(false)}
		p.ACLRules.ResourceAccess[models.ResourceNetwork] = models.ResourceRule{Allowed: boolp(false)}
	})
	for _, q := range []float64{0, 1, 1e6} {
		for _, kind := range []string{models.OpDelete, models.ResourceNetwork} {
			d := e.Evaluate(context.Background(), kind, q, EvalContext{})
			if d.Allowed {
				t.Fatalf("%s q=%v allowed", kind, q)
			}
			if d.Reason != "policy denies "+kind {
				t.Errorf("reason = %q", d.Reason)
			}
		}
	}
}

func TestEvaluateUnknownKindFailsClosed(t *testing.T) {
	e, _ := newEngine(t, nil)
	d := e.Evaluate(context.Background(), "gpu", 1, EvalContext{})
	if d.Allowed || d.Reason != "no policy rule for gpu" {
		t.Fatalf("unexpected %+v", d)
	}
}

func TestEvaluateNoPolicy(t *testing.T) {
	e := NewEngine(policy.NewStore(), quota.NewLedger(storage.NewMemoryBackend()), nil)
	d := e.Evaluate(context.Background(), models.ResourceMemory, 1, EvalContext{})
	if d.Allowed || d.Reason != ReasonNoPolicy {
		t.Fatalf("unexpected %+v", d)
	}
}

func TestEvaluateLimitIsInclusive(t *testing.T) {
	e, _ := newEngine(t, nil)
	ctx := context.Background()

	at := e.Evaluate(ctx, models.ResourceCPU, 4, EvalContext{})
	if !at.Allowed || at.RequiresConfirmation || at.Reason != ReasonAllowed {
		t.Fatalf("at limit: %+v", at)
	}
	over := e.Evaluate(ctx, models.ResourceCPU, 4.5, EvalContext{})
	if over.Allowed || over.Reason != ReasonQuotaExceeded {
		t.Fatalf("over limit: %+v", over)
	}
}

func TestEvaluateDailyQuota(t *testing.T) {
	e, _ := newEngine(t, func(p *models.SecurityPolicy) {
		p.ACLRules.FileOperations[models.OpModify] = models.FileRule{Allowed: boolp(true), MaxDailyOperations: int64p(3)}
	})
	ctx := context.Background()
	if d := e.Evaluate(ctx, models.OpModify, 2.5, EvalContext{}); !d.Allowed {
		t.Fatalf("first batch: %+v", d)
	}
	// 2.5 consumed 3 units.
	if d := e.Evaluate(ctx, models.OpModify, 1, EvalContext{}); d.Allowed || d.Reason != ReasonQuotaExceeded {
		t.Fatalf("expected quota exceeded, got %+v", d)
	}
}

func TestEvaluateQuotaBackendFailureDenies(t *testing.T) {
	store := policy.NewStore()
	if _, err := store.Reload(policy.Default()); err != nil {
		t.Fatal(err)
	}
	e := NewEngine(store, failingQuota{}, nil)
	d := e.Evaluate(context.Background(), models.OpDelete, 1, EvalContext{})
	if d.Allowed || d.Reason != ReasonQuotaUnavailable {
		t.Fatalf("unexpected %+v", d)
	}
}

func TestEvaluateConcurrentQuotaNoOvershoot(t *testing.T) {
	const limit = 10
	e, _ := newEngine(t, func(p *models.SecurityPolicy) {
		p.ACLRules.FileOperations[models.OpCreate] = models.FileRule{Allowed: boolp(true), MaxDailyOperations: int64p(limit)}
	})
	ctx := context.Background()
	if d := e.Evaluate(ctx, models.OpCreate, limit-(limit/2-1), EvalContext{}); !d.Allowed {
		t.Fatalf("seed: %+v", d)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d := e.Evaluate(ctx, models.OpCreate, limit/2, EvalContext{}); d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed > 1 {
		t.Fatalf("%d concurrent callers passed the quota", allowed)
	}
}

func TestEvaluateRequiresConfirmation(t *testing.T) {
	e, rec := newEngine(t, nil)
	d := e.Evaluate(context.Background(), models.ResourceMemory, 2, EvalContext{Actor: "agent-1", TaskID: "t-9"})
	if !d.Allowed || !d.RequiresConfirmation || d.Reason != ReasonRequiresConfirmation {
		t.Fatalf("unexpected %+v", d)
	}
	if d.PolicyVersion == 0 {
		t.Error("decision should carry the policy version")
	}
	if got := rec.events(); len(got) != 1 || got[0] != models.EventDecision {
		t.Fatalf("audit events = %v", got)
	}
	if rec.entries[0].Actor != "agent-1" || rec.entries[0].Metadata["task_id"] != "t-9" {
		t.Errorf("audit entry missing context: %+v", rec.entries[0])
	}
}

func TestEmergencyThresholdForcesConfirmation(t *testing.T) {
	e, _ := newEngine(t, func(p *models.SecurityPolicy) {
		p.ACLRules.ResourceAccess[models.ResourceMemory] = models.ResourceRule{
			MaxGB:              floatp(8),
			EmergencyThreshold: floatp(90),
		}
	})
	ctx := context.Background()

	if d := e.Evaluate(ctx, models.ResourceMemory, 1, EvalContext{}); d.RequiresConfirmation {
		t.Fatalf("no telemetry should not force confirmation: %+v", d)
	}

	e.SetTelemetry(fakeTelemetry{pct: 50})
	if d := e.Evaluate(ctx, models.ResourceMemory, 1, EvalContext{}); d.RequiresConfirmation {
		t.Fatalf("below threshold: %+v", d)
	}

	e.SetTelemetry(fakeTelemetry{pct: 90})
	d := e.Evaluate(ctx, models.ResourceMemory, 1, EvalContext{})
	if !d.Allowed || !d.RequiresConfirmation || !strings.Contains(d.Reason, "emergency threshold") {
		t.Fatalf("at threshold: %+v", d)
	}

	e.SetTelemetry(fakeTelemetry{err: errors.New("no procfs")})
	if d := e.Evaluate(ctx, models.ResourceMemory, 1, EvalContext{}); d.RequiresConfirmation {
		t.Fatalf("telemetry error should be ignored: %+v", d)
	}
}

func TestEvaluateRejectsNegativeQuantity(t *testing.T) {
	e, _ := newEngine(t, nil)
	if d := e.Evaluate(context.Background(), models.ResourceCPU, -1, EvalContext{}); d.Allowed {
		t.Fatalf("negative quantity allowed: %+v", d)
	}
}
