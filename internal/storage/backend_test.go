package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/org/agentwarden/pkg/models"
	"github.com/redis/go-redis/v9"
)

func newSQLite(t *testing.T) StateBackend {
	t.Helper()
	b, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newRedis(t *testing.T) StateBackend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBackendFromClient(client)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func backends(t *testing.T) map[string]StateBackend {
	return map[string]StateBackend{
		"memory": NewMemoryBackend(),
		"sqlite": newSQLite(t),
		"redis":  newRedis(t),
	}
}

func TestIncrementQuota_RespectsLimit(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := int64(1); i <= 3; i++ {
				got, ok, err := b.IncrementQuota(ctx, "delete", "2026-01-02", 1, 3)
				if err != nil || !ok || got != i {
					t.Fatalf("increment %d: got=%d ok=%v err=%v", i, got, ok, err)
				}
			}
			got, ok, err := b.IncrementQuota(ctx, "delete", "2026-01-02", 1, 3)
			if err != nil {
				t.Fatal(err)
			}
			if ok || got != 3 {
				t.Fatalf("expected refusal at 3, got=%d ok=%v", got, ok)
			}

			// A different day is a separate counter.
			got, ok, _ = b.IncrementQuota(ctx, "delete", "2026-01-03", 1, 3)
			if !ok || got != 1 {
				t.Fatalf("next day: got=%d ok=%v", got, ok)
			}

			cur, err := b.GetQuota(ctx, "delete", "2026-01-02")
			if err != nil || cur != 3 {
				t.Fatalf("GetQuota: %d %v", cur, err)
			}
		})
	}
}

func TestIncrementQuota_Unlimited(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				if _, ok, err := b.IncrementQuota(ctx, "read", "2026-01-02", 10, 0); !ok || err != nil {
					t.Fatalf("unlimited increment refused: ok=%v err=%v", ok, err)
				}
			}
			cur, _ := b.GetQuota(ctx, "read", "2026-01-02")
			if cur != 50 {
				t.Errorf("expected 50, got %d", cur)
			}
		})
	}
}

func TestIncrementQuota_OversizedRequestLeavesCounter(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b.IncrementQuota(ctx, "modify", "2026-01-02", 2, 5) //nolint:errcheck
			got, ok, err := b.IncrementQuota(ctx, "modify", "2026-01-02", 9, 5)
			if err != nil || ok || got != 2 {
				t.Fatalf("got=%d ok=%v err=%v", got, ok, err)
			}
		})
	}
}

func TestIncrementQuota_ConcurrentNoOvershoot(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			const limit = 10
			var wg sync.WaitGroup
			var mu sync.Mutex
			applied := 0
			for i := 0; i < 40; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, ok, err := b.IncrementQuota(ctx, "create", "2026-01-02", 1, limit)
					if err != nil {
						t.Error(err)
						return
					}
					if ok {
						mu.Lock()
						applied++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if applied != limit {
				t.Errorf("applied %d increments, want %d", applied, limit)
			}
			cur, _ := b.GetQuota(ctx, "create", "2026-01-02")
			if cur != limit {
				t.Errorf("counter=%d, want %d", cur, limit)
			}
		})
	}
}

func TestAuditLog_QueryNewestFirstWithFilters(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			events := []string{models.EventDecision, models.EventTrashed, models.EventDecision, models.EventRestored}
			for i, ev := range events {
				e := &models.AuditEntry{
					Timestamp: base.Add(time.Duration(i) * time.Minute),
					Event:     ev,
					Kind:      "delete",
					Outcome:   "allowed",
					Metadata:  map[string]any{"i": i},
				}
				if err := b.WriteAuditEntry(ctx, e); err != nil {
					t.Fatalf("write: %v", err)
				}
				if e.ID == 0 {
					t.Fatalf("expected id to be assigned")
				}
			}

			all, err := b.QueryAuditLog(ctx, AuditFilter{})
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 4 || all[0].Event != models.EventRestored {
				t.Fatalf("unexpected order: %+v", all)
			}

			decisions, _ := b.QueryAuditLog(ctx, AuditFilter{Event: models.EventDecision})
			if len(decisions) != 2 {
				t.Errorf("expected 2 decisions, got %d", len(decisions))
			}

			since := base.Add(2 * time.Minute)
			recent, _ := b.QueryAuditLog(ctx, AuditFilter{Since: &since})
			if len(recent) != 2 {
				t.Errorf("expected 2 recent entries, got %d", len(recent))
			}

			page, _ := b.QueryAuditLog(ctx, AuditFilter{Limit: 1, Offset: 1})
			if len(page) != 1 || page[0].Event != models.EventDecision {
				t.Errorf("unexpected page: %+v", page)
			}
		})
	}
}

func TestSQLite_ReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/warden.db"
	b, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	b.IncrementQuota(ctx, "delete", "2026-01-02", 4, 100) //nolint:errcheck
	b.Close()

	b, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	cur, err := b.GetQuota(ctx, "delete", "2026-01-02")
	if err != nil || cur != 4 {
		t.Fatalf("after reopen: %d %v", cur, err)
	}
}

func TestParseMigrationVersion(t *testing.T) {
	cases := map[string]int{"0001_init.sql": 1, "0012_more.sql": 12, "0000_x.sql": 0}
	for in, want := range cases {
		got, err := parseMigrationVersion(in)
		if err != nil || got != want {
			t.Errorf("%s: got %d err %v", in, got, err)
		}
	}
	if _, err := parseMigrationVersion("abc_x.sql"); err == nil {
		t.Error("expected error for non-numeric prefix")
	}
}
