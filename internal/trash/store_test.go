package trash

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/org/agentwarden/internal/policy"
	"github.com/org/agentwarden/pkg/models"
)

type staticPolicy struct{ p *models.SecurityPolicy }

func (s staticPolicy) Current() *models.SecurityPolicy { return s.p }

func newTestStore(t *testing.T, permanent bool) (*Store, string) {
	t.Helper()
	p := policy.Default()
	p.Recovery.PermanentDelete = permanent
	s, err := NewStore(filepath.Join(t.TempDir(), "trash"), staticPolicy{p}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s, t.TempDir()
}

func writeTestFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readTestFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestMoveAndRestoreRoundTrip(t *testing.T) {
	s, work := newTestStore(t, false)
	ctx := context.Background()
	path := filepath.Join(work, "notes.txt")
	writeTestFile(t, path, "hello trash")

	entry, err := s.MoveToTrash(ctx, path, false, "agent")
	if err != nil {
		t.Fatal(err)
	}
	if exists(path) {
		t.Fatal("file still at original path")
	}
	if !entry.Recoverable || entry.Permanent || entry.SizeBytes != int64(len("hello trash")) {
		t.Fatalf("entry = %+v", entry)
	}
	if !validID(entry.TrashID) {
		t.Fatalf("bad id %q", entry.TrashID)
	}

	got, err := s.Restore(ctx, entry.TrashID, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if got != path {
		t.Fatalf("restored to %s, want %s", got, path)
	}
	if readTestFile(t, path) != "hello trash" {
		t.Fatal("content changed")
	}

	e, err := s.Get(entry.TrashID)
	if err != nil {
		t.Fatal(err)
	}
	if e.RestoredAt == nil || e.RestoredTo != path {
		t.Fatalf("restore not recorded: %+v", e)
	}
	list, _ := s.List(ctx)
	if len(list) != 1 {
		t.Fatalf("restored entry should stay listed, got %d", len(list))
	}

	if _, err := s.Restore(ctx, entry.TrashID, "admin"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second restore: %v", err)
	}
}

func TestRestoreNeverOverwrites(t *testing.T) {
	s, work := newTestStore(t, false)
	ctx := context.Background()
	path := filepath.Join(work, "report.csv")
	writeTestFile(t, path, "original")

	entry, err := s.MoveToTrash(ctx, path, false, "agent")
	if err != nil {
		t.Fatal(err)
	}
	writeTestFile(t, path, "recreated")

	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }
	got, err := s.Restore(ctx, entry.TrashID, "admin")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(work, "report_restored_1700000000.csv")
	if got != want {
		t.Fatalf("restored to %s, want %s", got, want)
	}
	if readTestFile(t, path) != "recreated" {
		t.Fatal("recreated file was touched")
	}
	if readTestFile(t, got) != "original" {
		t.Fatal("original content lost")
	}
}

func TestConflictPathAddsCounter(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(42, 0)
	base := filepath.Join(dir, "a.txt")
	writeTestFile(t, filepath.Join(dir, "a_restored_42.txt"), "x")
	if got := conflictPath(base, now); got != filepath.Join(dir, "a_restored_42_1.txt") {
		t.Fatalf("got %s", got)
	}
	if got := conflictPath(filepath.Join(dir, ".env"), now); got != filepath.Join(dir, ".env_restored_42") {
		t.Fatalf("dotfile: got %s", got)
	}
}

func TestPermanentDeleteForbiddenLeavesFile(t *testing.T) {
	s, work := newTestStore(t, false)
	path := filepath.Join(work, "keep.txt")
	writeTestFile(t, path, "keep me")

	_, err := s.MoveToTrash(context.Background(), path, true, "agent")
	if !errors.Is(err, ErrPolicy) {
		t.Fatalf("expected ErrPolicy, got %v", err)
	}
	if readTestFile(t, path) != "keep me" {
		t.Fatal("file moved despite policy error")
	}
	if list, _ := s.List(context.Background()); len(list) != 0 {
		t.Fatalf("unexpected entries %v", list)
	}
}

func TestPermanentEntryIsUnrecoverable(t *testing.T) {
	s, work := newTestStore(t, true)
	path := filepath.Join(work, "gone.txt")
	writeTestFile(t, path, "bye")

	entry, err := s.MoveToTrash(context.Background(), path, true, "agent")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Recoverable || !entry.Permanent {
		t.Fatalf("entry = %+v", entry)
	}
	if _, err := s.Restore(context.Background(), entry.TrashID, "admin"); !errors.Is(err, ErrPolicy) {
		t.Fatalf("expected ErrPolicy, got %v", err)
	}
}

func TestMoveMissingPath(t *testing.T) {
	s, work := newTestStore(t, false)
	_, err := s.MoveToTrash(context.Background(), filepath.Join(work, "nope"), false, "agent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMoveRejectsTrashArea(t *testing.T) {
	s, _ := newTestStore(t, false)
	ctx := context.Background()
	if _, err := s.MoveToTrash(ctx, s.Root(), false, "agent"); !errors.Is(err, ErrPolicy) {
		t.Fatalf("trash root: %v", err)
	}
	if _, err := s.MoveToTrash(ctx, filepath.Dir(s.Root()), false, "agent"); !errors.Is(err, ErrPolicy) {
		t.Fatalf("parent of trash root: %v", err)
	}
}

func TestRestoreUnknownOrMalformedID(t *testing.T) {
	s, _ := newTestStore(t, false)
	ctx := context.Background()
	for _, id := range []string{"", "../../etc", strings.Repeat("a", idLen)} {
		if _, err := s.Restore(ctx, id, "admin"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("id %q: %v", id, err)
		}
	}
}

func TestDirectoryRoundTrip(t *testing.T) {
	s, work := newTestStore(t, false)
	ctx := context.Background()
	dir := filepath.Join(work, "project")
	writeTestFile(t, filepath.Join(dir, "a.txt"), "aa")
	writeTestFile(t, filepath.Join(dir, "sub", "b.txt"), "bbb")

	entry, err := s.MoveToTrash(ctx, dir, false, "agent")
	if err != nil {
		t.Fatal(err)
	}
	if !entry.IsDir || entry.SizeBytes != 5 {
		t.Fatalf("entry = %+v", entry)
	}
	if _, err := s.Restore(ctx, entry.TrashID, "admin"); err != nil {
		t.Fatal(err)
	}
	if readTestFile(t, filepath.Join(dir, "sub", "b.txt")) != "bbb" {
		t.Fatal("nested content lost")
	}
}

func TestListNewestFirst(t *testing.T) {
	s, work := newTestStore(t, false)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		s.now = func() time.Time { return at }
		p := filepath.Join(work, fmt.Sprintf("f%d", i))
		writeTestFile(t, p, "x")
		if _, err := s.MoveToTrash(ctx, p, false, "agent"); err != nil {
			t.Fatal(err)
		}
	}
	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].Name != "f2" || list[2].Name != "f0" {
		t.Fatalf("order = %v", names(list))
	}
}

func names(es []models.TrashEntry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Name
	}
	return out
}

func TestEmptyZeroErasesEverything(t *testing.T) {
	s, work := newTestStore(t, false)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p := filepath.Join(work, fmt.Sprintf("f%d", i))
		writeTestFile(t, p, "x")
		if _, err := s.MoveToTrash(ctx, p, false, "agent"); err != nil {
			t.Fatal(err)
		}
	}
	zero := 0
	n, err := s.Empty(ctx, &zero, "admin")
	if err != nil || n != 3 {
		t.Fatalf("erased %d, %v", n, err)
	}
	if list, _ := s.List(ctx); len(list) != 0 {
		t.Fatalf("entries survived: %v", names(list))
	}
}

func TestEmptyMixedAges(t *testing.T) {
	s, work := newTestStore(t, false)
	ctx := context.Background()
	now := time.Date(2026, 6, 30, 12, 0, 0, 0, time.UTC)
	ages := map[string]int{"old": 40, "edge": 30, "recent": 2}
	for name, days := range ages {
		at := now.Add(-time.Duration(days) * 24 * time.Hour)
		s.now = func() time.Time { return at }
		p := filepath.Join(work, name)
		writeTestFile(t, p, name)
		if _, err := s.MoveToTrash(ctx, p, false, "agent"); err != nil {
			t.Fatal(err)
		}
	}
	s.now = func() time.Time { return now }

	// Policy retention is 30 days; an entry exactly at the cutoff is erased.
	n, err := s.Empty(ctx, nil, "system")
	if err != nil || n != 2 {
		t.Fatalf("erased %d, %v", n, err)
	}
	list, _ := s.List(ctx)
	if len(list) != 1 || list[0].Name != "recent" {
		t.Fatalf("remaining = %v", names(list))
	}
	if _, err := s.Restore(ctx, list[0].TrashID, "admin"); err != nil {
		t.Fatalf("preserved entry not restorable: %v", err)
	}
}

func TestEmptyRejectsNegative(t *testing.T) {
	s, _ := newTestStore(t, false)
	neg := -1
	if _, err := s.Empty(context.Background(), &neg, "admin"); err == nil {
		t.Fatal("expected error")
	}
}

func TestConcurrentMovesKeepIndexIntact(t *testing.T) {
	s, work := newTestStore(t, false)
	ctx := context.Background()
	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		p := filepath.Join(work, fmt.Sprintf("c%02d", i))
		writeTestFile(t, p, "x")
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			if _, err := s.MoveToTrash(ctx, p, false, "agent"); err != nil {
				t.Error(err)
			}
		}(p)
	}
	wg.Wait()

	list, _ := s.List(ctx)
	if len(list) != n {
		t.Fatalf("listed %d entries, want %d", len(list), n)
	}

	f, err := os.Open(filepath.Join(s.Root(), indexFile))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec indexRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("corrupt index line %q: %v", sc.Text(), err)
		}
		lines++
	}
	if lines != n {
		t.Fatalf("index has %d lines, want %d", lines, n)
	}
}

func TestSameNameDeletionsDoNotCollide(t *testing.T) {
	s, work := newTestStore(t, false)
	ctx := context.Background()
	path := filepath.Join(work, "same.txt")
	ids := map[string]bool{}
	for i := 0; i < 3; i++ {
		writeTestFile(t, path, fmt.Sprintf("v%d", i))
		e, err := s.MoveToTrash(ctx, path, false, "agent")
		if err != nil {
			t.Fatal(err)
		}
		ids[e.TrashID] = true
	}
	if len(ids) != 3 {
		t.Fatalf("ids collided: %v", ids)
	}
}

func TestSweeperUsesPolicyRetention(t *testing.T) {
	s, work := newTestStore(t, false)
	ctx := context.Background()
	p := filepath.Join(work, "stale")
	writeTestFile(t, p, "x")
	old := time.Now().Add(-45 * 24 * time.Hour)
	s.now = func() time.Time { return old }
	if _, err := s.MoveToTrash(ctx, p, false, "agent"); err != nil {
		t.Fatal(err)
	}
	s.now = time.Now

	sw := NewSweeper(s, time.Hour)
	if n := sw.SweepOnce(ctx); n != 1 {
		t.Fatalf("swept %d", n)
	}

	sw.Start(ctx)
	sw.Stop()
}

func TestSweeperDisabledAtZeroRetention(t *testing.T) {
	p := policy.Default()
	p.Recovery.TrashRetentionDays = 0
	s, err := NewStore(t.TempDir(), staticPolicy{p}, nil)
	if err != nil {
		t.Fatal(err)
	}
	work := t.TempDir()
	path := filepath.Join(work, "f")
	writeTestFile(t, path, "x")
	if _, err := s.MoveToTrash(context.Background(), path, false, "agent"); err != nil {
		t.Fatal(err)
	}
	if n := NewSweeper(s, time.Hour).SweepOnce(context.Background()); n != 0 {
		t.Fatalf("sweeper erased %d with retention 0", n)
	}
}
