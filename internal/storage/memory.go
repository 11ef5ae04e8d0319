package storage

import (
	"context"
	"sync"

	"github.com/org/agentwarden/pkg/models"
)

// MemoryBackend is a process-local StateBackend. State does not survive a restart.
type MemoryBackend struct {
	mu     sync.Mutex
	quotas map[string]int64
	audit  []*models.AuditEntry
	nextID int64
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{quotas: map[string]int64{}}
}

func quotaKey(kind, day string) string {
	return kind + "|" + day
}

func (m *MemoryBackend) IncrementQuota(_ context.Context, kind, day string, n, limit int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := quotaKey(kind, day)
	cur := m.quotas[key]
	if limit > 0 && cur+n > limit {
		return cur, false, nil
	}
	cur += n
	m.quotas[key] = cur
	return cur, true, nil
}

func (m *MemoryBackend) GetQuota(_ context.Context, kind, day string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quotas[quotaKey(kind, day)], nil
}

func (m *MemoryBackend) WriteAuditEntry(_ context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cp := *entry
	cp.ID = m.nextID
	entry.ID = cp.ID
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MemoryBackend) QueryAuditLog(_ context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		if filter.matches(m.audit[i]) {
			cp := *m.audit[i]
			out = append(out, &cp)
		}
	}
	return filter.page(out), nil
}

func (m *MemoryBackend) Close() error { return nil }
