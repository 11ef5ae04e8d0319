package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/agentwarden/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// StateBackend defines the persistence interface for the warden's durable state.
type StateBackend interface {
	// Quota counters. IncrementQuota adds n to the (kind, day) counter only if
	// the result stays within limit, as one atomic step. A limit <= 0 means
	// unlimited. It returns the counter value after the call and whether the
	// increment was applied.
	IncrementQuota(ctx context.Context, kind, day string, n, limit int64) (int64, bool, error)
	GetQuota(ctx context.Context, kind, day string) (int64, error)

	// Audit
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)

	// Lifecycle
	Close() error
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	Event  string
	Since  *time.Time
	Limit  int
	Offset int
}

// matches reports whether e passes the event and since filters.
func (f AuditFilter) matches(e *models.AuditEntry) bool {
	if f.Event != "" && e.Event != f.Event {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	return true
}

// page applies offset and limit to a newest-first slice.
func (f AuditFilter) page(entries []*models.AuditEntry) []*models.AuditEntry {
	if f.Offset > 0 {
		if f.Offset >= len(entries) {
			return nil
		}
		entries = entries[f.Offset:]
	}
	if f.Limit > 0 && len(entries) > f.Limit {
		entries = entries[:f.Limit]
	}
	return entries
}
