package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/org/agentwarden/internal/events"
	"github.com/org/agentwarden/internal/storage"
	"github.com/org/agentwarden/pkg/models"
)

type failingWriter struct{}

func (failingWriter) WriteAuditEntry(context.Context, *models.AuditEntry) error {
	return errors.New("disk full")
}

func (failingWriter) QueryAuditLog(context.Context, storage.AuditFilter) ([]*models.AuditEntry, error) {
	return nil, nil
}

func TestRecordStoresAndPublishes(t *testing.T) {
	store := storage.NewMemoryBackend()
	hub := events.NewHub()
	sub := hub.Subscribe(4)
	l := NewLogger(store, hub)

	ctx := WithRequestID(context.Background(), "req-1")
	l.Record(ctx, &models.AuditEntry{Event: models.EventTrashed, Target: "/tmp/a"})

	got, err := l.Query(ctx, storage.AuditFilter{})
	if err != nil || len(got) != 1 {
		t.Fatalf("query: %v %v", got, err)
	}
	if got[0].RequestID != "req-1" || got[0].Timestamp.IsZero() {
		t.Errorf("entry not stamped: %+v", got[0])
	}
	if evt := <-sub; evt.Type != models.EventTrashed {
		t.Errorf("unexpected event %+v", evt)
	}
}

func TestLogRequestIsNotPublished(t *testing.T) {
	hub := events.NewHub()
	sub := hub.Subscribe(4)
	l := NewLogger(storage.NewMemoryBackend(), hub)
	l.LogRequest(context.Background(), &models.AuditEntry{Target: "/v1/trash"})
	if len(sub) != 0 {
		t.Fatal("http request entries should stay out of the event stream")
	}
}

func TestRecordSurvivesStoreFailure(t *testing.T) {
	l := NewLogger(failingWriter{}, nil)
	l.Record(context.Background(), &models.AuditEntry{Event: models.EventDecision})

	var nilLogger *Logger
	nilLogger.Record(context.Background(), &models.AuditEntry{Event: models.EventDecision})
}
