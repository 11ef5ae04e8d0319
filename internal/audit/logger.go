package audit

import (
	"context"
	"time"

	"github.com/org/agentwarden/internal/events"
	"github.com/org/agentwarden/internal/storage"
	"github.com/org/agentwarden/pkg/models"
	"github.com/rs/zerolog/log"
)

// Writer is the persistence the Logger needs.
type Writer interface {
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error)
}

// Logger writes structured audit entries and mirrors domain events to a publisher.
type Logger struct {
	store Writer
	pub   events.Publisher
	now   func() time.Time
}

// NewLogger creates an audit Logger. pub may be nil.
func NewLogger(store Writer, pub events.Publisher) *Logger {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Logger{store: store, pub: pub, now: time.Now}
}

type ctxKey struct{}

// WithRequestID attaches the inbound request id so entries recorded further
// down the call chain can be correlated.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// RequestID returns the request id attached to ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Record stores entry and publishes it as an event. Storage failures are
// logged, never returned: an audit hiccup must not change a decision.
func (l *Logger) Record(ctx context.Context, entry *models.AuditEntry) {
	if l == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}
	if entry.RequestID == "" {
		entry.RequestID = RequestID(ctx)
	}
	if err := l.store.WriteAuditEntry(ctx, entry); err != nil {
		auditFailures.Inc()
		log.Error().Err(err).Str("event", entry.Event).Msg("audit write failed")
	}
	if entry.Event != models.EventHTTPRequest {
		l.pub.Publish(ctx, events.NewEvent(entry.Event, entry))
	}
}

// LogRequest records an API request to the audit log.
func (l *Logger) LogRequest(ctx context.Context, entry *models.AuditEntry) {
	entry.Event = models.EventHTTPRequest
	l.Record(ctx, entry)
}

// Query retrieves paginated audit log entries.
func (l *Logger) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error) {
	return l.store.QueryAuditLog(ctx, filter)
}
