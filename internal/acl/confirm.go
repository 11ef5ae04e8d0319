package acl

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/org/agentwarden/pkg/models"
	"github.com/rs/zerolog/log"
)

// entry is one registry slot. rec is guarded by Engine.mu; done is closed
// exactly once, after the terminal resolution has been audited.
type entry struct {
	rec   models.PendingConfirmation
	done  chan struct{}
	timer *time.Timer
}

// RequestConfirmation registers decision as awaiting a human answer and
// returns its operation id. The decision must be one issued by Evaluate,
// unmodified, and each issued decision can be registered only once. The
// entry expires after the policy's confirmation timeout.
func (e *Engine) RequestConfirmation(ctx context.Context, d models.ACLDecision) (string, error) {
	if !d.Allowed || !d.RequiresConfirmation {
		return "", ErrInvalidDecision
	}
	timeout := models.DefaultConfirmationTimeout
	if p := e.policies.Current(); p != nil {
		timeout = p.ConfirmationTimeout()
	}

	now := e.now().UTC()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", fmt.Errorf("confirmation registry closed")
	}
	iss, ok := e.issued[d.DecisionID]
	if !ok || iss.d != d {
		e.mu.Unlock()
		log.Warn().Str("decision_id", d.DecisionID).Str("kind", d.Kind).Msg("confirmation requested for a decision the engine did not issue")
		return "", fmt.Errorf("%w: not issued by this engine or already used", ErrInvalidDecision)
	}
	delete(e.issued, d.DecisionID)
	id := newOperationID()
	for _, taken := e.pending[id]; taken; _, taken = e.pending[id] {
		id = newOperationID()
	}
	ent := &entry{
		rec: models.PendingConfirmation{
			OperationID: id,
			Decision:    d,
			CreatedAt:   now,
			ExpiresAt:   now.Add(timeout),
			Resolution:  models.Unresolved,
		},
		done: make(chan struct{}),
	}
	ent.timer = time.AfterFunc(timeout, func() { e.expire(id) })
	e.pending[id] = ent
	rec := ent.rec
	e.mu.Unlock()

	pendingGauge.Inc()
	log.Info().
		Str("operation_id", id).
		Str("kind", d.Kind).
		Time("expires_at", rec.ExpiresAt).
		Msg("confirmation requested")
	e.record(ctx, &rec, models.EventConfirmationRequested, "")
	return id, nil
}

func newOperationID() string {
	return "op_" + uuid.NewString()
}

// WaitForConfirmation blocks until the operation is resolved, timeout
// elapses, or ctx is done. It returns true only on approval. Giving up
// leaves the entry in place to expire on its own schedule.
func (e *Engine) WaitForConfirmation(ctx context.Context, id string, timeout time.Duration) (bool, error) {
	e.mu.Lock()
	ent, ok := e.pending[id]
	e.mu.Unlock()
	if !ok {
		return false, ErrNotFound
	}

	select {
	case <-ent.done:
		return e.approved(ent), nil
	default:
	}
	if timeout <= 0 {
		return false, nil
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ent.done:
		return e.approved(ent), nil
	case <-t.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (e *Engine) approved(ent *entry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ent.rec.Resolution == models.Approved
}

// ConfirmOperation resolves id as approved or denied on behalf of actor.
func (e *Engine) ConfirmOperation(ctx context.Context, id string, approved bool, actor string) error {
	res := models.Denied
	if approved {
		res = models.Approved
	}
	return e.resolve(ctx, id, res, actor)
}

func (e *Engine) expire(id string) {
	e.resolve(context.Background(), id, models.Expired, "") //nolint:errcheck
}

// resolve moves an unresolved entry to res. An entry past its deadline is
// expired first, so a late answer reports ErrAlreadyResolved. The terminal
// state is audited before waiters are released.
func (e *Engine) resolve(ctx context.Context, id string, res models.Resolution, actor string) error {
	e.mu.Lock()
	ent, ok := e.pending[id]
	if !ok {
		e.mu.Unlock()
		return ErrNotFound
	}
	if ent.rec.Resolution.IsTerminal() {
		e.mu.Unlock()
		return ErrAlreadyResolved
	}

	now := e.now().UTC()
	late := res != models.Expired && !now.Before(ent.rec.ExpiresAt)
	if late {
		res, actor = models.Expired, ""
	}
	ent.rec.Resolution = res
	ent.rec.ResolvedAt = &now
	ent.rec.ResolvedBy = actor
	ent.timer.Stop()
	rec := ent.rec
	e.mu.Unlock()

	pendingGauge.Dec()
	confirmationsTotal.WithLabelValues(string(res)).Inc()
	// A caller going away must not drop the record of its answer.
	ctx = context.WithoutCancel(ctx)
	if res == models.Expired {
		log.Info().Str("operation_id", id).Msg("confirmation expired")
		e.record(ctx, &rec, models.EventConfirmationExpired, "")
	} else {
		log.Info().
			Str("operation_id", id).
			Str("resolution", string(res)).
			Str("actor", actor).
			Msg("confirmation resolved")
		e.record(ctx, &rec, models.EventConfirmationResolved, actor)
	}
	// Only the caller that made rec terminal reaches here.
	close(ent.done)

	if late {
		return ErrAlreadyResolved
	}
	return nil
}

func (e *Engine) record(ctx context.Context, rec *models.PendingConfirmation, event, actor string) {
	if e.audit == nil {
		return
	}
	e.audit.Record(ctx, &models.AuditEntry{
		Actor:         actor,
		Event:         event,
		Kind:          rec.Decision.Kind,
		Target:        rec.OperationID,
		Outcome:       string(rec.Resolution),
		Reason:        rec.Decision.Reason,
		PolicyVersion: rec.Decision.PolicyVersion,
		Metadata: map[string]any{
			"quantity":   rec.Decision.Quantity,
			"expires_at": rec.ExpiresAt,
		},
	})
}

// PendingConfirmations returns the decisions still awaiting an answer.
// Overdue entries are expired first.
func (e *Engine) PendingConfirmations() map[string]models.ACLDecision {
	e.Sweep(e.now())
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]models.ACLDecision)
	for id, ent := range e.pending {
		if ent.rec.Resolution == models.Unresolved {
			out[id] = ent.rec.Decision
		}
	}
	return out
}

// PendingList returns unresolved confirmations ordered oldest first.
func (e *Engine) PendingList() []models.PendingConfirmation {
	e.Sweep(e.now())
	e.mu.Lock()
	out := make([]models.PendingConfirmation, 0, len(e.pending))
	for _, ent := range e.pending {
		if ent.rec.Resolution == models.Unresolved {
			out = append(out, ent.rec)
		}
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Confirmation returns the record for id, resolved or not.
func (e *Engine) Confirmation(id string) (models.PendingConfirmation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.pending[id]
	if !ok {
		return models.PendingConfirmation{}, ErrNotFound
	}
	return ent.rec, nil
}

// Sweep expires overdue entries and evicts terminal entries, and issued
// decisions never registered, older than the resolved retention.
func (e *Engine) Sweep(now time.Time) {
	var overdue []string
	e.mu.Lock()
	for id, iss := range e.issued {
		if now.Sub(iss.at) > e.retention {
			delete(e.issued, id)
		}
	}
	for id, ent := range e.pending {
		switch {
		case ent.rec.Resolution == models.Unresolved:
			if !now.Before(ent.rec.ExpiresAt) {
				overdue = append(overdue, id)
			}
		case ent.rec.ResolvedAt != nil && now.Sub(*ent.rec.ResolvedAt) > e.retention:
			delete(e.pending, id)
		}
	}
	e.mu.Unlock()
	for _, id := range overdue {
		e.expire(id)
	}
}

// Close stops expiry timers and rejects new confirmation requests. Waiters
// already blocked are left to their own timeouts.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for _, ent := range e.pending {
		ent.timer.Stop()
	}
}
