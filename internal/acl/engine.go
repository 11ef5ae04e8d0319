// Package acl decides whether a proposed agent action may proceed and runs
// the human confirmation workflow for actions that need one.
package acl

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/org/agentwarden/internal/quota"
	"github.com/org/agentwarden/pkg/models"
	"github.com/rs/zerolog/log"
)

// Decision reasons.
const (
	ReasonAllowed              = "allowed by policy"
	ReasonRequiresConfirmation = "policy requires confirmation"
	ReasonQuotaExceeded        = "quota exceeded"
	ReasonQuotaUnavailable     = "quota unavailable"
	ReasonNoPolicy             = "no security policy loaded"
)

// PolicySource supplies the active policy snapshot.
type PolicySource interface {
	Current() *models.SecurityPolicy
}

// QuotaConsumer is the atomic check-and-increment the engine needs.
type QuotaConsumer interface {
	Consume(ctx context.Context, kind string, n, limit int64) (quota.Result, error)
}

// Telemetry reports live utilization (0-100) for a resource kind.
type Telemetry interface {
	UtilizationPercent(kind string) (float64, error)
}

// Recorder receives audit entries.
type Recorder interface {
	Record(ctx context.Context, entry *models.AuditEntry)
}

// EvalContext describes who is asking and for what. It is recorded with
// the decision.
type EvalContext struct {
	Actor    string         `json:"actor,omitempty"`
	TaskID   string         `json:"task_id,omitempty"`
	Path     string         `json:"path,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Engine evaluates actions against the active policy and daily quotas.
type Engine struct {
	policies PolicySource
	quotas   QuotaConsumer
	audit    Recorder

	telMu     sync.RWMutex
	telemetry Telemetry

	now       func() time.Time
	retention time.Duration

	mu      sync.Mutex
	pending map[string]*entry
	issued  map[string]issuedDecision
	closed  bool
}

// issuedDecision is a confirmable decision produced by Evaluate and not yet
// turned into a confirmation request.
type issuedDecision struct {
	d  models.ACLDecision
	at time.Time
}

// NewEngine returns an Engine. audit may be nil.
func NewEngine(policies PolicySource, quotas QuotaConsumer, audit Recorder) *Engine {
	return &Engine{
		policies:  policies,
		quotas:    quotas,
		audit:     audit,
		now:       time.Now,
		retention: 10 * time.Minute,
		pending:   map[string]*entry{},
		issued:    map[string]issuedDecision{},
	}
}

// SetTelemetry installs the utilization source used for emergency thresholds.
func (e *Engine) SetTelemetry(t Telemetry) {
	e.telMu.Lock()
	e.telemetry = t
	e.telMu.Unlock()
}

// SetResolvedRetention controls how long terminal confirmations stay queryable.
func (e *Engine) SetResolvedRetention(d time.Duration) {
	e.mu.Lock()
	e.retention = d
	e.mu.Unlock()
}

// Evaluate decides whether quantity units of kind may be used. Denials are
// returned as decisions, never as errors. Daily quota is consumed when the
// decision allows the action, including when it still needs confirmation.
func (e *Engine) Evaluate(ctx context.Context, kind string, quantity float64, ectx EvalContext) models.ACLDecision {
	d := e.evaluate(ctx, kind, quantity)
	if d.Allowed && d.RequiresConfirmation {
		d.DecisionID = newDecisionID()
		e.mu.Lock()
		e.issued[d.DecisionID] = issuedDecision{d: d, at: e.now()}
		e.mu.Unlock()
	}
	e.recordDecision(ctx, d, ectx)
	return d
}

func newDecisionID() string {
	return "dec_" + uuid.NewString()
}

func (e *Engine) evaluate(ctx context.Context, kind string, quantity float64) models.ACLDecision {
	d := models.ACLDecision{Kind: kind, Quantity: quantity}

	p := e.policies.Current()
	if p == nil || p.ACLRules == nil {
		d.Reason = ReasonNoPolicy
		return d
	}
	d.PolicyVersion = p.Version

	if quantity < 0 || math.IsNaN(quantity) || math.IsInf(quantity, 0) {
		d.Reason = fmt.Sprintf("invalid quantity %v", quantity)
		return d
	}

	var (
		requireConfirmation bool
		dailyLimit          *int64
		units               int64 = 1
		emergencyThreshold  *float64
	)

	if models.IsFileOperation(kind) {
		rule, ok := p.ACLRules.FileOperations[kind]
		if !ok {
			d.Reason = "no policy rule for " + kind
			return d
		}
		if !rule.IsAllowed() {
			d.Reason = "policy denies " + kind
			return d
		}
		requireConfirmation = rule.RequireConfirmation
		dailyLimit = rule.MaxDailyOperations
		if quantity > 1 {
			units = int64(math.Ceil(quantity))
		}
	} else {
		rule, ok := p.ACLRules.ResourceAccess[kind]
		if !ok {
			d.Reason = "no policy rule for " + kind
			return d
		}
		if !rule.IsAllowed() {
			d.Reason = "policy denies " + kind
			return d
		}
		if limit, ok := rule.Limit(); ok && quantity > limit {
			d.Reason = ReasonQuotaExceeded
			return d
		}
		requireConfirmation = rule.RequireConfirmation
		dailyLimit = rule.MaxDailyOperations
		emergencyThreshold = rule.EmergencyThreshold
	}

	if dailyLimit != nil {
		res, err := e.quotas.Consume(ctx, kind, units, *dailyLimit)
		if err != nil {
			log.Error().Err(err).Str("kind", kind).Msg("quota check failed, denying")
			d.Reason = ReasonQuotaUnavailable
			return d
		}
		if !res.Allowed {
			d.Reason = ReasonQuotaExceeded
			return d
		}
	}

	d.Allowed = true
	d.Reason = ReasonAllowed

	if requireConfirmation {
		d.RequiresConfirmation = true
		d.Reason = ReasonRequiresConfirmation
		return d
	}
	if emergencyThreshold != nil {
		if reason, crossed := e.emergency(kind, *emergencyThreshold); crossed {
			d.RequiresConfirmation = true
			d.Reason = reason
		}
	}
	return d
}

// emergency reports whether live utilization of kind is at or above threshold.
func (e *Engine) emergency(kind string, threshold float64) (string, bool) {
	e.telMu.RLock()
	tel := e.telemetry
	e.telMu.RUnlock()
	if tel == nil {
		return "", false
	}
	util, err := tel.UtilizationPercent(kind)
	if err != nil {
		log.Warn().Err(err).Str("kind", kind).Msg("utilization unavailable, emergency threshold skipped")
		return "", false
	}
	if util < threshold {
		return "", false
	}
	return fmt.Sprintf("%s utilization %.1f%% at or above emergency threshold %.0f%%", kind, util, threshold), true
}

func outcomeOf(d models.ACLDecision) string {
	switch {
	case !d.Allowed:
		return "denied"
	case d.RequiresConfirmation:
		return "confirmation_required"
	default:
		return "allowed"
	}
}

func (e *Engine) recordDecision(ctx context.Context, d models.ACLDecision, ectx EvalContext) {
	outcome := outcomeOf(d)
	decisionsTotal.WithLabelValues(d.Kind, outcome).Inc()

	log.Debug().
		Str("kind", d.Kind).
		Float64("quantity", d.Quantity).
		Str("actor", ectx.Actor).
		Str("outcome", outcome).
		Str("reason", d.Reason).
		Msg("acl decision")

	if e.audit == nil {
		return
	}
	meta := map[string]any{"quantity": d.Quantity}
	if d.DecisionID != "" {
		meta["decision_id"] = d.DecisionID
	}
	if ectx.TaskID != "" {
		meta["task_id"] = ectx.TaskID
	}
	for k, v := range ectx.Metadata {
		if _, taken := meta[k]; !taken {
			meta[k] = v
		}
	}
	e.audit.Record(ctx, &models.AuditEntry{
		Actor:         ectx.Actor,
		Event:         models.EventDecision,
		Kind:          d.Kind,
		Target:        ectx.Path,
		Outcome:       outcome,
		Reason:        d.Reason,
		PolicyVersion: d.PolicyVersion,
		Metadata:      meta,
	})
}
