package acl

import (
	"context"
	"time"

	"github.com/org/agentwarden/pkg/models"
)

// Reasons reported when a confirmation does not end in approval.
const (
	ReasonDeniedByUser = "operation denied by user"
	ReasonExpired      = "confirmation expired"
	ReasonTimedOut     = "confirmation timed out"
)

// GateResult is the combined outcome of evaluating and, when needed,
// waiting for confirmation.
type GateResult struct {
	Decision    models.ACLDecision `json:"decision"`
	OperationID string             `json:"operation_id,omitempty"`
	Approved    bool               `json:"approved"`
	Reason      string             `json:"reason"`
}

// Authorize evaluates the action and, if it needs confirmation and wait is
// positive, requests confirmation and waits up to wait for the answer.
// With wait <= 0 a decision that needs confirmation is returned unapproved
// and no confirmation is requested.
func (e *Engine) Authorize(ctx context.Context, kind string, quantity float64, ectx EvalContext, wait time.Duration) (GateResult, error) {
	d := e.Evaluate(ctx, kind, quantity, ectx)
	return e.Await(ctx, d, wait)
}

// Await runs the confirmation flow for an already evaluated decision.
func (e *Engine) Await(ctx context.Context, d models.ACLDecision, wait time.Duration) (GateResult, error) {
	res := GateResult{Decision: d, Reason: d.Reason}
	switch {
	case !d.Allowed:
		return res, nil
	case !d.RequiresConfirmation:
		res.Approved = true
		return res, nil
	case wait <= 0:
		return res, nil
	}

	id, err := e.RequestConfirmation(ctx, d)
	if err != nil {
		return res, err
	}
	res.OperationID = id

	ok, err := e.WaitForConfirmation(ctx, id, wait)
	if err != nil {
		return res, err
	}
	if ok {
		res.Approved = true
		return res, nil
	}

	rec, err := e.Confirmation(id)
	if err != nil {
		return res, err
	}
	switch rec.Resolution {
	case models.Denied:
		res.Reason = ReasonDeniedByUser
	case models.Expired:
		res.Reason = ReasonExpired
	default:
		res.Reason = ReasonTimedOut
	}
	return res, nil
}
