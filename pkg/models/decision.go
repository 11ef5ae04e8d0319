package models

import "time"

// ACLDecision is the outcome of evaluating a proposed action. It is a value:
// a new decision is a new value, never an edit of an old one.
type ACLDecision struct {
	Allowed              bool    `json:"allowed"`
	Reason               string  `json:"reason"`
	RequiresConfirmation bool    `json:"requires_confirmation"`
	Kind                 string  `json:"kind,omitempty"`
	Quantity             float64 `json:"quantity,omitempty"`
	PolicyVersion        int64   `json:"policy_version,omitempty"`
	// DecisionID is set by the engine on decisions that need confirmation.
	DecisionID string `json:"decision_id,omitempty"`
}

// Resolution is the state of a pending confirmation.
type Resolution string

const (
	Unresolved Resolution = "unresolved"
	Approved   Resolution = "approved"
	Denied     Resolution = "denied"
	Expired    Resolution = "expired"
)

// IsTerminal reports whether no further transition is possible.
func (r Resolution) IsTerminal() bool {
	return r == Approved || r == Denied || r == Expired
}

// PendingConfirmation tracks one decision awaiting a human answer.
type PendingConfirmation struct {
	OperationID string      `json:"operation_id"`
	Decision    ACLDecision `json:"decision"`
	CreatedAt   time.Time   `json:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	Resolution  Resolution  `json:"resolution"`
	ResolvedAt  *time.Time  `json:"resolved_at,omitempty"`
	ResolvedBy  string      `json:"resolved_by,omitempty"`
}

// QuotaCounter is the usage of one operation kind on one UTC day.
type QuotaCounter struct {
	OpKind string `json:"op_kind"`
	Day    string `json:"day"`
	Count  int64  `json:"count"`
}
