package models

import "time"

// Audit event names.
const (
	EventDecision              = "acl.decision"
	EventConfirmationRequested = "confirmation.requested"
	EventConfirmationResolved  = "confirmation.resolved"
	EventConfirmationExpired   = "confirmation.expired"
	EventAllocationUpdated     = "resource.allocation_updated"
	EventLimitsApplied         = "resource.limits_applied"
	EventTrashed               = "trash.trashed"
	EventRestored              = "trash.restored"
	EventErased                = "trash.erased"
	EventPolicyLoaded          = "policy.loaded"
	EventHTTPRequest           = "http.request"
)

// AuditEntry records a single auditable event.
type AuditEntry struct {
	ID            int64          `json:"id"`
	RequestID     string         `json:"request_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Actor         string         `json:"actor,omitempty"`
	Event         string         `json:"event"`
	Kind          string         `json:"kind,omitempty"`
	Target        string         `json:"target,omitempty"`
	Outcome       string         `json:"outcome,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	PolicyVersion int64          `json:"policy_version,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}
