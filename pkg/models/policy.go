package models

import "time"

// File operation kinds evaluated against acl_rules.file_operations.
const (
	OpCreate = "create"
	OpDelete = "delete"
	OpModify = "modify"
	OpRead   = "read"
)

// Resource kinds evaluated against acl_rules.resource_access.
const (
	ResourceCPU     = "cpu"
	ResourceMemory  = "memory"
	ResourceDisk    = "disk"
	ResourceNetwork = "network"
)

// DefaultConfirmationTimeout applies when the policy omits confirmation_methods.
const DefaultConfirmationTimeout = 60 * time.Second

// IsFileOperation reports whether kind is governed by file_operations rules.
func IsFileOperation(kind string) bool {
	switch kind {
	case OpCreate, OpDelete, OpModify, OpRead:
		return true
	}
	return false
}

// ResourceAllocation is the resource budget the governor enforces on the process.
type ResourceAllocation struct {
	RAMGB         float64 `json:"ram_gb" yaml:"ram_gb" validate:"gt=0"`
	CPUCores      int     `json:"cpu_cores" yaml:"cpu_cores" validate:"gt=0"`
	MemoryLimitMB int64   `json:"memory_limit_mb" yaml:"memory_limit_mb" validate:"gt=0"`
	GPUMemoryGB   float64 `json:"gpu_memory_gb" yaml:"gpu_memory_gb" validate:"gte=0"`
}

// ResourceRule governs a resource kind (cpu, memory, disk, network).
// max_gb and max_cores are accepted as aliases of max_quantity.
type ResourceRule struct {
	Allowed             *bool    `json:"allowed,omitempty" yaml:"allowed,omitempty"`
	MaxQuantity         *float64 `json:"max_quantity,omitempty" yaml:"max_quantity,omitempty" validate:"omitempty,gte=0"`
	MaxGB               *float64 `json:"max_gb,omitempty" yaml:"max_gb,omitempty" validate:"omitempty,gte=0"`
	MaxCores            *float64 `json:"max_cores,omitempty" yaml:"max_cores,omitempty" validate:"omitempty,gte=0"`
	RequireConfirmation bool     `json:"require_confirmation" yaml:"require_confirmation"`
	EmergencyThreshold  *float64 `json:"emergency_threshold,omitempty" yaml:"emergency_threshold,omitempty" validate:"omitempty,gt=0,lte=100"`
	MaxDailyOperations  *int64   `json:"max_daily_operations,omitempty" yaml:"max_daily_operations,omitempty" validate:"omitempty,gte=0"`
	BlockedExtensions   []string `json:"blocked_extensions,omitempty" yaml:"blocked_extensions,omitempty"`
	AllowedDomains      []string `json:"allowed_domains,omitempty" yaml:"allowed_domains,omitempty"`
}

// IsAllowed reports the rule's allow flag. Resource rules default to allowed.
func (r ResourceRule) IsAllowed() bool {
	return r.Allowed == nil || *r.Allowed
}

// Limit returns the per-request quantity ceiling, if any.
func (r ResourceRule) Limit() (float64, bool) {
	for _, v := range []*float64{r.MaxQuantity, r.MaxGB, r.MaxCores} {
		if v != nil {
			return *v, true
		}
	}
	return 0, false
}

// FileRule governs a file operation kind (create, delete, modify, read).
type FileRule struct {
	Allowed             *bool  `json:"allowed" yaml:"allowed" validate:"required"`
	RequireConfirmation bool   `json:"require_confirmation" yaml:"require_confirmation"`
	MaxDailyOperations  *int64 `json:"max_daily_operations,omitempty" yaml:"max_daily_operations,omitempty" validate:"omitempty,gte=0"`
}

// IsAllowed reports the rule's allow flag.
func (r FileRule) IsAllowed() bool {
	return r.Allowed != nil && *r.Allowed
}

// ConfirmationMethods configures the human confirmation step.
type ConfirmationMethods struct {
	UIModal        bool `json:"ui_modal" yaml:"ui_modal"`
	TimeoutSeconds int  `json:"timeout_seconds" yaml:"timeout_seconds" validate:"gte=0"`
}

// ACLRules is the rule set the decision engine evaluates.
type ACLRules struct {
	ResourceAccess      map[string]ResourceRule `json:"resource_access" yaml:"resource_access" validate:"dive"`
	FileOperations      map[string]FileRule     `json:"file_operations" yaml:"file_operations" validate:"dive"`
	ConfirmationMethods *ConfirmationMethods    `json:"confirmation_methods,omitempty" yaml:"confirmation_methods,omitempty"`
}

// Recovery configures the trash subsystem.
type Recovery struct {
	TrashRetentionDays int  `json:"trash_retention_days" yaml:"trash_retention_days" validate:"gte=0"`
	PermanentDelete    bool `json:"permanent_delete" yaml:"permanent_delete"`
	BackupEnabled      bool `json:"backup_enabled" yaml:"backup_enabled"`
}

// Alerts carries operator notification settings. Informational only.
type Alerts struct {
	Email       string `json:"email,omitempty" yaml:"email,omitempty"`
	Webhook     string `json:"webhook,omitempty" yaml:"webhook,omitempty"`
	EnableSound bool   `json:"enable_sound,omitempty" yaml:"enable_sound,omitempty"`
}

// SecurityPolicy is one immutable snapshot of the policy document.
// A loaded snapshot must never be mutated; derive a new one with Clone.
type SecurityPolicy struct {
	UserID              string               `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	ProtectionLevel     string               `json:"protection_level,omitempty" yaml:"protection_level,omitempty"`
	ResourceAllocation  *ResourceAllocation  `json:"resource_allocation" yaml:"resource_allocation" validate:"required"`
	ACLRules            *ACLRules            `json:"acl_rules" yaml:"acl_rules" validate:"required"`
	Recovery            *Recovery            `json:"recovery" yaml:"recovery" validate:"required"`
	ConfirmationMethods *ConfirmationMethods `json:"confirmation_methods,omitempty" yaml:"confirmation_methods,omitempty"`
	Alerts              *Alerts              `json:"alerts,omitempty" yaml:"alerts,omitempty"`

	Version  int64     `json:"-" yaml:"-"`
	LoadedAt time.Time `json:"-" yaml:"-"`
}

// ConfirmationTimeout returns how long a pending confirmation stays open.
func (p *SecurityPolicy) ConfirmationTimeout() time.Duration {
	cm := p.ConfirmationMethods
	if p.ACLRules != nil && p.ACLRules.ConfirmationMethods != nil {
		cm = p.ACLRules.ConfirmationMethods
	}
	if cm == nil || cm.TimeoutSeconds <= 0 {
		return DefaultConfirmationTimeout
	}
	return time.Duration(cm.TimeoutSeconds) * time.Second
}

// Clone returns a copy whose allocation and recovery sections can be changed
// without touching the receiver. Rule maps are shared.
func (p *SecurityPolicy) Clone() *SecurityPolicy {
	c := *p
	if p.ResourceAllocation != nil {
		alloc := *p.ResourceAllocation
		c.ResourceAllocation = &alloc
	}
	if p.Recovery != nil {
		rec := *p.Recovery
		c.Recovery = &rec
	}
	c.Version = 0
	c.LoadedAt = time.Time{}
	return &c
}
