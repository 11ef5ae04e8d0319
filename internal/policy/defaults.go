package policy

import "github.com/org/agentwarden/pkg/models"

func boolPtr(b bool) *bool { return &b }
func floatPtr(f float64) *float64 { return &f }
func int64Ptr(n int64) *int64 { return &n }

// Default returns the policy a freshly provisioned user starts with.
func Default() *models.SecurityPolicy {
	return &models.SecurityPolicy{
		ProtectionLevel: "standard",
		ResourceAllocation: &models.ResourceAllocation{
			RAMGB:         8,
			CPUCores:      4,
			MemoryLimitMB: 8192,
			GPUMemoryGB:   0,
		},
		ACLRules: &models.ACLRules{
			ResourceAccess: map[string]models.ResourceRule{
				models.ResourceMemory: {
					MaxGB:               floatPtr(8),
					RequireConfirmation: true,
					EmergencyThreshold:  floatPtr(95),
				},
				models.ResourceCPU: {
					MaxCores: floatPtr(4),
				},
				models.ResourceDisk: {
					MaxDailyOperations: int64Ptr(1000),
				},
			},
			FileOperations: map[string]models.FileRule{
				models.OpCreate: {Allowed: boolPtr(true)},
				models.OpDelete: {Allowed: boolPtr(true), RequireConfirmation: true, MaxDailyOperations: int64Ptr(100)},
				models.OpModify: {Allowed: boolPtr(true)},
				models.OpRead:   {Allowed: boolPtr(true)},
			},
			ConfirmationMethods: &models.ConfirmationMethods{UIModal: true, TimeoutSeconds: 60},
		},
		Recovery: &models.Recovery{
			TrashRetentionDays: 30,
			PermanentDelete:    false,
			BackupEnabled:      true,
		},
	}
}
