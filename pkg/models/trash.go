package models

import "time"

// TrashEntry records one reversible deletion held in the trash.
type TrashEntry struct {
	TrashID      string     `json:"trash_id"`
	OriginalPath string     `json:"original_path"`
	Name         string     `json:"name"`
	IsDir        bool       `json:"is_dir"`
	DeletedAt    time.Time  `json:"deleted_at"`
	SizeBytes    int64      `json:"size_bytes"`
	Permanent    bool       `json:"permanent"`
	Recoverable  bool       `json:"recoverable"`
	RestoredAt   *time.Time `json:"restored_at,omitempty"`
	RestoredTo   string     `json:"restored_to,omitempty"`
}
