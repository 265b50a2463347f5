package domain

import (
	"strings"
	"time"
)

// BatchStatus is the lifecycle state of an uploaded batch.
type BatchStatus string

const (
	BatchUploaded  BatchStatus = "uploaded"
	BatchRunning   BatchStatus = "running"
	BatchPaused    BatchStatus = "paused"
	BatchRequeued  BatchStatus = "requeued"
	BatchDuplicate BatchStatus = "duplicate"
	BatchCompleted BatchStatus = "completed"
	BatchDeleted   BatchStatus = "deleted"
)

// Stage names a pipeline stage. The values double as the paused_stage column.
type Stage string

const (
	StageDedupe     Stage = "dedupe"
	StageFilter     Stage = "filter"
	StageValidation Stage = "validation"
	StagePersonal   Stage = "personal"
)

// Stages lists every pausable stage in pipeline order.
var Stages = []Stage{StageDedupe, StageFilter, StageValidation, StagePersonal}

// ParseStage returns the stage named by s (case-insensitive).
func ParseStage(s string) (Stage, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, st := range Stages {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// RoleCollector marks submitters whose verified addresses feed the free pool.
const RoleCollector = "collector"

// Submitter identifies who uploaded a batch. Rule scopes resolve against
// EmployeeID and TeamID; UserID links to the profile that carries the role.
type Submitter struct {
	UserID     string `json:"user_id,omitempty" db:"submitter_uuid"`
	EmployeeID *int64 `json:"employee_id,omitempty" db:"submitter_id"`
	TeamID     *int64 `json:"team_id,omitempty" db:"submitter_team_id"`
}

// Batch is one submitted set of raw addresses tracked as a unit.
type Batch struct {
	ID          int64       `json:"id" db:"batch_id"`
	Submitter   Submitter   `json:"submitter"`
	TotalCount  int64       `json:"total_count" db:"total_count"`
	Status      BatchStatus `json:"status" db:"status"`
	PausedStage *Stage      `json:"paused_stage,omitempty" db:"paused_stage"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at" db:"updated_at"`
}

// IsPausedAt reports whether the batch is paused at exactly the given stage.
func (b *Batch) IsPausedAt(stage Stage) bool {
	return b.Status == BatchPaused && b.PausedStage != nil && *b.PausedStage == stage
}

// IsDeleted reports whether the batch was cancelled by a delete.
func (b *Batch) IsDeleted() bool { return b.Status == BatchDeleted }
