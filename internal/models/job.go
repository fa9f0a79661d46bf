package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OperationType 流水线操作类型
type OperationType string

const (
	OpDetectTextLayer OperationType = "detect"
	OpOCR             OperationType = "ocr"
	OpConvert         OperationType = "convert"
)

// ParseOperation validates an operation name from the API.
func ParseOperation(s string) (OperationType, error) {
	switch OperationType(s) {
	case OpDetectTextLayer, OpOCR, OpConvert:
		return OperationType(s), nil
	default:
		return "", fmt.Errorf("unknown operation %q", s)
	}
}

// Tier is the priority tier a job is scheduled under. Tiers are
// strict: a queued free-tier job never starts ahead of an available
// paid-tier job.
type Tier string

const (
	TierPaid Tier = "paid"
	TierFree Tier = "free"
)

// ParseTier validates a tier name from the API.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierPaid, TierFree:
		return Tier(s), nil
	default:
		return "", fmt.Errorf("unknown priority tier %q", s)
	}
}

// JobState 任务状态机: queued → running → completed | failed
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Active reports whether the state still occupies the per-hash slot.
func (s JobState) Active() bool {
	return s == JobQueued || s == JobRunning
}

// ProcessingJob is one unit of pipeline work, keyed by content hash so
// duplicate requests for identical content collapse into it.
type ProcessingJob struct {
	ID          uuid.UUID     `json:"id"`
	ContentHash string        `json:"contentHash"`
	Operation   OperationType `json:"operation"`
	Tier        Tier          `json:"tier"`
	State       JobState      `json:"state"`
	Attempts    int           `json:"attempts"`
	ResultKey   string        `json:"resultKey,omitempty"`
	Error       string        `json:"error,omitempty"`
	RequestedBy uuid.UUID     `json:"requestedBy"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}
