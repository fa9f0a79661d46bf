package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/quietlake/bookvault/internal/models"
	"github.com/quietlake/bookvault/internal/registry"
)

// Decision statuses for a processing request.
const (
	StatusReused         = "reused"
	StatusAlreadyRunning = "already_running"
	StatusQueued         = "queued"
)

// ProcessRequest 用户发起的处理请求
type ProcessRequest struct {
	BookID    uuid.UUID            `json:"bookId"`
	Operation models.OperationType `json:"operation"`
	Tier      models.Tier          `json:"tier"`
	// TargetFormat 仅 convert 需要
	TargetFormat string `json:"targetFormat,omitempty"`
	// Force 跳过结果复用, 强制重跑
	Force bool `json:"force,omitempty"`
}

// ProcessDecision 调度结论: 复用已有结果, 挂到进行中的任务, 或新入队
type ProcessDecision struct {
	Status    string                `json:"status"`
	Job       *models.ProcessingJob `json:"job,omitempty"`
	ResultKey string                `json:"resultKey,omitempty"`
	// CreditsLeft 本次请求后剩余的处理额度, 未扣费时为 -1
	CreditsLeft int `json:"creditsLeft"`
}

// StatusReport 汇总一本书的流水线状态
type StatusReport struct {
	ProcessingStatus    models.ProcessingStatus `json:"processingStatus"`
	ProcessingError     string                  `json:"processingError,omitempty"`
	HasTextLayer        *bool                   `json:"hasTextLayer,omitempty"`
	TextLayerConfidence *float64                `json:"textLayerConfidence,omitempty"`
	OCRReady            bool                    `json:"ocrReady"`
	ConvertedReady      bool                    `json:"convertedReady"`
	ActiveJobs          []*models.ProcessingJob `json:"activeJobs,omitempty"`
}

// PipelineService 调度去重后的内容处理
type PipelineService interface {
	RequestProcessing(ctx context.Context, userID uuid.UUID, req ProcessRequest) (*ProcessDecision, error)
	GetStatus(ctx context.Context, userID, bookID uuid.UUID) (*StatusReport, error)
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.ProcessingJob, error)

	// Worker 回调
	BeginJob(ctx context.Context, jobID uuid.UUID) (*models.ProcessingJob, error)
	ReportResult(ctx context.Context, jobID uuid.UUID, result registry.JobResult) error
	ReportFailure(ctx context.Context, jobID uuid.UUID, reason string) error
}
