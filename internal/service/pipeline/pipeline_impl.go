package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/quietlake/bookvault/internal/apperr"
	"github.com/quietlake/bookvault/internal/models"
	"github.com/quietlake/bookvault/internal/registry"
	"github.com/quietlake/bookvault/pkg/logger"
	"github.com/quietlake/bookvault/pkg/objectstore"
	"github.com/quietlake/bookvault/pkg/queue"
)

type Service struct {
	store    registry.Store
	enqueuer queue.Enqueuer
	logger   logger.Logger
	config   *ServiceConfig
}

type ServiceConfig struct {
	AttemptCap   int
	RetryBackoff time.Duration
}

func NewService(store registry.Store, enqueuer queue.Enqueuer, log logger.Logger, cfg *ServiceConfig) PipelineService {
	if cfg == nil {
		cfg = &ServiceConfig{
			AttemptCap:   3,
			RetryBackoff: 30 * time.Second,
		}
	}
	return &Service{store: store, enqueuer: enqueuer, logger: log, config: cfg}
}

// RequestProcessing 的裁决顺序: 能复用直接复用, 有进行中的任务就挂上去,
// 都没有才入队. 复用和新入队各扣一次额度, 挂到别人的任务上不扣.
func (s *Service) RequestProcessing(ctx context.Context, userID uuid.UUID, req ProcessRequest) (*ProcessDecision, error) {
	record, err := s.store.GetBook(ctx, req.BookID, userID)
	if err != nil {
		return nil, err
	}
	asset := record.Asset
	if asset == nil {
		return nil, apperr.New(apperr.CodeInternal, "record %s has no asset", req.BookID)
	}

	tier := req.Tier
	if tier == "" {
		tier = models.TierFree
	}

	if !req.Force {
		if key, ok := s.reusableResult(asset, req.Operation); ok {
			remaining, err := s.store.ConsumeProcessingCredit(ctx, userID)
			if err != nil {
				return nil, err
			}
			s.logger.Info("Reusing pipeline result",
				logger.String("userId", userID.String()),
				logger.String("contentHash", asset.ContentHash),
				logger.String("operation", string(req.Operation)),
			)
			return &ProcessDecision{Status: StatusReused, ResultKey: key, CreditsLeft: remaining}, nil
		}
	}

	if req.Operation == models.OpOCR && !req.Force && !asset.NeedsOCR() {
		return nil, apperr.Conflict("content already has a usable text layer")
	}

	if active, err := s.store.FindActiveJob(ctx, asset.ContentHash, req.Operation); err == nil {
		return &ProcessDecision{Status: StatusAlreadyRunning, Job: active, CreditsLeft: -1}, nil
	} else if !apperr.HasCode(err, apperr.CodeNotFound) {
		return nil, err
	}

	remaining, err := s.store.ConsumeProcessingCredit(ctx, userID)
	if err != nil {
		return nil, err
	}

	job, created, err := s.store.CreateOrGetActiveJob(ctx, registry.JobParams{
		ContentHash: asset.ContentHash,
		Operation:   req.Operation,
		Tier:        tier,
		RequestedBy: userID,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		// 和别的请求撞在了同一瞬间, 对方的任务刚好建好.
		// 挂车不收费, 把刚扣的额度退回去.
		if err := s.store.RefundProcessingCredit(ctx, userID); err != nil {
			s.logger.Warn("Failed to refund processing credit",
				logger.String("userId", userID.String()),
				logger.Error(err),
			)
		}
		return &ProcessDecision{Status: StatusAlreadyRunning, Job: job, CreditsLeft: -1}, nil
	}

	payload := queue.PipelinePayload{
		JobID:       job.ID,
		ContentHash: job.ContentHash,
		Operation:   job.Operation,
		Tier:        job.Tier,
	}
	if req.Operation == models.OpConvert {
		payload.TargetKey = objectstore.ConvertedKey(asset.ContentHash, s.targetFormat(req, record))
	}
	if err := s.enqueuer.EnqueueJob(ctx, payload, 0); err != nil {
		s.logger.Error("Failed to enqueue job",
			logger.String("jobId", job.ID.String()),
			logger.Error(err),
		)
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to enqueue job")
	}

	s.logger.Info("Pipeline job queued",
		logger.String("jobId", job.ID.String()),
		logger.String("contentHash", job.ContentHash),
		logger.String("operation", string(job.Operation)),
		logger.String("tier", string(job.Tier)),
	)
	return &ProcessDecision{Status: StatusQueued, Job: job, CreditsLeft: remaining}, nil
}

// reusableResult 检查资产上是否已有这个操作的结果
func (s *Service) reusableResult(asset *models.ContentAsset, op models.OperationType) (string, bool) {
	switch op {
	case models.OpDetectTextLayer:
		if asset.HasTextLayer != nil {
			return "", true
		}
	case models.OpOCR:
		if asset.OCRKey != "" {
			return asset.OCRKey, true
		}
	case models.OpConvert:
		if asset.ConvertedKey != "" {
			return asset.ConvertedKey, true
		}
	}
	return "", false
}

func (s *Service) targetFormat(req ProcessRequest, record *models.BookRecord) string {
	if req.TargetFormat != "" {
		return req.TargetFormat
	}
	// 默认转成 epub, PDF 阅读器以外的格式统一归一
	if record.Format == models.FormatEPUB {
		return string(models.FormatPDF)
	}
	return string(models.FormatEPUB)
}

func (s *Service) GetStatus(ctx context.Context, userID, bookID uuid.UUID) (*StatusReport, error) {
	record, err := s.store.GetBook(ctx, bookID, userID)
	if err != nil {
		return nil, err
	}
	asset := record.Asset
	if asset == nil {
		return nil, apperr.New(apperr.CodeInternal, "record %s has no asset", bookID)
	}

	report := &StatusReport{
		ProcessingStatus:    asset.ProcessingStatus,
		ProcessingError:     asset.ProcessingError,
		HasTextLayer:        asset.HasTextLayer,
		TextLayerConfidence: asset.TextLayerConfidence,
		OCRReady:            asset.OCRKey != "",
		ConvertedReady:      asset.ConvertedKey != "",
	}
	for _, op := range []models.OperationType{models.OpDetectTextLayer, models.OpOCR, models.OpConvert} {
		if job, err := s.store.FindActiveJob(ctx, asset.ContentHash, op); err == nil {
			report.ActiveJobs = append(report.ActiveJobs, job)
		} else if !apperr.HasCode(err, apperr.CodeNotFound) {
			return nil, err
		}
	}
	return report, nil
}

func (s *Service) GetJob(ctx context.Context, jobID uuid.UUID) (*models.ProcessingJob, error) {
	return s.store.GetJob(ctx, jobID)
}

func (s *Service) BeginJob(ctx context.Context, jobID uuid.UUID) (*models.ProcessingJob, error) {
	return s.store.StartJob(ctx, jobID)
}

func (s *Service) ReportResult(ctx context.Context, jobID uuid.UUID, result registry.JobResult) error {
	job, err := s.store.CompleteJob(ctx, jobID, result)
	if err != nil {
		return err
	}
	s.logger.Info("Pipeline job completed",
		logger.String("jobId", job.ID.String()),
		logger.String("operation", string(job.Operation)),
		logger.String("resultKey", result.ResultKey),
	)
	return nil
}

// ReportFailure 在尝试次数没用完时带退避重新入队, 用完则终态失败.
func (s *Service) ReportFailure(ctx context.Context, jobID uuid.UUID, reason string) error {
	job, requeue, err := s.store.FailJob(ctx, jobID, reason, s.config.AttemptCap)
	if err != nil {
		return err
	}
	if !requeue {
		s.logger.Error("Pipeline job failed permanently",
			logger.String("jobId", job.ID.String()),
			logger.String("operation", string(job.Operation)),
			logger.Int("attempts", job.Attempts),
			logger.String("reason", reason),
		)
		return nil
	}

	delay := time.Duration(job.Attempts) * s.config.RetryBackoff
	err = s.enqueuer.EnqueueJob(ctx, queue.PipelinePayload{
		JobID:       job.ID,
		ContentHash: job.ContentHash,
		Operation:   job.Operation,
		Tier:        job.Tier,
	}, delay)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "failed to requeue job")
	}
	s.logger.Warn("Pipeline job requeued",
		logger.String("jobId", job.ID.String()),
		logger.Int("attempts", job.Attempts),
		logger.Duration("delay", delay),
		logger.String("reason", reason),
	)
	return nil
}
