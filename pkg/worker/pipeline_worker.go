package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/quietlake/bookvault/internal/apperr"
	"github.com/quietlake/bookvault/internal/engine"
	"github.com/quietlake/bookvault/internal/models"
	"github.com/quietlake/bookvault/internal/registry"
	"github.com/quietlake/bookvault/internal/service/cleanup"
	"github.com/quietlake/bookvault/internal/service/pipeline"
	"github.com/quietlake/bookvault/pkg/logger"
	"github.com/quietlake/bookvault/pkg/objectstore"
	"github.com/quietlake/bookvault/pkg/queue"
)

// PipelineWorker 消费流水线和清扫任务. 重试记账在任务记录上,
// 处理函数对 asynq 永远返回 nil, 避免两套重试叠加.
type PipelineWorker struct {
	BaseWorker
	pipelineSvc pipeline.PipelineService
	cleanupSvc  cleanup.CleanupService
	store       registry.Store
	gateway     objectstore.Gateway
	engine      engine.Engine
}

func NewPipelineWorker(
	cfg *Config,
	pipelineSvc pipeline.PipelineService,
	cleanupSvc cleanup.CleanupService,
	store registry.Store,
	gateway objectstore.Gateway,
	eng engine.Engine,
	log logger.Logger,
) (*PipelineWorker, error) {
	server := asynq.NewServer(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB, Password: cfg.RedisPass},
		asynq.Config{
			Concurrency:    cfg.Concurrency,
			Queues:         cfg.Queues,
			StrictPriority: true,
		},
	)

	w := &PipelineWorker{
		BaseWorker: BaseWorker{
			server:   server,
			mux:      asynq.NewServeMux(),
			logger:   log,
			stopChan: make(chan struct{}),
		},
		pipelineSvc: pipelineSvc,
		cleanupSvc:  cleanupSvc,
		store:       store,
		gateway:     gateway,
		engine:      eng,
	}
	w.registerHandlers()
	return w, nil
}

func (w *PipelineWorker) registerHandlers() {
	w.mux.HandleFunc(queue.TaskTypePipelineProcess, w.handlePipelineProcess)
	w.mux.HandleFunc(queue.TaskTypeSweepExpired, w.handleSweepExpired)
	w.mux.HandleFunc(queue.TaskTypeSweepOrphans, w.handleSweepOrphans)
}

func (w *PipelineWorker) handlePipelineProcess(ctx context.Context, t *asynq.Task) error {
	var payload queue.PipelinePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		w.logger.Error("Failed to unmarshal task payload",
			logger.Error(err),
			logger.String("payload", string(t.Payload())),
		)
		return nil // 坏载荷重试也没用
	}

	job, err := w.pipelineSvc.BeginJob(ctx, payload.JobID)
	if err != nil {
		if apperr.HasCode(err, apperr.CodeConflict) || apperr.HasCode(err, apperr.CodeNotFound) {
			// 任务已经被别的投递做完了
			w.logger.Info("Skipping settled job",
				logger.String("jobId", payload.JobID.String()),
			)
			return nil
		}
		w.logger.Error("Failed to begin job",
			logger.String("jobId", payload.JobID.String()),
			logger.Error(err),
		)
		return nil
	}

	w.logger.Info("Processing pipeline job",
		logger.String("jobId", job.ID.String()),
		logger.String("operation", string(job.Operation)),
		logger.String("contentHash", job.ContentHash),
		logger.Int("attempt", job.Attempts),
	)

	start := time.Now()
	result, err := w.runOperation(ctx, job, payload)
	if err != nil {
		if failErr := w.pipelineSvc.ReportFailure(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("Failed to report job failure",
				logger.String("jobId", job.ID.String()),
				logger.Error(failErr),
			)
		}
		return nil
	}

	if err := w.pipelineSvc.ReportResult(ctx, job.ID, *result); err != nil {
		w.logger.Error("Failed to report job result",
			logger.String("jobId", job.ID.String()),
			logger.Error(err),
		)
		return nil
	}

	w.logger.Info("Pipeline job done",
		logger.String("jobId", job.ID.String()),
		logger.String("operation", string(job.Operation)),
		logger.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// runOperation 下载原始字节, 跑引擎, 结果上传到按哈希寻址的键
func (w *PipelineWorker) runOperation(ctx context.Context, job *models.ProcessingJob, payload queue.PipelinePayload) (*registry.JobResult, error) {
	asset, err := w.store.FindLiveAssetByHash(ctx, job.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("content no longer registered: %w", err)
	}

	reader, err := w.gateway.Get(ctx, asset.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch content: %w", err)
	}
	content, err := io.ReadAll(reader)
	reader.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}

	format := models.FormatFromKey(asset.StorageKey)

	switch job.Operation {
	case models.OpDetectTextLayer:
		report, err := w.engine.DetectTextLayer(ctx, content)
		if err != nil {
			return nil, err
		}
		return &registry.JobResult{
			HasTextLayer:        &report.HasTextLayer,
			TextLayerConfidence: &report.Confidence,
		}, nil

	case models.OpOCR:
		output, err := w.engine.OCR(ctx, content, format)
		if err != nil {
			return nil, err
		}
		key := objectstore.OCRResultKey(job.ContentHash)
		if err := w.gateway.Put(ctx, key, bytesReader(output), int64(len(output)), "application/pdf"); err != nil {
			return nil, fmt.Errorf("failed to store OCR result: %w", err)
		}
		return &registry.JobResult{ResultKey: key}, nil

	case models.OpConvert:
		key := payload.TargetKey
		if key == "" {
			key = objectstore.ConvertedKey(job.ContentHash, string(models.FormatEPUB))
		}
		target := targetFormatFromKey(key)
		output, err := w.engine.Convert(ctx, content, format, target)
		if err != nil {
			return nil, err
		}
		if err := w.gateway.Put(ctx, key, bytesReader(output), int64(len(output)), ""); err != nil {
			return nil, fmt.Errorf("failed to store converted result: %w", err)
		}
		return &registry.JobResult{ResultKey: key}, nil

	default:
		return nil, fmt.Errorf("unknown operation %q", job.Operation)
	}
}

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

// targetFormatFromKey 转换目标格式编码在结果键的扩展名里
func targetFormatFromKey(key string) string {
	return strings.TrimPrefix(path.Ext(key), ".")
}

func (w *PipelineWorker) handleSweepExpired(ctx context.Context, _ *asynq.Task) error {
	if _, err := w.cleanupSvc.SweepExpired(ctx); err != nil {
		w.logger.Error("Expired sweep failed", logger.Error(err))
	}
	return nil
}

func (w *PipelineWorker) handleSweepOrphans(ctx context.Context, _ *asynq.Task) error {
	if _, err := w.cleanupSvc.SweepOrphans(ctx); err != nil {
		w.logger.Error("Orphan sweep failed", logger.Error(err))
	}
	return nil
}
