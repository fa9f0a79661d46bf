package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/quietlake/bookvault/internal/models"
)

// TaskType 定义任务类型
const (
	TaskTypePipelineProcess = "pipeline:process"
	TaskTypeSweepExpired    = "cleanup:expired"
	TaskTypeSweepOrphans    = "cleanup:orphans"
)

// 队列名, 按优先级从高到低
const (
	QueuePaid        = "paid"
	QueueFree        = "free"
	QueueMaintenance = "maintenance"
)

// PipelinePayload 流水线任务的序列化载荷
type PipelinePayload struct {
	JobID       uuid.UUID            `json:"jobId"`
	ContentHash string               `json:"contentHash"`
	Operation   models.OperationType `json:"operation"`
	Tier        models.Tier          `json:"tier"`
	TargetKey   string               `json:"targetKey"`
}

// Enqueuer 将任务投递到队列
type Enqueuer interface {
	EnqueueJob(ctx context.Context, payload PipelinePayload, delay time.Duration) error
	Close() error
}

type Config struct {
	RedisAddr   string
	RedisDB     int
	RedisPass   string
	TaskTimeout time.Duration
}

// AsynqEnqueuer asynq 客户端实现
type AsynqEnqueuer struct {
	client  *asynq.Client
	timeout time.Duration
}

func NewAsynqEnqueuer(cfg *Config) *AsynqEnqueuer {
	timeout := cfg.TaskTimeout
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		DB:       cfg.RedisDB,
		Password: cfg.RedisPass,
	})
	return &AsynqEnqueuer{client: client, timeout: timeout}
}

// EnqueueJob 按层级投递任务. 重试语义由任务记录自己承担, 所以这里 MaxRetry(0).
func (e *AsynqEnqueuer) EnqueueJob(ctx context.Context, payload PipelinePayload, delay time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	queueName := QueueFree
	if payload.Tier == models.TierPaid {
		queueName = QueuePaid
	}

	opts := []asynq.Option{
		asynq.Queue(queueName),
		asynq.MaxRetry(0),
		asynq.Timeout(e.timeout),
		asynq.TaskID(fmt.Sprintf("%s:%d", payload.JobID, time.Now().UnixNano())),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	task := asynq.NewTask(TaskTypePipelineProcess, data, opts...)
	if _, err := e.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func (e *AsynqEnqueuer) Close() error {
	return e.client.Close()
}

// QueuePriorities 队列权重, 配合 StrictPriority 保证付费任务先出队
func QueuePriorities() map[string]int {
	return map[string]int{
		QueuePaid:        6,
		QueueFree:        3,
		QueueMaintenance: 1,
	}
}
