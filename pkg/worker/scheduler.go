package worker

import (
	"github.com/hibiken/asynq"

	"github.com/quietlake/bookvault/pkg/logger"
	"github.com/quietlake/bookvault/pkg/queue"
)

// NewSweepScheduler 周期性往 maintenance 队列投清扫任务.
// 调用方负责 Run 和 Shutdown.
func NewSweepScheduler(cfg *Config, log logger.Logger) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB, Password: cfg.RedisPass},
		&asynq.SchedulerOpts{
			EnqueueErrorHandler: func(task *asynq.Task, opts []asynq.Option, err error) {
				log.Error("Failed to enqueue scheduled task",
					logger.String("type", task.Type()),
					logger.Error(err),
				)
			},
		},
	)

	entries := []struct {
		cron string
		typ  string
	}{
		{"0 * * * *", queue.TaskTypeSweepExpired}, // 每小时
		{"30 * * * *", queue.TaskTypeSweepOrphans},
	}
	for _, entry := range entries {
		_, err := scheduler.Register(entry.cron,
			asynq.NewTask(entry.typ, nil),
			asynq.Queue(queue.QueueMaintenance),
			asynq.MaxRetry(0),
		)
		if err != nil {
			return nil, err
		}
	}
	return scheduler, nil
}
