package config

import (
	"sync"
	"time"
)

var (
	pipelineOnce   sync.Once
	pipelineConfig *PipelineConfig
)

type PipelineConfig struct {
	AttemptCap     int           // 每个任务的最大尝试次数
	RetryBackoff   time.Duration // 重试基础退避, 按尝试次数线性放大
	UploadTTL      time.Duration // 预签名上传链接有效期
	DownloadTTL    time.Duration // 预签名下载链接有效期
	RetentionGrace time.Duration // 软删除到物理回收的宽限期
	OrphanMinAge   time.Duration // 孤儿对象清理前的最小存活时间
	SweepBatchSize int
	Concurrency    int
}

func GetPipelineConfig() *PipelineConfig {
	pipelineOnce.Do(func() {
		loadEnv()

		pipelineConfig = &PipelineConfig{
			AttemptCap:     getEnvInt("PIPELINE_ATTEMPT_CAP", 3),
			RetryBackoff:   getEnvDuration("PIPELINE_RETRY_BACKOFF", 30*time.Second),
			UploadTTL:      getEnvDuration("PIPELINE_UPLOAD_TTL", 15*time.Minute),
			DownloadTTL:    getEnvDuration("PIPELINE_DOWNLOAD_TTL", 1*time.Hour),
			RetentionGrace: getEnvDuration("PIPELINE_RETENTION_GRACE", 30*24*time.Hour),
			OrphanMinAge:   getEnvDuration("PIPELINE_ORPHAN_MIN_AGE", 24*time.Hour),
			SweepBatchSize: getEnvInt("PIPELINE_SWEEP_BATCH_SIZE", 100),
			Concurrency:    getEnvInt("PIPELINE_CONCURRENCY", 4),
		}
	})
	return pipelineConfig
}
