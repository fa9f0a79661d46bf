package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cfg "github.com/quietlake/bookvault/config"
	"github.com/quietlake/bookvault/internal/engine"
	"github.com/quietlake/bookvault/internal/registry"
	"github.com/quietlake/bookvault/internal/service/cleanup"
	"github.com/quietlake/bookvault/internal/service/pipeline"
	"github.com/quietlake/bookvault/pkg/logger"
	miniostore "github.com/quietlake/bookvault/pkg/objectstore/minio"
	"github.com/quietlake/bookvault/pkg/queue"
	"github.com/quietlake/bookvault/pkg/worker"
)

func main() {
	serverCfg := cfg.GetServerConfig()

	// 初始化日志
	outputs := []string{"stdout"}
	if serverCfg.LogFile != "" {
		outputs = append(outputs, serverCfg.LogFile)
	}
	log, err := logger.NewLogger(
		logger.WithLevel(serverCfg.LogLevel),
		logger.WithEncoding("json"),
		logger.WithOutputPaths(outputs),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	quotaCfg := cfg.GetQuotaConfig()
	pipelineCfg := cfg.GetPipelineConfig()
	redisCfg := cfg.GetRedisConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := registry.NewPostgres(ctx, cfg.GetPostgresConfig().DSN(), quotaCfg.DefaultCredits, log)
	if err != nil {
		log.Fatal("Failed to connect registry", logger.Error(err))
	}
	defer store.Close()

	gateway, err := miniostore.New(cfg.GetMinioConfig(), log)
	if err != nil {
		log.Fatal("Failed to connect object store", logger.Error(err))
	}

	enqueuer := queue.NewAsynqEnqueuer(&queue.Config{
		RedisAddr: redisCfg.Addr,
		RedisDB:   redisCfg.DB,
		RedisPass: redisCfg.Password,
	})
	defer enqueuer.Close()

	pipelineSvc := pipeline.NewService(store, enqueuer, log, &pipeline.ServiceConfig{
		AttemptCap:   pipelineCfg.AttemptCap,
		RetryBackoff: pipelineCfg.RetryBackoff,
	})
	cleanupSvc := cleanup.NewService(store, gateway, log, &cleanup.ServiceConfig{
		RetentionGrace: pipelineCfg.RetentionGrace,
		OrphanMinAge:   pipelineCfg.OrphanMinAge,
		BatchSize:      pipelineCfg.SweepBatchSize,
	})
	eng := engine.NewLocal(log, nil)

	workerCfg := &worker.Config{
		RedisAddr:   redisCfg.Addr,
		RedisDB:     redisCfg.DB,
		RedisPass:   redisCfg.Password,
		Concurrency: pipelineCfg.Concurrency,
		Queues:      queue.QueuePriorities(),
	}
	pipelineWorker, err := worker.NewPipelineWorker(workerCfg, pipelineSvc, cleanupSvc, store, gateway, eng, log)
	if err != nil {
		log.Fatal("Failed to create pipeline worker", logger.Error(err))
	}

	scheduler, err := worker.NewSweepScheduler(workerCfg, log)
	if err != nil {
		log.Fatal("Failed to create sweep scheduler", logger.Error(err))
	}

	// 启动 worker 和定时器
	if err := pipelineWorker.Start(ctx); err != nil {
		log.Fatal("Failed to start worker", logger.Error(err))
	}
	go func() {
		if err := scheduler.Run(); err != nil {
			log.Error("Scheduler stopped", logger.Error(err))
		}
	}()

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// 优雅关闭
	log.Info("Shutting down worker...")
	scheduler.Shutdown()
	pipelineWorker.Stop()
	log.Info("Worker stopped")
}
