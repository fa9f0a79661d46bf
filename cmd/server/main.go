package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/quietlake/bookvault/api/handlers"
	"github.com/quietlake/bookvault/api/routes"
	cfg "github.com/quietlake/bookvault/config"
	"github.com/quietlake/bookvault/internal/registry"
	"github.com/quietlake/bookvault/internal/service/library"
	"github.com/quietlake/bookvault/internal/service/pipeline"
	"github.com/quietlake/bookvault/pkg/logger"
	miniostore "github.com/quietlake/bookvault/pkg/objectstore/minio"
	"github.com/quietlake/bookvault/pkg/queue"
)

func main() {
	serverCfg := cfg.GetServerConfig()

	// init logger
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

	ctx := context.Background()
	store, err := registry.NewPostgres(ctx, cfg.GetPostgresConfig().DSN(), quotaCfg.DefaultCredits, log)
	if err != nil {
		log.Fatal("Failed to connect registry", logger.Error(err))
	}
	defer store.Close()

	gateway, err := miniostore.New(cfg.GetMinioConfig(), log)
	if err != nil {
		log.Fatal("Failed to connect object store", logger.Error(err))
	}

	redisCfg := cfg.GetRedisConfig()
	enqueuer := queue.NewAsynqEnqueuer(&queue.Config{
		RedisAddr: redisCfg.Addr,
		RedisDB:   redisCfg.DB,
		RedisPass: redisCfg.Password,
	})
	defer enqueuer.Close()

	// 健康检查用独立的 redis 连接, 不跟队列客户端搅在一起
	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})
	defer redisClient.Close()

	librarySvc := library.NewService(store, gateway, enqueuer, log, &library.ServiceConfig{
		UploadTTL:        pipelineCfg.UploadTTL,
		DownloadTTL:      pipelineCfg.DownloadTTL,
		FreeStorageBytes: quotaCfg.FreeStorageBytes,
		PaidStorageBytes: quotaCfg.PaidStorageBytes,
		FreeBookLimit:    quotaCfg.FreeBookLimit,
		PaidBookLimit:    quotaCfg.PaidBookLimit,
		MaxCoverBytes:    5 << 20,
	})
	pipelineSvc := pipeline.NewService(store, enqueuer, log, &pipeline.ServiceConfig{
		AttemptCap:   pipelineCfg.AttemptCap,
		RetryBackoff: pipelineCfg.RetryBackoff,
	})

	healthChecks := map[string]handlers.DependencyCheck{
		"postgres": store.Ping,
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
	}

	h := handlers.NewHandlers(librarySvc, pipelineSvc, healthChecks, log)
	gin.SetMode(serverCfg.GinMode)
	r := gin.New()
	r.Use(gin.Recovery())
	routes.SetupRoutes(r, h)

	srv := &http.Server{
		Addr:    ":" + serverCfg.Port,
		Handler: r,
	}

	// start server
	go func() {
		log.Info("Server starting", logger.String("port", serverCfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error:", logger.Error(err))
		}
	}()

	// wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown:", logger.Error(err))
	}
}
