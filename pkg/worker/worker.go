package worker

import (
	"context"

	"github.com/hibiken/asynq"

	"github.com/quietlake/bookvault/pkg/logger"
)

type Worker interface {
	Start(ctx context.Context) error
	Stop() error
}

type Config struct {
	RedisAddr   string
	RedisDB     int
	RedisPass   string
	Concurrency int
	Queues      map[string]int
}

type BaseWorker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	logger   logger.Logger
	stopChan chan struct{}
}

func (w *BaseWorker) Start(ctx context.Context) error {
	go func() {
		if err := w.server.Run(w.mux); err != nil {
			w.logger.Error("Worker server stopped", logger.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		w.Stop()
	}()

	return nil
}

func (w *BaseWorker) Stop() error {
	select {
	case <-w.stopChan:
	default:
		close(w.stopChan)
		w.server.Stop()
		w.server.Shutdown()
	}
	return nil
}
