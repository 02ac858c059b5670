package worker

import (
	"context"
	"encoding/json"

	"depscan-service/internal/config"
	"depscan-service/internal/logger"
	"depscan-service/internal/model"
	"depscan-service/internal/queue"
	"depscan-service/internal/upload"

	"github.com/rs/zerolog"
)

// UploadWorker consumes the Redis upload queue and hands each session to the
// coordinator through a bounded worker pool.
type UploadWorker struct {
	cfg         *config.Config
	coordinator *upload.Coordinator
	consumer    *queue.Consumer
	workerPool  *WorkerPool
	log         zerolog.Logger
}

func NewUploadWorker(
	cfg *config.Config,
	coordinator *upload.Coordinator,
	redisClient *queue.RedisClient,
) *UploadWorker {
	return &UploadWorker{
		cfg:         cfg,
		coordinator: coordinator,
		consumer:    queue.NewConsumer(redisClient, cfg),
		workerPool:  NewWorkerPool(cfg.Workers.Upload.Count),
		log:         logger.Get(),
	}
}

func (w *UploadWorker) Start(ctx context.Context) error {
	w.log.Info().Msg("Starting upload worker")

	// Start worker pool
	w.workerPool.Start(ctx)

	// Start consuming messages
	return w.consumer.ConsumeUploadQueue(ctx, w.handleMessage)
}

func (w *UploadWorker) Stop() {
	w.log.Info().Msg("Stopping upload worker")
	w.workerPool.Stop()
}

func (w *UploadWorker) handleMessage(ctx context.Context, data []byte) error {
	var job model.UploadJob
	if err := json.Unmarshal(data, &job); err != nil {
		w.log.Error().Err(err).Msg("Failed to unmarshal upload job")
		return err
	}

	w.log.Info().Int64("session_id", job.SessionID).Msg("Processing upload job")

	// Submit job to worker pool
	w.workerPool.Submit(func(ctx context.Context) error {
		return w.coordinator.Process(ctx, job.SessionID)
	})

	return nil
}
