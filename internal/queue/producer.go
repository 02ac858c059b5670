package queue

import (
	"context"
	"encoding/json"

	"depscan-service/internal/config"
	"depscan-service/internal/model"

	"github.com/go-redis/redis/v8"
)

type Producer struct {
	client *redis.Client
	cfg    *config.Config
}

func NewProducer(redisClient *RedisClient, cfg *config.Config) *Producer {
	return &Producer{
		client: redisClient.Client(),
		cfg:    cfg,
	}
}

func (p *Producer) EnqueueUploadJob(ctx context.Context, job model.UploadJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	return p.client.LPush(ctx, p.cfg.Redis.UploadQueue, data).Err()
}
