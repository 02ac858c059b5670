package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"depscan-service/internal/config"
	"depscan-service/internal/db"
	"depscan-service/internal/debricked"
	"depscan-service/internal/logger"
	"depscan-service/internal/notify"
	"depscan-service/internal/queue"
	"depscan-service/internal/rules"
	"depscan-service/internal/storage"
	"depscan-service/internal/upload"
	"depscan-service/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Initialize logger
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	log := logger.Get()

	log.Info().Str("version", cfg.App.Version).Msg("Starting upload worker")

	// Initialize database
	database, err := db.NewConnection(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	// Initialize repository
	repo := db.NewRepository(database)

	// Initialize Redis client
	redisClient, err := queue.NewRedisClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()

	// Initialize S3 storage
	store, err := storage.NewS3Storage(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize S3 storage")
	}

	// Initialize Debricked client and verify credentials before consuming
	client := debricked.NewClient(cfg)
	if _, err := client.Tokens().Token(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Debricked authentication failed")
	}

	// Notification channels
	dispatcher := notify.NewDispatcher()
	dispatcher.Register(notify.ChannelMail, notify.NewMailSender(cfg))
	dispatcher.Register(notify.ChannelChat, notify.NewSlackSender(cfg.Notifications.Slack.WebhookURL))

	engine := rules.NewEngine(rules.DefaultRules(cfg.Rules.VulnerabilityThreshold, dispatcher))

	coordinator := upload.NewCoordinator(cfg, repo, store, client, dispatcher, engine)
	uploadWorker := worker.NewUploadWorker(cfg, coordinator, redisClient)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker
	go func() {
		if err := uploadWorker.Start(ctx); err != nil && err != context.Canceled {
			log.Fatal().Err(err).Msg("Upload worker failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down upload worker...")

	// Cancel context to stop worker
	cancel()
	uploadWorker.Stop()

	log.Info().Msg("Upload worker exited")
}
