package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fable-engine/internal/api"
	"fable-engine/internal/config"
	"fable-engine/internal/logger"
	"fable-engine/internal/messaging"
	"fable-engine/internal/repository"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	zapLogger.Info("Starting story API")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := setupDatabase(ctx, cfg)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err), zap.String("dsn", cfg.MaskedDSN()))
	}
	defer dbPool.Close()
	zapLogger.Info("Connected to PostgreSQL", zap.String("dsn", cfg.MaskedDSN()))

	mqConn, err := connectRabbitMQ(cfg.RabbitMQURL, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
	}
	defer mqConn.Close()
	zapLogger.Info("Connected to RabbitMQ")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		DB:       cfg.RedisDB,
		Password: cfg.RedisPassword,
	})
	var snapshots *messaging.SnapshotReader
	if err := redisClient.Ping(ctx).Err(); err != nil {
		zapLogger.Warn("Redis unavailable, progress snapshots disabled", zap.Error(err))
	} else {
		snapshots = messaging.NewSnapshotReader(redisClient)
	}

	taskPub, err := messaging.NewRabbitTaskPublisher(mqConn, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to init task publisher", zap.Error(err))
	}
	defer taskPub.Close()

	hub := api.NewHub(zapLogger)
	progressConsumer := messaging.NewProgressConsumer(mqConn, hub.Broadcast, zapLogger)
	if err := progressConsumer.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start progress consumer", zap.Error(err))
	}

	handler := api.NewHandler(api.HandlerDeps{
		Stories:     repository.NewPgStoryRepository(dbPool, zapLogger),
		Parts:       repository.NewPgPartRepository(dbPool, zapLogger),
		Chapters:    repository.NewPgChapterRepository(dbPool, zapLogger),
		Scenes:      repository.NewPgSceneRepository(dbPool, zapLogger),
		Checkpoints: repository.NewPgCheckpointRepository(dbPool, zapLogger),
		Tasks:       taskPub,
		Snapshots:   snapshots,
		Hub:         hub,
		Logger:      zapLogger,
	})
	router := api.NewRouter(cfg, handler, zapLogger)

	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		zapLogger.Info("HTTP server listening", zap.String("port", cfg.APIPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := progressConsumer.Stop(); err != nil {
		zapLogger.Warn("Error stopping progress consumer", zap.Error(err))
	}
	hub.Shutdown(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLogger.Warn("Error stopping HTTP server", zap.Error(err))
	}
	zapLogger.Info("API stopped")
}

func setupDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConns)
	poolCfg.MaxConnIdleTime = cfg.DBIdleTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

func connectRabbitMQ(url string, zapLogger *zap.Logger) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		zapLogger.Warn("RabbitMQ not ready, retrying",
			zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(time.Duration(attempt) * 2 * time.Second)
	}
	return nil, err
}
