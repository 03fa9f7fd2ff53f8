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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fable-engine/internal/ai"
	"fable-engine/internal/config"
	"fable-engine/internal/engine"
	"fable-engine/internal/evaluate"
	"fable-engine/internal/logger"
	"fable-engine/internal/messaging"
	"fable-engine/internal/prompts"
	"fable-engine/internal/repository"
	"fable-engine/internal/seed"
	"fable-engine/internal/stage"
	"fable-engine/internal/worker"
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
	zapLogger.Info("Starting generation worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := repository.Migrate(cfg.GetDSN(), zapLogger); err != nil {
		zapLogger.Fatal("Failed to run migrations", zap.Error(err))
	}

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
	if err := redisClient.Ping(ctx).Err(); err != nil {
		zapLogger.Warn("Redis unavailable, progress snapshots disabled", zap.Error(err))
		redisClient = nil
	}

	aiClient, err := ai.NewClient(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to init AI client", zap.Error(err))
	}

	promptProvider := prompts.NewProvider(repository.NewPgPromptRepository(dbPool), zapLogger)
	if err := promptProvider.LoadInitial(ctx); err != nil {
		zapLogger.Fatal("Failed to load prompt templates", zap.Error(err))
	}

	ledger := seed.NewPgLedger(dbPool, zapLogger)
	auditRepo := repository.NewPgAuditRepository(dbPool, zapLogger)

	progressPub, err := messaging.NewProgressPublisher(mqConn, redisClient, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to init progress publisher", zap.Error(err))
	}
	defer progressPub.Close()

	generator := stage.NewGenerator(aiClient, promptProvider, auditRepo, stage.OptionsFromConfig(cfg), zapLogger)
	orchestrator := engine.New(engine.Deps{
		Generator:   generator,
		Evaluator:   evaluate.New(ledger, zapLogger),
		Ledger:      ledger,
		Stories:     repository.NewPgStoryRepository(dbPool, zapLogger),
		Parts:       repository.NewPgPartRepository(dbPool, zapLogger),
		Chapters:    repository.NewPgChapterRepository(dbPool, zapLogger),
		Scenes:      repository.NewPgSceneRepository(dbPool, zapLogger),
		Checkpoints: repository.NewPgCheckpointRepository(dbPool, zapLogger),
		Progress:    progressPub,
		Logger:      zapLogger,
	})

	handler := worker.NewHandler(orchestrator, zapLogger)
	consumer := messaging.NewTaskConsumer(mqConn, handler.Handle, zapLogger)
	if err := consumer.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start task consumer", zap.Error(err))
	}

	metricsServer := startMetricsServer(cfg.MetricsPort, zapLogger)

	<-ctx.Done()
	zapLogger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := consumer.Stop(); err != nil {
		zapLogger.Warn("Error stopping task consumer", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Warn("Error stopping metrics server", zap.Error(err))
	}
	zapLogger.Info("Worker stopped")
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

// connectRabbitMQ retries the broker connection; at boot the broker often
// comes up after the worker.
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

func startMetricsServer(port string, zapLogger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		zapLogger.Info("Metrics server listening", zap.String("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Error("Metrics server error", zap.Error(err))
		}
	}()
	return server
}
