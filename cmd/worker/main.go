// Package main runs the background job worker (rating unlock after a consultation completes).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/aura-consult/relay/config"
	"github.com/aura-consult/relay/internal/store"
	"github.com/aura-consult/relay/internal/store/postgres"
	"github.com/aura-consult/relay/internal/worker"
	"github.com/aura-consult/relay/pkg/database"
	"github.com/aura-consult/relay/pkg/logging"
	"github.com/aura-consult/relay/pkg/queue"
	"github.com/aura-consult/relay/pkg/redis"
	"github.com/aura-consult/relay/pkg/telemetry"
)

func main() {
	logger := logging.New("info")
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	logger = logging.New(cfg.LogLevel)
	defer logger.Sync()

	ctx := context.Background()
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName+"-worker", cfg.Telemetry.Endpoint, logger)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	processor := worker.NewRatingProcessor(store.WithTracing(postgres.New(pool)), queue.NewQueue(rdb, logger), logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		processor.Run(workerCtx)
		close(done)
	}()
	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	<-done
	_ = shutdownTracing(context.Background())
	logger.Info("worker stopped")
}
