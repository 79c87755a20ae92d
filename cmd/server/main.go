// Package main runs the consultation relay: REST, WebSocket channels and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-consult/relay/config"
	"github.com/aura-consult/relay/internal/attachments"
	"github.com/aura-consult/relay/internal/attendance"
	"github.com/aura-consult/relay/internal/auth"
	"github.com/aura-consult/relay/internal/consult"
	"github.com/aura-consult/relay/internal/middleware"
	"github.com/aura-consult/relay/internal/models"
	"github.com/aura-consult/relay/internal/realtime"
	"github.com/aura-consult/relay/internal/sessions"
	"github.com/aura-consult/relay/internal/store"
	"github.com/aura-consult/relay/internal/store/postgres"
	"github.com/aura-consult/relay/internal/worker"
	"github.com/aura-consult/relay/pkg/database"
	"github.com/aura-consult/relay/pkg/logging"
	"github.com/aura-consult/relay/pkg/metrics"
	"github.com/aura-consult/relay/pkg/queue"
	"github.com/aura-consult/relay/pkg/redis"
	"github.com/aura-consult/relay/pkg/response"
	"github.com/aura-consult/relay/pkg/storage"
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
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint, logger)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.AttachmentsBucket != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			Endpoint:             cfg.AWS.Endpoint,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			AttachmentsBucket:    cfg.AWS.AttachmentsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("attachments disabled", zap.Error(err))
			s3Client = nil
		}
	}

	st := store.WithTracing(postgres.New(pool))
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.TTL)
	jobQueue := queue.NewQueue(rdb, logger)
	attendanceRepo := attendance.NewRepository(pool)
	hub := realtime.NewHub(logger)

	opts := []consult.Option{
		consult.WithRatingJobs(jobQueue),
		consult.WithAttendance(attendanceRepo),
	}
	var pubsub *realtime.RedisPubSub
	if cfg.Redis.Fanout {
		pubsub = realtime.NewRedisPubSub(rdb, logger)
		opts = append(opts, consult.WithChangeNotifier(pubsub))
	}
	registry := consult.NewRegistry(consult.Config{
		TypingWindow:      cfg.Relay.TypingWindow,
		TransitionTimeout: cfg.Relay.TransitionTimeout,
		StoreTimeout:      cfg.Relay.StoreTimeout,
		SendRetries:       cfg.Relay.SendRetries,
		BackfillLimit:     cfg.Relay.BackfillLimit,
		IdleTimeout:       cfg.Relay.IdleTimeout,
		MailboxSize:       cfg.Relay.MailboxSize,
		RecentMessages:    cfg.Relay.RecentMessages,
		ICEServers:        cfg.WebRTC.ICEUrls,
	}, st, hub, logger, opts...)

	if pubsub != nil {
		stopSub, err := pubsub.SubscribeSessionChanges(func(sessionID uuid.UUID, status models.SessionStatus) {
			logger.Debug("session changed elsewhere", zap.String("session_id", sessionID.String()), zap.String("status", string(status)))
			registry.Refresh(sessionID)
		})
		if err != nil {
			logger.Fatal("subscribe session changes", zap.Error(err))
		}
		defer stopSub()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		if err := pool.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, response.Body{Error: "database unavailable"})
			return
		}
		if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, response.Body{Error: "redis unavailable"})
			return
		}
		response.OK(c, gin.H{"status": "ok", "sessions": registry.Active(), "connections": hub.Count()})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api/v1")
	api.Use(middleware.JWT(jwtService))
	{
		sessions.NewHandler(registry, st, attendanceRepo).Register(api)
		if s3Client != nil {
			api.POST("/sessions/:id/attachments", attachments.NewHandler(s3Client, st, logger).Upload)
		}
	}

	// WebSocket (token in query or Authorization header)
	router.GET("/ws/:namespace", realtime.ServeWs(hub, registry, jwtService.Validate, cfg.Server.CORSAllowedOrigins, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if cfg.Relay.InlineWorker {
		go worker.NewRatingProcessor(st, jobQueue, logger).Run(workerCtx)
		logger.Info("rating worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Error("registry shutdown", zap.Error(err))
	}
	workerCancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}
