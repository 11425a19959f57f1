// Package main runs the election watchdog API server: alert intake, the
// WebSocket evidence ingest, and the recording session machinery.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/voteguard/backend/config"
	"github.com/voteguard/backend/internal/alerts"
	"github.com/voteguard/backend/internal/capture"
	"github.com/voteguard/backend/internal/ingest"
	"github.com/voteguard/backend/internal/middleware"
	"github.com/voteguard/backend/internal/models"
	"github.com/voteguard/backend/internal/sessions"
	"github.com/voteguard/backend/pkg/database"
	"github.com/voteguard/backend/pkg/queue"
	"github.com/voteguard/backend/pkg/redis"
	"github.com/voteguard/backend/pkg/response"
	"github.com/voteguard/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	// Evidence objects are the product; no degraded mode without S3.
	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		EvidenceBucket:       cfg.AWS.EvidenceBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	events := alerts.NewEvents(rdb.Client, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	// Alerts
	alertRepo := alerts.NewRepository(pool)
	notifier := alerts.NewNotifier()
	defer notifier.Close()
	alertService := alerts.NewService(alertRepo, s3Client, notifier, logger)
	alertHandler := alerts.NewHandler(alertService, logger)

	// Evidence capture
	sessionRepo := sessions.NewRepository(pool)
	hub := ingest.NewHub(logger)
	acquirer := capture.NewFeedAcquisition(hub, logger)
	recorder := capture.NewSegmentRecorder(logger)
	uploader := capture.NewUploader(capture.UploaderConfig{
		MaxAttempts: cfg.Capture.UploadMaxAttempts,
		Backoff:     cfg.Capture.UploadBackoff(),
		SpoolDir:    cfg.Capture.SpoolDir,
	}, s3Client, sessionRepo, jobQueue, logger)

	factory := func(alertID, recordingID uuid.UUID) *capture.Controller {
		return capture.NewController(capture.ControllerConfig{
			AlertID:     alertID,
			RecordingID: recordingID,
			Interval:    cfg.Capture.RotationInterval(),
			OnState: func(state models.SessionState) {
				events.SessionState(alertID, recordingID, state)
			},
		}, acquirer, recorder, uploader, sessionRepo, logger)
	}
	trigger := capture.NewTrigger(factory, sessionRepo, logger)
	captureHandler := capture.NewHandler(trigger, sessionRepo, s3Client, logger)

	// A new alert starts its recording session; closing the reporter's
	// publisher socket stops it.
	notifier.Subscribe(trigger.OnAlertCreated)
	notifier.Subscribe(events.AlertCreated)
	hub.SetDisconnectHandler(func(alertID uuid.UUID) {
		trigger.Stop(alertID)
	})

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Alerts (public intake; moderation endpoints sit behind the portal's
	// reverse proxy)
	router.POST("/alerts", alertHandler.Submit)
	router.GET("/alerts", alertHandler.List)
	router.GET("/alerts/:id", alertHandler.GetByID)
	router.PATCH("/alerts/:id/status", alertHandler.UpdateStatus)

	// Recording sessions
	router.POST("/alerts/:id/recording/stop", captureHandler.StopRecording)
	router.GET("/alerts/:id/recording", captureHandler.GetSession)
	router.GET("/recordings/:id/segments/:seq/download-url", captureHandler.SegmentDownloadURL)

	// Evidence ingest (alert_id in query; the reporter connects before or
	// right after submitting)
	router.GET("/ws/ingest", ingest.ServeIngest(hub, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
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

	// Land every live session in a terminal state and flush pending uploads
	// before the process goes away.
	trigger.StopAll()
	uploader.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
