package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dunamismax/pixelpost/internal/api"
	"github.com/dunamismax/pixelpost/internal/config"
	"github.com/dunamismax/pixelpost/internal/imghost"
	"github.com/dunamismax/pixelpost/internal/logging"
	"github.com/dunamismax/pixelpost/internal/pipeline"
	"github.com/dunamismax/pixelpost/internal/queue"
	"github.com/dunamismax/pixelpost/internal/ratelimit"
	"github.com/dunamismax/pixelpost/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := logging.New("pixelpost-api", cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "pixelpost-api",
		Exporter:     cfg.Trace.Exporter,
		OTLPEndpoint: cfg.Trace.OTLPEndpoint,
		OTLPInsecure: cfg.Trace.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	if err := pipeline.Startup(); err != nil {
		logger.Fatal("image runtime startup failed", zap.Error(err))
	}
	defer pipeline.Shutdown()

	normalizer, err := pipeline.NewNormalizer(cfg.Normalize)
	if err != nil {
		logger.Fatal("normalizer config invalid", zap.Error(err))
	}

	uploader, err := imghost.NewClient(imghost.Config{
		Endpoint: cfg.ImageHost.Endpoint,
		ClientID: cfg.ImageHost.ClientID,
		Timeout:  cfg.ImageHost.Timeout,
	})
	if err != nil {
		logger.Fatal("image host client invalid", zap.Error(err))
	}

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Queue.TaskTimeout)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close error", zap.Error(err))
		}
	}()

	opts := api.Options{
		Logger:                 logger,
		Normalizer:             normalizer,
		Uploader:               uploader,
		Queue:                  queueClient,
		RateLimitSubjectHeader: cfg.RateLimit.SubjectHeader,
		MaxUploadBytes:         cfg.API.MaxUploadBytes,
	}
	if stat, err := os.Stat(cfg.Batch.SourceDir); err == nil && stat.IsDir() {
		opts.BatchRoot = cfg.Batch.SourceDir
	} else {
		logger.Warn("batch source root unavailable, POST /v1/batches disabled",
			zap.String("root", cfg.Batch.SourceDir),
		)
	}
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window, "")
		if err != nil {
			logger.Fatal("rate limiter config invalid", zap.Error(err))
		}
		opts.RateLimiter = limiter
		logger.Info("rate limiting enabled",
			zap.Int("capacity", cfg.RateLimit.Capacity),
			zap.Duration("window", cfg.RateLimit.Window),
		)
	}

	app, err := api.NewServer(opts)
	if err != nil {
		logger.Fatal("api server init failed", zap.Error(err))
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.API.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}
