package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dunamismax/pixelpost/internal/batch"
	"github.com/dunamismax/pixelpost/internal/config"
	"github.com/dunamismax/pixelpost/internal/imghost"
	"github.com/dunamismax/pixelpost/internal/logging"
	"github.com/dunamismax/pixelpost/internal/pipeline"
	"github.com/dunamismax/pixelpost/internal/storage"
	"github.com/dunamismax/pixelpost/internal/telemetry"
	"github.com/dunamismax/pixelpost/internal/webhook"
	"github.com/dunamismax/pixelpost/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := logging.New("pixelpost-worker", cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "pixelpost-worker",
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

	var uploader batch.Uploader
	if cfg.ImageHost.ClientID != "" {
		client, err := imghost.NewClient(imghost.Config{
			Endpoint: cfg.ImageHost.Endpoint,
			ClientID: cfg.ImageHost.ClientID,
			Timeout:  cfg.ImageHost.Timeout,
		})
		if err != nil {
			logger.Fatal("image host client invalid", zap.Error(err))
		}
		uploader = client
	} else {
		logger.Warn("IMGUR_CLIENT_ID not set, batches will be saved without uploading")
	}

	sinks, err := buildSinks(ctx, cfg)
	if err != nil {
		logger.Fatal("output sink setup failed", zap.Error(err))
	}

	srv, err := worker.NewServer(worker.Options{
		Logger:     logger,
		Queue:      cfg.Queue,
		Normalizer: normalizer,
		Uploader:   uploader,
		Sinks:      sinks,
		Webhook: webhook.NewClient(webhook.Config{
			SigningSecret: cfg.Webhook.SigningSecret,
			Timeout:       cfg.Webhook.Timeout,
			MaxAttempts:   cfg.Webhook.MaxAttempts,
		}),
	})
	if err != nil {
		logger.Fatal("worker init failed", zap.Error(err))
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", zap.String("addr", cfg.Worker.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("starting worker",
		zap.String("queue", cfg.Queue.Name),
		zap.String("redis", cfg.Queue.RedisAddr),
		zap.String("sink", cfg.Batch.Sink),
	)
	// Run blocks until SIGINT or SIGTERM.
	if err := srv.Run(); err != nil {
		logger.Fatal("worker failed", zap.Error(err))
	}
}

func buildSinks(ctx context.Context, cfg config.Config) (worker.SinkFactory, error) {
	if cfg.Batch.Sink != config.SinkObject {
		return worker.LocalSinks(cfg.Batch.DestDir), nil
	}

	client, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		return nil, err
	}

	setupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.EnsureBucket(setupCtx); err != nil {
		return nil, err
	}
	return worker.ObjectSinks(client, cfg.Storage.Prefix), nil
}
