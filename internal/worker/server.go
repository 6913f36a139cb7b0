package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/pixelpost/internal/batch"
	"github.com/dunamismax/pixelpost/internal/config"
	"github.com/dunamismax/pixelpost/internal/queue"
	"github.com/dunamismax/pixelpost/internal/storage"
	"github.com/dunamismax/pixelpost/internal/webhook"
)

const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
)

// SinkFactory returns the sink a single batch writes into.
type SinkFactory func(batchID string) batch.Sink

// LocalSinks keeps each batch in its own subdirectory of root.
func LocalSinks(root string) SinkFactory {
	return func(batchID string) batch.Sink {
		return batch.LocalDirSink{Dir: filepath.Join(root, batchID)}
	}
}

// ObjectSinks keeps each batch under its own key prefix.
func ObjectSinks(client *storage.Client, prefix string) SinkFactory {
	return func(batchID string) batch.Sink {
		return batch.ObjectStoreSink{Storage: client, Prefix: path.Join(prefix, batchID)}
	}
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, data any) error
}

type Options struct {
	Logger     *zap.Logger
	Queue      config.QueueConfig
	Normalizer batch.Normalizer
	Uploader   batch.Uploader
	Sinks      SinkFactory
	Webhook    webhookSender
}

type Server struct {
	logger     *zap.Logger
	server     *asynq.Server
	normalizer batch.Normalizer
	uploader   batch.Uploader
	sinks      SinkFactory
	webhook    webhookSender
	metrics    *metrics
	tracer     trace.Tracer
}

func NewServer(opts Options) (*Server, error) {
	if opts.Normalizer == nil {
		return nil, errors.New("normalizer is required")
	}
	if opts.Sinks == nil {
		return nil, errors.New("sink factory is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		logger:     logger,
		normalizer: opts.Normalizer,
		uploader:   opts.Uploader,
		sinks:      opts.Sinks,
		webhook:    opts.Webhook,
		metrics:    newMetrics(),
		tracer:     otel.Tracer("pixelpost/worker"),
	}
	s.server = asynq.NewServer(
		opts.Queue.RedisClientOpt(),
		asynq.Config{
			// Batches run one at a time, files within a batch run in order.
			Concurrency: 1,
			Queues: map[string]int{
				opts.Queue.Name: 1,
			},
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				taskID, _ := asynq.GetTaskID(ctx)
				logger.Error("task failed",
					zap.String("type", task.Type()),
					zap.String("task_id", taskID),
					zap.Error(err),
				)
			}),
		},
	)
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRunBatch, s.handleRunBatch)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRunBatch(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseRunBatchPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	return s.runBatch(ctx, payload)
}

func (s *Server) runBatch(ctx context.Context, payload queue.RunBatchPayload) error {
	startedAt := time.Now()
	outcome := outcomeFailed

	ctx, span := s.tracer.Start(ctx, "worker.run_batch", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("batch.id", payload.BatchID),
		attribute.String("batch.source_dir", payload.SourceDir),
	)
	defer span.End()

	s.metrics.activeBatches.Inc()
	defer func() {
		s.metrics.activeBatches.Dec()
		s.metrics.batchesTotal.WithLabelValues(outcome).Inc()
		s.metrics.batchDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
	}()

	logger := s.logger.With(zap.String("batch_id", payload.BatchID))
	logger.Info("batch started", zap.String("source_dir", payload.SourceDir))

	runner, err := batch.NewRunner(logger, s.normalizer, s.sinks(payload.BatchID), s.uploader)
	if err != nil {
		return fmt.Errorf("build runner: %v: %w", err, asynq.SkipRetry)
	}

	summary, err := runner.Run(ctx, payload.SourceDir)
	s.metrics.observeSummary(summary)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch failed")
		s.notify(ctx, logger, payload, webhook.EventBatchFailed, map[string]any{
			"batch_id":     payload.BatchID,
			"source_dir":   payload.SourceDir,
			"requested_at": payload.RequestedAt,
			"failed_at":    time.Now().UTC(),
			"error":        err.Error(),
			"summary":      summary,
		})
		return fmt.Errorf("run batch %s: %w", payload.BatchID, err)
	}

	outcome = outcomeCompleted
	span.SetAttributes(
		attribute.Int("batch.processed", summary.Processed),
		attribute.Int("batch.failed", summary.Failed),
	)
	span.SetStatus(codes.Ok, "completed")

	s.notify(ctx, logger, payload, webhook.EventBatchCompleted, map[string]any{
		"batch_id":     payload.BatchID,
		"source_dir":   payload.SourceDir,
		"requested_at": payload.RequestedAt,
		"completed_at": time.Now().UTC(),
		"summary":      summary,
	})
	return nil
}

// notify logs delivery failures without failing the task.
func (s *Server) notify(ctx context.Context, logger *zap.Logger, payload queue.RunBatchPayload, event string, data map[string]any) {
	if payload.WebhookURL == "" || s.webhook == nil {
		return
	}

	if err := s.webhook.Send(ctx, payload.WebhookURL, event, data); err != nil {
		s.metrics.webhookFailures.Inc()
		trace.SpanFromContext(ctx).RecordError(err)
		logger.Warn("webhook delivery failed", zap.String("event", event), zap.Error(err))
		return
	}
	logger.Debug("webhook delivered", zap.String("event", event))
}
