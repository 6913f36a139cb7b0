package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/pixelpost/internal/pipeline"
)

const (
	StatusUploaded = "uploaded"
	StatusSaved    = "saved"
	StatusFailed   = "failed"

	StageRead      = "read"
	StageNormalize = "normalize"
	StageStore     = "store"
	StageUpload    = "upload"
)

type Normalizer interface {
	Normalize(src []byte, ext string) (pipeline.Result, error)
}

type Uploader interface {
	Upload(ctx context.Context, filename string, data []byte) (string, error)
}

type Item struct {
	Source   string `json:"source"`
	Output   string `json:"output"`
	Location string `json:"location,omitempty"`
	URL      string `json:"url,omitempty"`
	Quality  int    `json:"quality,omitempty"`
	Bytes    int    `json:"bytes,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Status   string `json:"status"`
	Stage    string `json:"stage,omitempty"`
	Error    string `json:"error,omitempty"`
}

type Summary struct {
	Dir       string        `json:"dir"`
	Items     []Item        `json:"items"`
	Processed int           `json:"processed"`
	Uploaded  int           `json:"uploaded"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// Runner walks one directory and pushes every supported file through the
// normalizer, the sink and the uploader, one file at a time.
type Runner struct {
	logger     *zap.Logger
	normalizer Normalizer
	sink       Sink
	uploader   Uploader
	tracer     trace.Tracer
}

// NewRunner builds a Runner. A nil uploader stores results without uploading.
func NewRunner(logger *zap.Logger, normalizer Normalizer, sink Sink, uploader Uploader) (*Runner, error) {
	if normalizer == nil {
		return nil, errors.New("normalizer is required")
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Runner{
		logger:     logger,
		normalizer: normalizer,
		sink:       sink,
		uploader:   uploader,
		tracer:     otel.Tracer("pixelpost/batch"),
	}, nil
}

// Run processes dir in listing order. Per-file failures are recorded in the
// summary and do not stop the run; cancellation is honoured between files.
func (r *Runner) Run(ctx context.Context, dir string) (Summary, error) {
	startedAt := time.Now()
	summary := Summary{Dir: dir}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return summary, fmt.Errorf("list source dir: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			summary.Duration = time.Since(startedAt)
			return summary, err
		}

		if entry.IsDir() || !pipeline.IsSupportedFile(entry.Name()) {
			summary.Skipped++
			continue
		}

		item := r.processFile(ctx, filepath.Join(dir, entry.Name()))
		summary.Items = append(summary.Items, item)
		switch item.Status {
		case StatusFailed:
			summary.Failed++
		case StatusUploaded:
			summary.Processed++
			summary.Uploaded++
		default:
			summary.Processed++
		}
	}

	summary.Duration = time.Since(startedAt)
	r.logger.Info("batch finished",
		zap.String("dir", dir),
		zap.Int("processed", summary.Processed),
		zap.Int("uploaded", summary.Uploaded),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

func (r *Runner) processFile(ctx context.Context, sourcePath string) Item {
	name := filepath.Base(sourcePath)
	item := Item{
		Source: sourcePath,
		Output: pipeline.OutputName(name),
	}

	ctx, span := r.tracer.Start(ctx, "batch.process_file")
	span.SetAttributes(attribute.String("file.name", name))
	defer span.End()

	fail := func(stage string, err error) Item {
		item.Status = StatusFailed
		item.Stage = stage
		item.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, stage+" failed")
		r.logger.Warn("file failed",
			zap.String("file", name),
			zap.String("stage", stage),
			zap.Error(err),
		)
		return item
	}

	src, err := os.ReadFile(sourcePath)
	if err != nil {
		return fail(StageRead, err)
	}

	result, err := r.normalizer.Normalize(src, filepath.Ext(name))
	if err != nil {
		return fail(StageNormalize, err)
	}
	item.Quality = result.Quality
	item.Bytes = result.Size
	item.Attempts = result.Attempts
	span.SetAttributes(
		attribute.Int("image.quality", result.Quality),
		attribute.Int("image.bytes", result.Size),
		attribute.Int("image.attempts", result.Attempts),
	)

	location, err := r.sink.Put(ctx, item.Output, result.Data)
	if err != nil {
		return fail(StageStore, err)
	}
	item.Location = location
	r.logger.Info("saved",
		zap.String("file", name),
		zap.String("location", location),
		zap.Int("quality", result.Quality),
		zap.Int("bytes", result.Size),
	)

	if r.uploader == nil {
		item.Status = StatusSaved
		return item
	}

	url, err := r.uploader.Upload(ctx, item.Output, result.Data)
	if err != nil {
		return fail(StageUpload, err)
	}
	item.URL = url
	item.Status = StatusUploaded
	span.SetStatus(codes.Ok, "uploaded")
	r.logger.Info("uploaded", zap.String("file", item.Output), zap.String("url", url))
	return item
}
