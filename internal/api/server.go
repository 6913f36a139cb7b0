package api

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dunamismax/pixelpost/internal/id"
	"github.com/dunamismax/pixelpost/internal/imghost"
	"github.com/dunamismax/pixelpost/internal/pipeline"
	"github.com/dunamismax/pixelpost/internal/queue"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

const defaultMaxUploadBytes = 32 << 20

type normalizer interface {
	Config() pipeline.Config
	Normalize(src []byte, ext string) (pipeline.Result, error)
}

type uploader interface {
	Upload(ctx context.Context, filename string, data []byte) (string, error)
}

type batchEnqueuer interface {
	EnqueueRunBatch(ctx context.Context, payload queue.RunBatchPayload) (*asynq.TaskInfo, error)
}

type Options struct {
	Logger                 *zap.Logger
	Normalizer             normalizer
	Uploader               uploader
	Queue                  batchEnqueuer
	RateLimiter            RateLimiter
	RateLimitSubjectHeader string
	MaxUploadBytes         int64
	// BatchRoot confines POST /v1/batches source directories. Empty
	// disables the batch route.
	BatchRoot              string
}

type Server struct {
	logger                 *zap.Logger
	normalizer             normalizer
	uploader               uploader
	queue                  batchEnqueuer
	rateLimiter            RateLimiter
	rateLimitSubjectHeader string
	maxUploadBytes         int64
	batchRoot              string
	metrics                *metrics
	tracer                 trace.Tracer
	mux                    *http.ServeMux
}

func NewServer(opts Options) (*Server, error) {
	if opts.Normalizer == nil {
		return nil, errors.New("normalizer is required")
	}
	if opts.Uploader == nil {
		return nil, errors.New("uploader is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxUploadBytes := opts.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}

	var batchRoot string
	if strings.TrimSpace(opts.BatchRoot) != "" {
		root, err := resolveDir(opts.BatchRoot)
		if err != nil {
			return nil, fmt.Errorf("batch root: %w", err)
		}
		batchRoot = root
	}

	s := &Server{
		logger:                 logger,
		normalizer:             opts.Normalizer,
		uploader:               opts.Uploader,
		queue:                  opts.Queue,
		rateLimiter:            opts.RateLimiter,
		rateLimitSubjectHeader: opts.RateLimitSubjectHeader,
		maxUploadBytes:         maxUploadBytes,
		batchRoot:              batchRoot,
		metrics:                newMetrics(),
		tracer:                 otel.Tracer("pixelpost/api"),
		mux:                    http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withTracing(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /upload", s.handleUploadForm)
	s.mux.HandleFunc("POST /v1/uploads", s.handleUploadJSON)
	s.mux.HandleFunc("POST /v1/batches", s.handleCreateBatch)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pages.ExecuteTemplate(w, "index.html", nil); err != nil {
		s.logger.Error("render index failed", zap.Error(err))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type uploadResult struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Quality  int    `json:"quality"`
	Bytes    int    `json:"bytes"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Attempts int    `json:"attempts"`
}

func (s *Server) handleUploadForm(w http.ResponseWriter, r *http.Request) {
	result, status, err := s.processUpload(r.Context(), w, r)
	if err != nil {
		http.Error(w, publicMessage(status, err), status)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pages.ExecuteTemplate(w, "result.html", result); err != nil {
		s.logger.Error("render result failed", zap.Error(err))
	}
}

func (s *Server) handleUploadJSON(w http.ResponseWriter, r *http.Request) {
	result, status, err := s.processUpload(r.Context(), w, r)
	if err != nil {
		writeJSON(w, status, map[string]string{"error": publicMessage(status, err)})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// processUpload runs one multipart file through normalize and upload and
// returns the HTTP status to use on failure.
func (s *Server) processUpload(ctx context.Context, w http.ResponseWriter, r *http.Request) (uploadResult, int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return uploadResult{}, http.StatusRequestEntityTooLarge, err
		}
		return uploadResult{}, http.StatusBadRequest, fmt.Errorf("%w: %v", errNoFile, err)
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	ext := filepath.Ext(filename)
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("upload.filename", filename))

	if _, ok := pipeline.FormatFromExtension(ext); !ok {
		s.logger.Info("rejected upload", zap.String("file", filename), zap.String("ext", ext))
		s.metrics.uploadsTotal.WithLabelValues(outcomeRejected).Inc()
		return uploadResult{}, http.StatusBadRequest, &pipeline.Error{Kind: pipeline.KindUnsupportedFormat, Extension: ext}
	}

	src, err := io.ReadAll(file)
	if err != nil {
		return uploadResult{}, http.StatusBadRequest, fmt.Errorf("%w: read upload: %v", errNoFile, err)
	}

	startedAt := time.Now()
	normalized, err := s.normalizer.Normalize(src, ext)
	if err != nil {
		status := statusForError(err)
		s.logger.Warn("normalize failed",
			zap.String("file", filename),
			zap.String("kind", pipeline.KindOf(err).String()),
			zap.Error(err),
		)
		span.RecordError(err)
		s.metrics.uploadsTotal.WithLabelValues(outcomeForStatus(status)).Inc()
		return uploadResult{}, status, err
	}
	s.metrics.observeNormalize(normalized, s.normalizer.Config(), time.Since(startedAt))

	outputName := pipeline.OutputName(filename)
	url, err := s.uploader.Upload(ctx, outputName, normalized.Data)
	if err != nil {
		s.logger.Error("upload failed", zap.String("file", outputName), zap.Error(err))
		span.RecordError(err)
		s.metrics.uploadsTotal.WithLabelValues(outcomeUploadFailed).Inc()
		return uploadResult{}, http.StatusBadGateway, err
	}

	s.metrics.uploadsTotal.WithLabelValues(outcomeUploaded).Inc()
	s.logger.Info("uploaded",
		zap.String("file", outputName),
		zap.String("url", url),
		zap.Int("quality", normalized.Quality),
		zap.Int("bytes", normalized.Size),
		zap.Int("attempts", normalized.Attempts),
	)

	return uploadResult{
		URL:      url,
		Filename: outputName,
		Quality:  normalized.Quality,
		Bytes:    normalized.Size,
		Width:    normalized.Width,
		Height:   normalized.Height,
		Attempts: normalized.Attempts,
	}, http.StatusOK, nil
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrDecodeFailure):
		return http.StatusUnprocessableEntity
	case errors.Is(err, imghost.ErrUploadFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var errNoFile = errors.New("no file uploaded")

func publicMessage(status int, err error) string {
	if errors.Is(err, errNoFile) {
		return "No file uploaded"
	}
	switch status {
	case http.StatusBadRequest:
		return "Unsupported file type"
	case http.StatusRequestEntityTooLarge:
		return "File too large"
	case http.StatusUnprocessableEntity:
		return "Could not decode image"
	case http.StatusBadGateway:
		return "Failed to upload image"
	default:
		return "Error processing image"
	}
}

type createBatchRequest struct {
	SourceDir  string `json:"source_dir"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil || s.batchRoot == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "batch runs are not configured"})
		return
	}

	var req createBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	sourceDir, err := s.verifySourceDir(req.SourceDir)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	payload := queue.RunBatchPayload{
		BatchID:     id.NewBatch(),
		SourceDir:   sourceDir,
		WebhookURL:  strings.TrimSpace(req.WebhookURL),
		RequestedAt: time.Now().UTC(),
	}

	info, err := s.queue.EnqueueRunBatch(r.Context(), payload)
	if err != nil {
		s.logger.Error("enqueue batch failed", zap.String("batch_id", payload.BatchID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue batch"})
		return
	}
	s.metrics.batchesEnqueued.WithLabelValues(info.Queue).Inc()
	s.logger.Info("batch enqueued",
		zap.String("batch_id", payload.BatchID),
		zap.String("source_dir", payload.SourceDir),
		zap.String("queue", info.Queue),
	)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id":    payload.BatchID,
		"source_dir":  payload.SourceDir,
		"queue":       info.Queue,
		"task_id":     info.ID,
		"state":       info.State.String(),
		"enqueued_at": payload.RequestedAt,
	})
}

// verifySourceDir resolves dir (relative paths against the batch root) and
// rejects anything that is not a directory inside the root after symlinks
// are followed.
func (s *Server) verifySourceDir(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", errors.New("source_dir is required")
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(s.batchRoot, dir)
	}

	resolved, err := resolveDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("source_dir does not exist: %s", dir)
		}
		return "", fmt.Errorf("source_dir check failed: %w", err)
	}

	rel, err := filepath.Rel(s.batchRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("source_dir must be inside %s", s.batchRoot)
	}

	stat, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("source_dir check failed: %w", err)
	}
	if !stat.IsDir() {
		return "", fmt.Errorf("source_dir is not a directory: %s", dir)
	}
	return resolved, nil
}

func resolveDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
