package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/dunamismax/pixelpost/internal/pipeline"
)

const (
	SinkLocal  = "local"
	SinkObject = "object"
)

type Config struct {
	LogLevel  string
	API       APIConfig
	Normalize pipeline.Config
	ImageHost ImageHostConfig
	Batch     BatchConfig
	Worker    WorkerConfig
	Queue     QueueConfig
	Storage   StorageConfig
	Webhook   WebhookConfig
	RateLimit RateLimitConfig
	Trace     TraceConfig
}

type APIConfig struct {
	Addr           string
	MaxUploadBytes int64
}

type ImageHostConfig struct {
	Endpoint string
	ClientID string
	Timeout  time.Duration
}

type BatchConfig struct {
	SourceDir string
	DestDir   string
	Sink      string
}

type WorkerConfig struct {
	MetricsAddr string
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
	TaskTimeout   time.Duration
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Prefix    string
}

type WebhookConfig struct {
	SigningSecret string
	Timeout       time.Duration
	MaxAttempts   int
}

type RateLimitConfig struct {
	Enabled       bool
	Capacity      int
	Window        time.Duration
	SubjectHeader string
}

type TraceConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

// Load reads an optional .env file, then the process environment.
// Variables already set in the environment win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}
	return fromEnv(), nil
}

func fromEnv() Config {
	return Config{
		LogLevel: env("LOG_LEVEL", "info"),
		API: APIConfig{
			Addr:           env("PIXELPOST_API_ADDR", ":8080"),
			MaxUploadBytes: int64(envInt("PIXELPOST_MAX_UPLOAD_BYTES", 32<<20)),
		},
		Normalize: pipeline.DefaultConfig(),
		ImageHost: ImageHostConfig{
			Endpoint: env("IMGUR_UPLOAD_URL", "https://api.imgur.com/3/upload"),
			ClientID: env("IMGUR_CLIENT_ID", ""),
			Timeout:  envDuration("IMGUR_TIMEOUT", 30*time.Second),
		},
		Batch: BatchConfig{
			SourceDir: env("BATCH_SOURCE_DIR", "./images"),
			DestDir:   env("BATCH_DEST_DIR", "./.pixelpost-output"),
			Sink:      strings.ToLower(env("BATCH_SINK", SinkLocal)),
		},
		Worker: WorkerConfig{
			MetricsAddr: env("PIXELPOST_WORKER_METRICS_ADDR", ":9091"),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
			TaskTimeout:   envDuration("BATCH_TASK_TIMEOUT", 30*time.Minute),
		},
		Storage: StorageConfig{
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "pixelpost"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
			Prefix:    env("MINIO_PREFIX", "normalized"),
		},
		Webhook: WebhookConfig{
			SigningSecret: env("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:       envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:   envInt("WEBHOOK_MAX_ATTEMPTS", 1),
		},
		RateLimit: RateLimitConfig{
			Enabled:       envBool("RATE_LIMIT_ENABLED", false),
			Capacity:      envInt("RATE_LIMIT_CAPACITY", 30),
			Window:        envDuration("RATE_LIMIT_WINDOW", time.Minute),
			SubjectHeader: env("RATE_LIMIT_SUBJECT_HEADER", "X-Forwarded-For"),
		},
		Trace: TraceConfig{
			Exporter:     env("TRACE_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
