// Package config loads the worker's immutable configuration from the environment.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// Config holds all worker settings. It is constructed once at startup and
// passed by reference into constructors; nothing mutates it afterwards.
type Config struct {
	Region string

	// Queue settings.
	QueueURL            string
	DeadLetterQueueURL  string
	ReceiveBatchSize    int32
	ReceiveWaitSeconds  int32
	VisibilityTimeout   time.Duration
	VisibilityMargin    time.Duration
	MaxExtensions       int
	MaxDeliveryAttempts int

	// Object store settings.
	Bucket          string
	ThumbnailPrefix string

	// Embedding settings.
	TextModelID    string
	ImageModelID   string
	EmbedDimension int
	EmbedWorkers   int64

	// Search index settings.
	VectorBucket    string
	VectorIndexName string
	IndexWorkers    int64
	MaxExcerptChars int

	// Processing settings.
	WorkerCount  int
	ScratchDir   string
	DrainTimeout time.Duration

	// Scale signal settings.
	ScaleSignalInterval time.Duration
	MetricNamespace     string
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	workers := runtime.NumCPU() - 1
	if workers < 1 {
		workers = 1
	}

	cfg := &Config{
		Region:              getEnv("AWS_REGION", "ap-northeast-1"),
		QueueURL:            getEnv("SQS_QUEUE_URL", ""),
		DeadLetterQueueURL:  getEnv("DLQ_QUEUE_URL", ""),
		ReceiveBatchSize:    int32(getEnvInt("RECEIVE_BATCH_SIZE", 10)),
		ReceiveWaitSeconds:  int32(getEnvInt("RECEIVE_WAIT_SECONDS", 20)),
		VisibilityTimeout:   getEnvSeconds("VISIBILITY_TIMEOUT_SECONDS", 300),
		VisibilityMargin:    getEnvSeconds("VISIBILITY_MARGIN_SECONDS", 30),
		MaxExtensions:       getEnvInt("MAX_VISIBILITY_EXTENSIONS", 1),
		MaxDeliveryAttempts: getEnvInt("MAX_DELIVERY_ATTEMPTS", 3),
		Bucket:              getEnv("S3_BUCKET", ""),
		ThumbnailPrefix:     getEnv("THUMBNAIL_PREFIX", "thumbnails"),
		TextModelID:         getEnv("EMBED_TEXT_MODEL_ID", "amazon.titan-embed-text-v2:0"),
		ImageModelID:        getEnv("EMBED_IMAGE_MODEL_ID", "amazon.titan-embed-image-v1"),
		EmbedDimension:      getEnvInt("EMBED_DIMENSION", 1024),
		EmbedWorkers:        int64(getEnvInt("EMBED_CONCURRENCY", 4)),
		VectorBucket:        getEnv("VECTOR_BUCKET_NAME", ""),
		VectorIndexName:     getEnv("VECTOR_INDEX_NAME", "file-index"),
		IndexWorkers:        int64(getEnvInt("INDEX_CONCURRENCY", 4)),
		MaxExcerptChars:     getEnvInt("MAX_EXCERPT_CHARS", 30000),
		WorkerCount:         getEnvInt("WORKER_COUNT", workers),
		ScratchDir:          getEnv("SCRATCH_DIR", os.TempDir()),
		DrainTimeout:        getEnvSeconds("DRAIN_TIMEOUT_SECONDS", 90),
		ScaleSignalInterval: getEnvSeconds("SCALE_SIGNAL_INTERVAL_SECONDS", 60),
		MetricNamespace:     getEnv("METRIC_NAMESPACE", "FileSearch/Worker"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.QueueURL == "" {
		return fmt.Errorf("SQS_QUEUE_URL not set")
	}
	if c.DeadLetterQueueURL == "" {
		return fmt.Errorf("DLQ_QUEUE_URL not set")
	}
	if c.Bucket == "" {
		return fmt.Errorf("S3_BUCKET not set")
	}
	if c.VectorBucket == "" {
		return fmt.Errorf("VECTOR_BUCKET_NAME not set")
	}
	if c.ReceiveBatchSize < 1 || c.ReceiveBatchSize > 10 {
		return fmt.Errorf("RECEIVE_BATCH_SIZE must be 1-10, got %d", c.ReceiveBatchSize)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount)
	}
	if c.EmbedDimension < 1 {
		return fmt.Errorf("EMBED_DIMENSION must be positive, got %d", c.EmbedDimension)
	}
	if c.VisibilityMargin >= c.VisibilityTimeout {
		return fmt.Errorf("VISIBILITY_MARGIN_SECONDS must be below VISIBILITY_TIMEOUT_SECONDS")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}
