// Command worker drains the file-processing queue: it downloads uploaded
// objects, extracts text, generates thumbnails and embeddings, and upserts
// the results into the search index.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3vectors"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cis-filesearch/worker/internal/config"
	"github.com/cis-filesearch/worker/internal/coordinator"
	"github.com/cis-filesearch/worker/internal/embeddings"
	"github.com/cis-filesearch/worker/internal/extract"
	"github.com/cis-filesearch/worker/internal/objectstore"
	"github.com/cis-filesearch/worker/internal/pipeline"
	"github.com/cis-filesearch/worker/internal/preempt"
	"github.com/cis-filesearch/worker/internal/scalesignal"
	"github.com/cis-filesearch/worker/internal/searchindex"
	"github.com/cis-filesearch/worker/internal/thumbnail"
	"github.com/cis-filesearch/worker/internal/tracing"
	"github.com/cis-filesearch/worker/internal/workqueue"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	// .env is a local-development convenience; absence is not an error.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("FATAL: invalid configuration", slog.String("error", err.Error()))
		return err
	}

	shutdownTracing, err := tracing.Setup(ctx)
	if err != nil {
		logger.Error("FATAL: tracing setup failed", slog.String("error", err.Error()))
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		logger.Error("FATAL: failed to load AWS config", slog.String("error", err.Error()))
		return err
	}

	queue := workqueue.NewSQSClient(sqs.NewFromConfig(awsCfg),
		cfg.QueueURL, cfg.DeadLetterQueueURL, cfg.Bucket, cfg.VisibilityTimeout, logger)

	store := objectstore.NewClient(s3.NewFromConfig(awsCfg), cfg.ThumbnailPrefix)

	embedder := embeddings.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg), embeddings.Config{
		TextModelID:   cfg.TextModelID,
		ImageModelID:  cfg.ImageModelID,
		Dimensions:    cfg.EmbedDimension,
		MaxConcurrent: cfg.EmbedWorkers,
	})

	index := searchindex.NewS3VectorsWriter(s3vectors.NewFromConfig(awsCfg), searchindex.Config{
		BucketName:    cfg.VectorBucket,
		IndexName:     cfg.VectorIndexName,
		Dimensions:    cfg.EmbedDimension,
		MaxConcurrent: cfg.IndexWorkers,
	})

	processor := pipeline.NewProcessor(
		store, extract.NewRegistry(), embedder, index,
		thumbnail.NewGenerator(), queue,
		pipeline.Options{
			VisibilityTimeout:   cfg.VisibilityTimeout,
			VisibilityMargin:    cfg.VisibilityMargin,
			MaxExtensions:       cfg.MaxExtensions,
			MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
			MaxExcerptChars:     cfg.MaxExcerptChars,
			EmbedDimension:      cfg.EmbedDimension,
			ScratchDir:          cfg.ScratchDir,
		},
		logger,
	)

	coord, err := coordinator.New(queue, processor, coordinator.Config{
		WorkerCount:        cfg.WorkerCount,
		ReceiveBatchSize:   cfg.ReceiveBatchSize,
		ReceiveWaitSeconds: cfg.ReceiveWaitSeconds,
		DrainTimeout:       cfg.DrainTimeout,
	}, logger)
	if err != nil {
		logger.Error("FATAL: failed to create coordinator", slog.String("error", err.Error()))
		return err
	}

	publisher := scalesignal.NewPublisher(cloudwatch.NewFromConfig(awsCfg), queue,
		cfg.MetricNamespace, cfg.WorkerCount, cfg.ScaleSignalInterval, logger)
	go publisher.Run(ctx)

	imdsClient := &http.Client{
		Timeout:   2 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	spotNotice := preempt.NewWatcher(imdsClient, logger).Watch(ctx)
	go func() {
		select {
		case <-ctx.Done():
		case notice := <-spotNotice:
			logger.Warn("Draining ahead of spot interruption",
				slog.String("action", notice.Action),
				slog.Time("time", notice.Time),
			)
			coord.Drain()
		}
	}()

	logger.Info("Worker starting",
		slog.String("queue_url", cfg.QueueURL),
		slog.Int("workers", cfg.WorkerCount),
	)
	return coord.Run(ctx)
}
