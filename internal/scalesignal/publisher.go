// Package scalesignal publishes a backlog gauge that external autoscaling
// reacts to. The worker itself never scales anything.
package scalesignal

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// metricName is the gauge consumed by the autoscaling policy.
const metricName = "approxVisibleItemsPerWorker"

// CloudWatchAPI abstracts metric publication for dependency inversion.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// QueueDepth reports the approximate number of visible items in the queue.
type QueueDepth interface {
	ApproximateVisibleItems(ctx context.Context) (int, error)
}

// Publisher periodically publishes the per-worker backlog gauge.
type Publisher struct {
	cw        CloudWatchAPI
	queue     QueueDepth
	namespace string
	workers   int
	interval  time.Duration
	logger    *slog.Logger
}

// NewPublisher creates a new Publisher.
func NewPublisher(cw CloudWatchAPI, queue QueueDepth, namespace string, workers int, interval time.Duration, logger *slog.Logger) *Publisher {
	if workers < 1 {
		workers = 1
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Publisher{
		cw:        cw,
		queue:     queue,
		namespace: namespace,
		workers:   workers,
		interval:  interval,
		logger:    logger,
	}
}

// Run publishes the gauge on a ticker until ctx is cancelled. Publish
// failures are logged and swallowed: a missed data point must never take
// down the worker.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.publish(ctx); err != nil {
				p.logger.WarnContext(ctx, "Scale signal publish failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// publish reads the queue depth and writes one gauge sample.
func (p *Publisher) publish(ctx context.Context) error {
	depth, err := p.queue.ApproximateVisibleItems(ctx)
	if err != nil {
		return err
	}

	value := float64(depth) / float64(p.workers)
	_, err = p.cw.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.namespace),
		MetricData: []types.MetricDatum{
			{
				MetricName: aws.String(metricName),
				Value:      aws.Float64(value),
				Unit:       types.StandardUnitCount,
				Timestamp:  aws.Time(time.Now().UTC()),
			},
		},
	})
	return err
}
