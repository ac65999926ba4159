// Package coordinator drives the poll-process loop: it receives work items,
// fans them out across a bounded worker pool, and drains gracefully on
// shutdown or preemption.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/panjf2000/ants/v2"

	"github.com/cis-filesearch/worker/internal/pipeline"
	"github.com/cis-filesearch/worker/internal/workqueue"
)

// Receiver pulls work items from the durable queue.
type Receiver interface {
	ReceiveBatch(ctx context.Context, maxItems int32, waitSeconds int32) ([]workqueue.WorkItem, error)
}

// ItemProcessor runs the full pipeline for one item.
type ItemProcessor interface {
	Process(ctx context.Context, item workqueue.WorkItem) pipeline.Result
}

// Config tunes the coordinator loop.
type Config struct {
	WorkerCount        int
	ReceiveBatchSize   int32
	ReceiveWaitSeconds int32
	// DrainTimeout bounds how long a drain waits for in-flight items before
	// cancelling them. Cancelled items stay unacknowledged and redeliver.
	DrainTimeout time.Duration
}

// Stats counts item outcomes over the coordinator's lifetime.
type Stats struct {
	Received     atomic.Int64
	Indexed      atomic.Int64
	Retried      atomic.Int64
	DeadLettered atomic.Int64
}

// Coordinator owns the worker pool and the receive loop.
type Coordinator struct {
	queue  Receiver
	proc   ItemProcessor
	pool   *ants.Pool
	cfg    Config
	logger *slog.Logger

	stats     Stats
	inflight  sync.WaitGroup
	drainOnce sync.Once
	draining  chan struct{}
}

// New creates a Coordinator with a pool of cfg.WorkerCount workers. Submit
// blocks when all workers are busy, so at most WorkerCount items are in
// flight and receive naturally pauses under load.
func New(queue Receiver, proc ItemProcessor, cfg Config, logger *slog.Logger) (*Coordinator, error) {
	pool, err := ants.NewPool(cfg.WorkerCount)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		queue:    queue,
		proc:     proc,
		pool:     pool,
		cfg:      cfg,
		logger:   logger,
		draining: make(chan struct{}),
	}, nil
}

// Run polls the queue and dispatches items until ctx is cancelled or Drain
// is called, then waits out the drain. It always returns nil after a clean
// drain; the error path is reserved for future fatal conditions.
func (c *Coordinator) Run(ctx context.Context) error {
	// In-flight items must be allowed to finish after the receive context
	// dies, so processing hangs off an uncancelled parent until the drain
	// timeout expires.
	procCtx, cancelProc := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelProc()

	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()
	go func() {
		<-c.draining
		cancelRecv()
	}()

	c.logger.InfoContext(ctx, "Coordinator started",
		slog.Int("workers", c.cfg.WorkerCount),
	)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second

	for !c.isDraining() && recvCtx.Err() == nil {
		items, err := c.queue.ReceiveBatch(recvCtx, c.cfg.ReceiveBatchSize, c.cfg.ReceiveWaitSeconds)
		if err != nil {
			if recvCtx.Err() != nil {
				break
			}
			wait := bo.NextBackOff()
			c.logger.ErrorContext(ctx, "Receive failed, backing off",
				slog.String("error", err.Error()),
				slog.Duration("wait", wait),
			)
			select {
			case <-time.After(wait):
			case <-recvCtx.Done():
			}
			continue
		}
		bo.Reset()

		for _, item := range items {
			if c.isDraining() {
				// Unstarted items stay invisible until their timeout lapses,
				// then redeliver to another worker.
				break
			}
			c.dispatch(procCtx, item)
		}
	}

	c.drain(cancelProc)
	c.logStats(ctx)
	return nil
}

// Drain stops receiving new work and lets in-flight items finish. Safe to
// call from any goroutine, any number of times.
func (c *Coordinator) Drain() {
	c.drainOnce.Do(func() {
		close(c.draining)
	})
}

// Snapshot returns the current outcome counters.
func (c *Coordinator) Snapshot() (received, indexed, retried, deadLettered int64) {
	return c.stats.Received.Load(), c.stats.Indexed.Load(),
		c.stats.Retried.Load(), c.stats.DeadLettered.Load()
}

func (c *Coordinator) isDraining() bool {
	select {
	case <-c.draining:
		return true
	default:
		return false
	}
}

// dispatch hands one item to the pool. Submit blocks while all workers are
// busy, which is the intended backpressure.
func (c *Coordinator) dispatch(ctx context.Context, item workqueue.WorkItem) {
	c.stats.Received.Add(1)
	c.inflight.Add(1)
	err := c.pool.Submit(func() {
		defer c.inflight.Done()
		res := c.proc.Process(ctx, item)
		switch res.Status {
		case pipeline.StatusIndexed:
			c.stats.Indexed.Add(1)
		case pipeline.StatusRetry:
			c.stats.Retried.Add(1)
		case pipeline.StatusDeadLettered:
			c.stats.DeadLettered.Add(1)
		}
	})
	if err != nil {
		// Pool rejected the task; the item stays unacknowledged and will
		// redeliver.
		c.inflight.Done()
		c.logger.ErrorContext(ctx, "Worker pool rejected item",
			slog.String("item_id", item.ItemID),
			slog.String("error", err.Error()),
		)
	}
}

// drain waits for in-flight items up to the drain timeout, then cancels the
// processing context and waits for the workers to observe it.
func (c *Coordinator) drain(cancelProc context.CancelFunc) {
	c.Drain()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	timeout := c.cfg.DrainTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		c.logger.Warn("Drain timeout reached, cancelling in-flight items")
		cancelProc()
		<-done
	}
	c.pool.Release()
}

func (c *Coordinator) logStats(ctx context.Context) {
	received, indexed, retried, deadLettered := c.Snapshot()
	c.logger.InfoContext(ctx, "Coordinator stopped",
		slog.Int64("received", received),
		slog.Int64("indexed", indexed),
		slog.Int64("retried", retried),
		slog.Int64("dead_lettered", deadLettered),
	)
}
