package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cis-filesearch/worker/internal/workqueue"
)

// errDeadlineExhausted aborts an attempt whose visibility deadline is about
// to lapse with no extensions left. Aborting before the deadline keeps the
// invariant that at most one consumer works on an item at a time.
var errDeadlineExhausted = errors.New("visibility deadline exhausted")

// deadlineGuard tracks an item's visibility deadline across stages. Each
// check extends the deadline when it is within the configured margin, up to
// MaxExtensions times; after that the attempt is aborted as transient.
type deadlineGuard struct {
	queue      Queue
	item       workqueue.WorkItem
	deadline   time.Time
	margin     time.Duration
	timeout    time.Duration
	extensions int
	maxExt     int
	logger     *slog.Logger
	now        func() time.Time
}

func newDeadlineGuard(queue Queue, item workqueue.WorkItem, opts Options, logger *slog.Logger, now func() time.Time) *deadlineGuard {
	return &deadlineGuard{
		queue:    queue,
		item:     item,
		deadline: item.ReceivedAt.Add(opts.VisibilityTimeout),
		margin:   opts.VisibilityMargin,
		timeout:  opts.VisibilityTimeout,
		maxExt:   opts.MaxExtensions,
		logger:   logger,
		now:      now,
	}
}

// check verifies there is still time to run the next stage, extending the
// visibility deadline if needed.
func (g *deadlineGuard) check(ctx context.Context) *Failure {
	if err := ctx.Err(); err != nil {
		return Transient("deadline", err)
	}
	if g.timeout == 0 {
		return nil
	}

	remaining := g.deadline.Sub(g.now())
	if remaining > g.margin {
		return nil
	}

	if g.extensions >= g.maxExt {
		return Transient("deadline", errDeadlineExhausted)
	}

	if err := g.queue.ExtendVisibility(ctx, g.item, g.timeout); err != nil {
		// The old deadline may still hold; keep going and let the next
		// check abort if it does not.
		g.logger.WarnContext(ctx, "Visibility extension failed",
			slog.String("item_id", g.item.ItemID),
			slog.String("error", err.Error()),
		)
		g.extensions++
		return nil
	}

	g.extensions++
	g.deadline = g.now().Add(g.timeout)
	return nil
}
