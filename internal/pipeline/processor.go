package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/cis-filesearch/worker/internal/embeddings"
	"github.com/cis-filesearch/worker/internal/extract"
	"github.com/cis-filesearch/worker/internal/objectstore"
	"github.com/cis-filesearch/worker/internal/searchindex"
	"github.com/cis-filesearch/worker/internal/tracing"
	"github.com/cis-filesearch/worker/internal/workqueue"
)

// Status is the terminal state of one processing attempt.
type Status string

const (
	// StatusIndexed means the item was fully processed and acknowledged.
	StatusIndexed Status = "indexed"
	// StatusRetry means the attempt failed transiently and the item was left
	// to redeliver after its visibility timeout lapses.
	StatusRetry Status = "retry"
	// StatusDeadLettered means the item was escalated to the dead-letter
	// queue and removed from the work queue.
	StatusDeadLettered Status = "dead-lettered"
)

// Result summarizes one processing attempt for logging and shutdown stats.
type Result struct {
	ItemID       string
	Status       Status
	Failure      *Failure
	ThumbnailKey string
	TextChars    int
	Elapsed      time.Duration
}

// ObjectStore is the blob access the processor needs.
type ObjectStore interface {
	Download(ctx context.Context, container, key, destPath string) error
	PutThumbnail(ctx context.Context, container, key string, data []byte) (string, error)
}

// Thumbnailer renders a JPEG preview from an image file on disk.
type Thumbnailer interface {
	Generate(path string) ([]byte, error)
}

// Queue is the subset of work queue operations used to settle an item.
type Queue interface {
	ExtendVisibility(ctx context.Context, item workqueue.WorkItem, d time.Duration) error
	Acknowledge(ctx context.Context, item workqueue.WorkItem) error
	SendToDeadLetter(ctx context.Context, item workqueue.WorkItem, kind, detail string) error
}

// Options tunes per-item processing behavior.
type Options struct {
	VisibilityTimeout   time.Duration
	VisibilityMargin    time.Duration
	MaxExtensions       int
	MaxDeliveryAttempts int
	MaxExcerptChars     int
	EmbedDimension      int
	ScratchDir          string
}

// Processor runs the processing stages for a single work item. It is safe
// for concurrent use: per-item state lives on the stack of Process.
type Processor struct {
	store    ObjectStore
	engine   extract.Engine
	embedder embeddings.Client
	index    searchindex.Writer
	thumbs   Thumbnailer
	queue    Queue
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewProcessor creates a new Processor.
func NewProcessor(store ObjectStore, engine extract.Engine, embedder embeddings.Client,
	index searchindex.Writer, thumbs Thumbnailer, queue Queue, opts Options, logger *slog.Logger) *Processor {
	if opts.MaxExcerptChars <= 0 {
		opts.MaxExcerptChars = 30000
	}
	if opts.MaxDeliveryAttempts <= 0 {
		opts.MaxDeliveryAttempts = 3
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	return &Processor{
		store:    store,
		engine:   engine,
		embedder: embedder,
		index:    index,
		thumbs:   thumbs,
		queue:    queue,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Process runs the stages for one item and settles it against the queue.
// It never returns an error: every outcome is captured in the Result, and
// panics from parsing libraries are recovered as permanent failures.
func (p *Processor) Process(ctx context.Context, item workqueue.WorkItem) Result {
	start := p.now()
	res := Result{ItemID: item.ItemID}

	tracer := tracing.Tracer("filesearch-worker")
	ctx, span := tracer.Start(ctx, "pipeline.Process",
		trace.WithAttributes(
			tracing.ItemID(item.ItemID),
			tracing.ObjectKey(item.ObjectKey),
			tracing.DeliveryCount(item.DeliveryCount),
		))
	defer span.End()

	res.Failure = p.run(ctx, item, &res)
	if res.Failure != nil {
		span.SetAttributes(tracing.Stage(res.Failure.Stage))
		tracing.RecordError(span, res.Failure)
	}
	p.settle(ctx, item, &res)
	res.Elapsed = p.now().Sub(start)

	p.logResult(ctx, item, res)
	return res
}

// run executes the stages in order and returns the classified failure, if
// any. Stage side effects worth reporting land directly on res.
func (p *Processor) run(ctx context.Context, item workqueue.WorkItem, res *Result) (failure *Failure) {
	// A recovered panic is an unclassified fault: the safe default is to
	// redeliver, not to drop the item into the dead-letter queue.
	defer func() {
		if r := recover(); r != nil {
			failure = Transient("process", fmt.Errorf("panic: %v", r))
		}
	}()

	guard := newDeadlineGuard(p.queue, item, p.opts, p.logger, p.now)

	scratch := filepath.Join(p.opts.ScratchDir, "worker-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return Transient("scratch", err)
	}
	defer os.RemoveAll(scratch)

	// Stage: download.
	if f := guard.check(ctx); f != nil {
		return f
	}
	localPath := filepath.Join(scratch, "object")
	if err := p.store.Download(ctx, item.ObjectContainer, item.ObjectKey, localPath); err != nil {
		if objectstore.IsNotFound(err) {
			return Permanent("download", err)
		}
		return Transient("download", err)
	}

	// Stage: extract.
	if f := guard.check(ctx); f != nil {
		return f
	}
	extracted, err := p.engine.Extract(ctx, localPath, item.DeclaredMIMEType)
	if err != nil {
		switch {
		case errors.Is(err, extract.ErrUnsupportedType):
			// Metadata-only: the file is indexed without text content.
			extracted = &extract.Result{MIMEType: item.DeclaredMIMEType}
		case errors.Is(err, extract.ErrMalformed):
			return Permanent("extract", err)
		default:
			// Cancellation, I/O faults, and anything unclassified retry
			// via redelivery.
			return Transient("extract", err)
		}
	}
	res.TextChars = len([]rune(extracted.Text))

	// Stage: thumbnail. Only images get previews, and a preview failure
	// degrades the item rather than failing it.
	var thumbData []byte
	if extract.IsImage(extracted.MIMEType) {
		if f := guard.check(ctx); f != nil {
			return f
		}
		thumbData, err = p.thumbs.Generate(localPath)
		if err != nil {
			p.logger.WarnContext(ctx, "Thumbnail generation failed, continuing without preview",
				slog.String("item_id", item.ItemID),
				slog.String("error", err.Error()),
			)
			thumbData = nil
		} else {
			key, err := p.store.PutThumbnail(ctx, item.ObjectContainer, item.ObjectKey, thumbData)
			if err != nil {
				p.logger.WarnContext(ctx, "Thumbnail upload failed, continuing without preview",
					slog.String("item_id", item.ItemID),
					slog.String("error", err.Error()),
				)
			} else {
				res.ThumbnailKey = key
			}
		}
	}

	// Stage: embed.
	if f := guard.check(ctx); f != nil {
		return f
	}
	embedding, f := p.embed(ctx, extracted, localPath, thumbData)
	if f != nil {
		return f
	}

	// Stage: index.
	if f := guard.check(ctx); f != nil {
		return f
	}
	doc := searchindex.Document{
		ItemID:               item.ItemID,
		ObjectContainer:      item.ObjectContainer,
		ObjectKey:            item.ObjectKey,
		ExtractedTextExcerpt: truncateRunes(extracted.Text, p.opts.MaxExcerptChars),
		Embedding:            embedding,
		ThumbnailKey:         res.ThumbnailKey,
		DeclaredSize:         item.DeclaredSize,
		MIMEType:             extracted.MIMEType,
		Pages:                extracted.Pages,
		IndexedAt:            p.now().UTC(),
		Metadata:             item.Metadata,
	}
	if err := p.index.PutDocument(ctx, doc); err != nil {
		if errors.Is(err, searchindex.ErrDimensionMismatch) {
			return Permanent("index", err)
		}
		return Transient("index", err)
	}

	return nil
}

// embed produces the document vector: text embedding when text was
// extracted, image embedding for images, and a zero vector for
// metadata-only documents so they remain present in the index.
func (p *Processor) embed(ctx context.Context, extracted *extract.Result,
	localPath string, thumbData []byte) ([]float32, *Failure) {

	var vec []float32
	var err error
	switch {
	case extracted.Text != "":
		vec, err = p.embedder.EmbedText(ctx, truncateRunes(extracted.Text, p.opts.MaxExcerptChars))
	case extract.IsImage(extracted.MIMEType):
		// The thumbnail is already sized within model limits; fall back to
		// the original bytes when no preview was produced.
		imageBytes := thumbData
		if imageBytes == nil {
			imageBytes, err = os.ReadFile(localPath)
			if err != nil {
				return nil, Transient("embed", fmt.Errorf("read image: %w", err))
			}
		}
		vec, err = p.embedder.EmbedImage(ctx, imageBytes)
	default:
		return make([]float32, p.opts.EmbedDimension), nil
	}

	if err != nil {
		if embeddings.IsBadInput(err) {
			return nil, Permanent("embed", err)
		}
		if embeddings.IsThrottle(err) {
			// Throttling is expected under backlog bursts; surface it
			// distinctly so operators can tell it from real faults.
			p.logger.WarnContext(ctx, "Embedding model throttled, item will redeliver",
				slog.String("error", err.Error()),
			)
		}
		return nil, Transient("embed", err)
	}
	return vec, nil
}

// settle applies the queue action for the attempt's outcome. Successful items
// are acknowledged. Permanent failures, and transient failures that have
// exhausted their delivery attempts, are dead-lettered and then acknowledged.
// Remaining transient failures are left alone so the visibility timeout
// redelivers them.
func (p *Processor) settle(ctx context.Context, item workqueue.WorkItem, res *Result) {
	if res.Failure == nil {
		if err := p.queue.Acknowledge(ctx, item); err != nil {
			p.logger.ErrorContext(ctx, "Acknowledge failed, item will redeliver",
				slog.String("item_id", item.ItemID),
				slog.String("error", err.Error()),
			)
		}
		res.Status = StatusIndexed
		return
	}

	exhausted := item.DeliveryCount >= p.opts.MaxDeliveryAttempts
	if res.Failure.Kind == KindPermanent || exhausted {
		// Dead-letter before acknowledging: losing the record is worse than
		// a duplicate one.
		if err := p.queue.SendToDeadLetter(ctx, item, string(res.Failure.Kind), res.Failure.Error()); err != nil {
			p.logger.ErrorContext(ctx, "Dead-letter send failed, leaving item to redeliver",
				slog.String("item_id", item.ItemID),
				slog.String("error", err.Error()),
			)
			res.Status = StatusRetry
			return
		}
		if err := p.queue.Acknowledge(ctx, item); err != nil {
			p.logger.ErrorContext(ctx, "Acknowledge after dead-letter failed",
				slog.String("item_id", item.ItemID),
				slog.String("error", err.Error()),
			)
		}
		res.Status = StatusDeadLettered
		return
	}

	res.Status = StatusRetry
}

func (p *Processor) logResult(ctx context.Context, item workqueue.WorkItem, res Result) {
	attrs := []any{
		slog.String("item_id", item.ItemID),
		slog.String("object_key", item.ObjectKey),
		slog.String("status", string(res.Status)),
		slog.Int("delivery_count", item.DeliveryCount),
		slog.Duration("elapsed", res.Elapsed),
	}
	if res.Failure != nil {
		attrs = append(attrs,
			slog.String("stage", res.Failure.Stage),
			slog.String("error", res.Failure.Err.Error()),
		)
		p.logger.ErrorContext(ctx, "Item processing failed", attrs...)
		return
	}
	p.logger.InfoContext(ctx, "Item processed", attrs...)
}

// truncateRunes caps s at n runes without splitting a multi-byte character.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
